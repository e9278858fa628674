package pool

import (
	"context"

	"github.com/google/uuid"
)

// NopFactory creates inert handles with no browser behind them. It backs the
// "noop" browser provider for dry runs and tests.
type NopFactory struct{}

// Create returns a handle whose browser context carries no automation.
func (NopFactory) Create(context.Context) (*Handle, error) {
	return NewHandle(uuid.NewString(), context.Background(), func() {}), nil
}
