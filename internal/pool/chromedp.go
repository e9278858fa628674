package pool

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChromeConfig controls the shared Chrome exec allocator.
type ChromeConfig struct {
	UserAgent string
	// ExecPath points at a specific chromium binary, empty for PATH lookup.
	ExecPath string
}

// ChromeFactory creates handles backed by headless Chrome. One exec
// allocator is shared by every handle; each handle owns its own browser
// context so a wedged page cannot poison its siblings.
type ChromeFactory struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromeFactory builds the shared allocator. Browsers are spawned lazily
// per handle in Create.
func NewChromeFactory(cfg ChromeConfig, logger *zap.Logger) *ChromeFactory {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeFactory{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Create spawns one browser and warms it up so acquire-time failures surface
// here instead of mid-task.
func (f *ChromeFactory) Create(_ context.Context) (*Handle, error) {
	browserCtx, browserCancel := chromedp.NewContext(f.allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		return nil, fmt.Errorf("chrome warmup: %w", err)
	}
	id := uuid.NewString()
	f.logger.Debug("created browser handle", zap.String("handle_id", id))
	return NewHandle(id, browserCtx, browserCancel), nil
}

// Close tears down the shared allocator after the pool has shut down.
func (f *ChromeFactory) Close() {
	f.allocCancel()
}
