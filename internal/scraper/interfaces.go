package scraper

import (
	"context"
	"time"
)

// TaskStore is the durable backlog consumed by the engine. Implementations
// must make MarkProcessing atomic: of any number of concurrent calls for the
// same id, exactly one returns true.
type TaskStore interface {
	// Save persists a task, inserting or replacing by ID.
	Save(ctx context.Context, task ScrapingTask) error
	// LoadPending returns up to limit eligible tasks: status pending and
	// RetryCount < MaxRetries, ordered by priority desc then CreatedAt asc.
	LoadPending(ctx context.Context, limit int) ([]ScrapingTask, error)
	// MarkProcessing claims a pending task. Returns false when another
	// worker already holds it; that is not an error for the loser.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// MarkCompleted transitions the task to its terminal completed state.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed appends the error, increments RetryCount, and moves the
	// task back to pending while budget remains, otherwise to failed.
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// MarkFailedPermanent fails the task terminally without consuming
	// retry budget, e.g. on a robots.txt violation.
	MarkFailedPermanent(ctx context.Context, id string, reason string) error
	// Stats returns task counts by status.
	Stats(ctx context.Context) (Stats, error)
}

// BrowserHandle is a checked-out browser-automation instance. Routines drive
// the browser through the handle's context and must not retain it past one
// task.
type BrowserHandle interface {
	// ID identifies the handle for logging.
	ID() string
	// Browser returns the live browser context to run automation against.
	Browser() context.Context
}

// Routine executes one task type against a browser handle. A nil error marks
// the attempt completed; an error wrapped with Fatal is terminal; any other
// error is retryable up to the task's budget.
type Routine interface {
	Scrape(ctx context.Context, task ScrapingTask, handle BrowserHandle) (ScrapeResult, error)
}

// RoutineFunc adapts a function to the Routine interface.
type RoutineFunc func(ctx context.Context, task ScrapingTask, handle BrowserHandle) (ScrapeResult, error)

// Scrape implements Routine.
func (f RoutineFunc) Scrape(ctx context.Context, task ScrapingTask, handle BrowserHandle) (ScrapeResult, error) {
	return f(ctx, task, handle)
}

// Registry maps task types to routines. It is assembled once at startup;
// adding a task type means registering a routine, not editing the dispatcher.
type Registry map[TaskType]Routine

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
