package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newStore() *TaskStore {
	return NewTaskStore(&fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func pendingTask(id string, priority int, createdAt time.Time) scraper.ScrapingTask {
	return scraper.ScrapingTask{
		ID:             id,
		URL:            "https://example.com/" + id,
		RestaurantName: "Chez " + id,
		Type:           scraper.TaskTypeText,
		Priority:       priority,
		MaxRetries:     3,
		Status:         scraper.TaskStatusPending,
		CreatedAt:      createdAt,
	}
}

// TestMarkProcessingExclusive is the exclusivity property: of many concurrent
// claims on one task, exactly one wins.
func TestMarkProcessingExclusive(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pendingTask("contested", 1, time.Now())))

	const callers = 50
	var (
		wg   sync.WaitGroup
		wins sync.Map
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.MarkProcessing(ctx, "contested")
			require.NoError(t, err)
			if ok {
				wins.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 1, count)
}

// TestLoadPendingOrdering verifies priority-desc then age-asc selection.
func TestLoadPendingOrdering(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, pendingTask("old-low", 1, base)))
	require.NoError(t, store.Save(ctx, pendingTask("new-high", 5, base.Add(2*time.Hour))))
	require.NoError(t, store.Save(ctx, pendingTask("old-high", 5, base.Add(time.Hour))))

	tasks, err := store.LoadPending(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	require.Equal(t, []string{"old-high", "new-high", "old-low"}, ids)

	tasks, err = store.LoadPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

// TestRetryBound exercises the retry budget: once RetryCount reaches
// MaxRetries the task is failed and never returned by LoadPending again.
func TestRetryBound(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()
	task := pendingTask("flaky", 1, time.Now())
	task.MaxRetries = 2
	require.NoError(t, store.Save(ctx, task))

	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := store.MarkProcessing(ctx, "flaky")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.MarkFailed(ctx, "flaky", fmt.Sprintf("attempt %d broke", attempt)))
	}

	got, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskStatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Len(t, got.ErrorMessages, 2)
	require.Contains(t, got.ErrorMessages[0], "attempt 1 broke")

	tasks, err := store.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

// TestMarkFailedRequeues confirms a task with budget left goes back to
// pending and stays eligible.
func TestMarkFailedRequeues(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pendingTask("retryable", 1, time.Now())))

	ok, err := store.MarkProcessing(ctx, "retryable")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkFailed(ctx, "retryable", "timeout"))

	got, err := store.Get(ctx, "retryable")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastAttemptAt)

	tasks, err := store.LoadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

// TestMarkFailedPermanent fails terminally without consuming retry budget.
func TestMarkFailedPermanent(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pendingTask("forbidden", 1, time.Now())))

	ok, err := store.MarkProcessing(ctx, "forbidden")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkFailedPermanent(ctx, "forbidden", "disallowed by robots.txt"))

	got, err := store.Get(ctx, "forbidden")
	require.NoError(t, err)
	require.Equal(t, scraper.TaskStatusFailed, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Contains(t, got.ErrorMessages[0], "disallowed by robots.txt")
}

// TestStats aggregates counts by status plus the retries-pending figure.
func TestStats(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pendingTask("p1", 1, time.Now())))
	require.NoError(t, store.Save(ctx, pendingTask("p2", 1, time.Now())))
	require.NoError(t, store.Save(ctx, pendingTask("c1", 1, time.Now())))
	require.NoError(t, store.Save(ctx, pendingTask("f1", 1, time.Now())))

	ok, err := store.MarkProcessing(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkCompleted(ctx, "c1"))
	require.NoError(t, store.MarkFailedPermanent(ctx, "f1", "blocked"))

	ok, err = store.MarkProcessing(ctx, "p2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkFailed(ctx, "p2", "flaky network"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, scraper.Stats{
		Pending:        2,
		Completed:      1,
		Failed:         1,
		RetriesPending: 1,
	}, stats)
}

// TestSaveRequiresID rejects anonymous tasks.
func TestSaveRequiresID(t *testing.T) {
	t.Parallel()

	store := newStore()
	err := store.Save(context.Background(), scraper.ScrapingTask{})
	require.Error(t, err)
}
