package scraper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// fakeProcessor marks every claimed task completed and records the batch.
type fakeProcessor struct {
	store   scraper.TaskStore
	mu      sync.Mutex
	batches [][]scraper.ScrapingTask
	block   chan struct{}
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, tasks []scraper.ScrapingTask) scraper.BatchResult {
	p.mu.Lock()
	p.batches = append(p.batches, tasks)
	p.mu.Unlock()
	if p.block != nil {
		<-p.block
	}
	var result scraper.BatchResult
	for _, task := range tasks {
		claimed, err := p.store.MarkProcessing(ctx, task.ID)
		if err != nil || !claimed {
			continue
		}
		if err := p.store.MarkCompleted(ctx, task.ID); err != nil {
			continue
		}
		result.Processed++
		result.Succeeded++
	}
	return result
}

type fakePoolController struct {
	mu        sync.Mutex
	shutdowns int
}

func (p *fakePoolController) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
}

func newManager(t *testing.T) (*scraper.Manager, *memory.TaskStore, *fakePoolController) {
	t.Helper()
	store := memory.NewTaskStore(realClock{})
	pc := &fakePoolController{}
	m := scraper.NewManager(scraper.ManagerConfig{},
		store, &fakeProcessor{store: store}, pc, realClock{}, zap.NewNop())
	return m, store, pc
}

func TestEnqueueAssignsIDAndDefaults(t *testing.T) {
	t.Parallel()

	m, store, _ := newManager(t)
	ctx := context.Background()

	task, err := m.Enqueue(ctx, scraper.EnqueueRequest{
		URL:            "https://noma.example.com/menu",
		RestaurantName: "Noma",
		TaskType:       "comprehensive",
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, scraper.TaskStatusPending, task.Status)
	require.Equal(t, 1, task.Priority)
	require.Equal(t, 3, task.MaxRetries)
	require.False(t, task.CreatedAt.IsZero())

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
		URL: "https://ok.example.com", TaskType: "video",
	})
	require.ErrorIs(t, err, scraper.ErrUnknownTaskType)

	_, err = m.Enqueue(ctx, scraper.EnqueueRequest{
		URL: "not a url", TaskType: "text",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid task url")
}

func TestProcessBacklogDrains(t *testing.T) {
	t.Parallel()

	m, store, _ := newManager(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
			URL:            "https://" + name + ".example.com",
			RestaurantName: name,
			TaskType:       "text",
		})
		require.NoError(t, err)
	}

	result, err := m.ProcessBacklog(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, scraper.BatchResult{Processed: 3, Succeeded: 3}, result)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Completed)
	require.Zero(t, stats.Pending)

	result, err = m.ProcessBacklog(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, scraper.BatchResult{}, result, "empty backlog is a no-op")
}

func TestProcessBacklogHonorsLimit(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(realClock{})
	proc := &fakeProcessor{store: store}
	m := scraper.NewManager(scraper.ManagerConfig{}, store, proc, &fakePoolController{}, realClock{}, zap.NewNop())
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
			URL: "https://" + name + ".example.com", TaskType: "text",
		})
		require.NoError(t, err)
	}

	result, err := m.ProcessBacklog(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Len(t, proc.batches, 1)
	require.Len(t, proc.batches[0], 2)
}

func TestShutdownRejectsNewWorkAndStopsPool(t *testing.T) {
	t.Parallel()

	m, _, pc := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx), "shutdown is idempotent")
	require.Equal(t, 1, pc.shutdowns)

	_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
		URL: "https://late.example.com", TaskType: "text",
	})
	require.ErrorIs(t, err, scraper.ErrShutdown)

	_, err = m.ProcessBacklog(ctx, 0)
	require.ErrorIs(t, err, scraper.ErrShutdown)
}

func TestShutdownWaitsForInflightBatch(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(realClock{})
	proc := &fakeProcessor{store: store, block: make(chan struct{})}
	pc := &fakePoolController{}
	m := scraper.NewManager(scraper.ManagerConfig{}, store, proc, pc, realClock{}, zap.NewNop())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
		URL: "https://slow.example.com", TaskType: "text",
	})
	require.NoError(t, err)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = m.ProcessBacklog(ctx, 0)
	}()
	<-started
	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.batches) == 1
	}, time.Second, 5*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.Shutdown(ctx) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a batch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(proc.block)
	require.NoError(t, <-shutdownDone)
	require.Equal(t, 1, pc.shutdowns)
}

func TestShutdownGraceExpires(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(realClock{})
	proc := &fakeProcessor{store: store, block: make(chan struct{})}
	pc := &fakePoolController{}
	m := scraper.NewManager(scraper.ManagerConfig{}, store, proc, pc, realClock{}, zap.NewNop())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, scraper.EnqueueRequest{
		URL: "https://stuck.example.com", TaskType: "text",
	})
	require.NoError(t, err)

	go func() { _, _ = m.ProcessBacklog(ctx, 0) }()
	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.batches) == 1
	}, time.Second, 5*time.Millisecond)

	graceCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = m.Shutdown(graceCtx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "shutdown grace expired")
	require.Equal(t, 1, pc.shutdowns, "pool is torn down even when grace expires")

	close(proc.block)
}
