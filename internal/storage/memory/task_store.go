// Package memory provides an in-memory TaskStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

// TaskStore keeps the backlog in process memory. It honors the same
// atomicity contract as the durable implementations: MarkProcessing is a
// compare-and-swap on the pending status.
type TaskStore struct {
	clock scraper.Clock

	mu    sync.RWMutex
	tasks map[string]scraper.ScrapingTask
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(clock scraper.Clock) *TaskStore {
	return &TaskStore{
		clock: clock,
		tasks: make(map[string]scraper.ScrapingTask),
	}
}

// Save inserts or replaces a task by ID.
func (s *TaskStore) Save(_ context.Context, task scraper.ScrapingTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// LoadPending returns eligible tasks ordered by priority desc, age asc.
func (s *TaskStore) LoadPending(_ context.Context, limit int) ([]scraper.ScrapingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eligible := make([]scraper.ScrapingTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Status == scraper.TaskStatusPending && task.RetryCount < task.MaxRetries {
			eligible = append(eligible, task)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// MarkProcessing claims a pending task. Exactly one of any number of
// concurrent callers for the same id wins.
func (s *TaskStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s not found", id)
	}
	if task.Status != scraper.TaskStatusPending {
		return false, nil
	}
	now := s.clock.Now()
	task.Status = scraper.TaskStatusProcessing
	task.LastAttemptAt = &now
	s.tasks[id] = task
	return true, nil
}

// MarkCompleted transitions the task to its terminal completed state.
func (s *TaskStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	now := s.clock.Now()
	task.Status = scraper.TaskStatusCompleted
	task.CompletedAt = &now
	s.tasks[id] = task
	return nil
}

// MarkFailed appends the error, consumes one retry, and either re-queues the
// task or fails it terminally once the budget is spent.
func (s *TaskStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	now := s.clock.Now()
	task.RetryCount++
	task.ErrorMessages = append(task.ErrorMessages,
		fmt.Sprintf("%s: %s", now.Format(time.RFC3339), errMsg))
	task.LastAttemptAt = &now
	if task.RetryCount >= task.MaxRetries {
		task.Status = scraper.TaskStatusFailed
	} else {
		task.Status = scraper.TaskStatusPending
	}
	s.tasks[id] = task
	return nil
}

// MarkFailedPermanent fails the task terminally without touching the retry
// budget, e.g. when robots.txt forbids the target.
func (s *TaskStore) MarkFailedPermanent(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	now := s.clock.Now()
	task.Status = scraper.TaskStatusFailed
	task.ErrorMessages = append(task.ErrorMessages,
		fmt.Sprintf("%s: %s", now.Format(time.RFC3339), reason))
	task.LastAttemptAt = &now
	s.tasks[id] = task
	return nil
}

// Stats counts tasks by status.
func (s *TaskStore) Stats(_ context.Context) (scraper.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats scraper.Stats
	for _, task := range s.tasks {
		switch task.Status {
		case scraper.TaskStatusPending:
			stats.Pending++
		case scraper.TaskStatusProcessing:
			stats.Processing++
		case scraper.TaskStatusCompleted:
			stats.Completed++
		case scraper.TaskStatusFailed:
			stats.Failed++
		}
		if task.RetryCount > 0 &&
			(task.Status == scraper.TaskStatusPending || task.Status == scraper.TaskStatusProcessing) {
			stats.RetriesPending++
		}
	}
	return stats, nil
}

// Get fetches a task by ID, for tests and the operational API.
func (s *TaskStore) Get(_ context.Context, id string) (scraper.ScrapingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return scraper.ScrapingTask{}, fmt.Errorf("task %s not found", id)
	}
	return task, nil
}
