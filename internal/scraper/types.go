// Package scraper defines core types shared across the scraping engine.
package scraper

import (
	"fmt"
	"time"
)

// TaskType selects which scrape routine runs for a task.
type TaskType string

// Task types accepted by the engine.
const (
	TaskTypeText          TaskType = "text"
	TaskTypeImages        TaskType = "images"
	TaskTypeComprehensive TaskType = "comprehensive"
)

// ParseTaskType validates a raw task type string.
func ParseTaskType(raw string) (TaskType, error) {
	switch TaskType(raw) {
	case TaskTypeText, TaskTypeImages, TaskTypeComprehensive:
		return TaskType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, raw)
	}
}

// TaskStatus represents the lifecycle state of a scraping task.
type TaskStatus string

// Task status values persisted in the task store. Completed and failed are
// terminal; a failed task is never scheduled again.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ScrapingTask is the durable unit of work. The ID is stable across retries.
type ScrapingTask struct {
	ID             string      `json:"id"`
	URL            string      `json:"url"`
	RestaurantName string      `json:"restaurant_name"`
	Type           TaskType    `json:"task_type"`
	Priority       int         `json:"priority"`
	MaxRetries     int         `json:"max_retries"`
	RetryCount     int         `json:"retry_count"`
	Status         TaskStatus  `json:"status"`
	ErrorMessages  []string    `json:"error_messages,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAttemptAt  *time.Time  `json:"last_attempt_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// CanRetry reports whether the task still has retry budget.
func (t ScrapingTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries && t.Status != TaskStatusCompleted
}

// Terminal reports whether the task will never be scheduled again.
func (t ScrapingTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ScrapeResult is the opaque payload returned by a scrape routine.
type ScrapeResult struct {
	TaskID      string            `json:"task_id"`
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content,omitempty"`
	ImageURLs   []string          `json:"image_urls,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Duration    time.Duration     `json:"duration"`
	UsedBrowser bool              `json:"used_browser"`
}

// BatchResult aggregates one backlog pass.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats exposes task counts by status for operators.
type Stats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	RetriesPending int `json:"retries_pending"`
}
