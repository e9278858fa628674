package scraper

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchProcessor runs a slice of claimed-eligible tasks to their outcomes.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, tasks []ScrapingTask) BatchResult
}

// PoolController is the slice of the resource pool the manager owns during
// shutdown.
type PoolController interface {
	Shutdown()
}

// ManagerConfig tunes the engine facade.
type ManagerConfig struct {
	// BatchSize caps how many tasks one ProcessBacklog pass loads.
	BatchSize int
	// DefaultMaxRetries is applied to enqueued tasks that do not set one.
	DefaultMaxRetries int
	// DefaultPriority is applied to enqueued tasks that do not set one.
	DefaultPriority int
}

func (c *ManagerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 1
	}
}

// EnqueueRequest describes a task to add to the backlog.
type EnqueueRequest struct {
	URL            string `json:"url"`
	RestaurantName string `json:"restaurant_name"`
	TaskType       string `json:"task_type"`
	Priority       int    `json:"priority"`
	MaxRetries     int    `json:"max_retries"`
}

// Manager is the single entry point callers use: enqueue work, drain the
// backlog, read stats, shut down. It owns no scraping logic itself.
type Manager struct {
	cfg       ManagerConfig
	store     TaskStore
	processor BatchProcessor
	pool      PoolController
	clock     Clock
	logger    *zap.Logger

	mu           sync.Mutex
	shuttingDown bool
	inflight     sync.WaitGroup
}

// NewManager builds a Manager.
func NewManager(cfg ManagerConfig, store TaskStore, processor BatchProcessor, pool PoolController, clock Clock, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		store:     store,
		processor: processor,
		pool:      pool,
		clock:     clock,
		logger:    logger,
	}
}

// Enqueue validates the request and persists a new pending task. The task ID
// is generated here and stays stable across retries.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (ScrapingTask, error) {
	if err := m.guard(); err != nil {
		return ScrapingTask{}, err
	}

	taskType, err := ParseTaskType(req.TaskType)
	if err != nil {
		return ScrapingTask{}, err
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || parsed.Hostname() == "" {
		return ScrapingTask{}, fmt.Errorf("invalid task url %q", req.URL)
	}

	task := ScrapingTask{
		ID:             uuid.NewString(),
		URL:            req.URL,
		RestaurantName: req.RestaurantName,
		Type:           taskType,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		Status:         TaskStatusPending,
		CreatedAt:      m.clock.Now(),
	}
	if task.Priority <= 0 {
		task.Priority = m.cfg.DefaultPriority
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = m.cfg.DefaultMaxRetries
	}

	if err := m.store.Save(ctx, task); err != nil {
		return ScrapingTask{}, fmt.Errorf("enqueue task: %w", err)
	}
	m.logger.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.String("restaurant", task.RestaurantName),
		zap.Int("priority", task.Priority))
	return task, nil
}

// ProcessBacklog loads up to maxTasks eligible tasks (the configured batch
// size when maxTasks <= 0) and runs them to completion. It blocks until the
// batch finishes.
func (m *Manager) ProcessBacklog(ctx context.Context, maxTasks int) (BatchResult, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return BatchResult{}, ErrShutdown
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	if maxTasks <= 0 {
		maxTasks = m.cfg.BatchSize
	}
	tasks, err := m.store.LoadPending(ctx, maxTasks)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load backlog: %w", err)
	}
	if len(tasks) == 0 {
		return BatchResult{}, nil
	}

	m.logger.Info("processing backlog", zap.Int("tasks", len(tasks)))
	result := m.processor.ProcessBatch(ctx, tasks)
	m.logger.Info("backlog pass finished",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Stats reports task counts by status.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.store.Stats(ctx)
}

// Shutdown stops accepting work, waits for in-flight batches up to the
// context deadline, then tears the pool down. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace expired with batches in flight")
		err = fmt.Errorf("shutdown grace expired: %w", ctx.Err())
	}

	m.pool.Shutdown()
	m.logger.Info("scraper manager stopped")
	return err
}

func (m *Manager) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return ErrShutdown
	}
	return nil
}
