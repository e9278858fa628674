// Package dispatch runs the backlog: it claims tasks, routes them through
// the compliance gate and the browser pool, and records every outcome in the
// task store.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/compliance"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/pool"
	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

// Config tunes the dispatcher.
type Config struct {
	// MaxWorkers bounds how many tasks run concurrently in one batch.
	MaxWorkers int
	// TaskTimeout is the outer per-task budget covering throttle wait,
	// handle acquisition, and the scrape itself.
	TaskTimeout time.Duration
	// AcquireTimeout is forwarded to the pool per acquisition.
	AcquireTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
}

// gate is the compliance surface the dispatcher needs.
type gate interface {
	CheckAllowed(ctx context.Context, rawURL string) bool
	Throttle(ctx context.Context, domain string) error
	RecordOutcome(domain string, success bool)
}

// handlePool is the resource-pool surface the dispatcher needs.
type handlePool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Handle, error)
	Release(h *pool.Handle)
}

// Dispatcher fans a batch of claimed tasks across a bounded worker set. It
// holds no task state of its own; the store is the single source of truth.
type Dispatcher struct {
	cfg      Config
	store    scraper.TaskStore
	gate     gate
	pool     handlePool
	registry scraper.Registry
	logger   *zap.Logger
}

// New builds a Dispatcher.
func New(cfg Config, store scraper.TaskStore, g gate, p handlePool, registry scraper.Registry, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		gate:     g,
		pool:     p,
		registry: registry,
		logger:   logger,
	}
}

// ProcessBatch runs every task in the slice, at most MaxWorkers at a time,
// and blocks until all of them reach an outcome. Tasks another worker already
// claimed are skipped silently and not counted.
func (d *Dispatcher) ProcessBatch(ctx context.Context, tasks []scraper.ScrapingTask) scraper.BatchResult {
	var (
		mu     sync.Mutex
		result scraper.BatchResult
		wg     sync.WaitGroup
		sem    = make(chan struct{}, d.cfg.MaxWorkers)
	)

	for i, task := range tasks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			d.logger.Warn("batch canceled before all tasks started",
				zap.Int("remaining", len(tasks)-i))
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			return result
		}

		wg.Add(1)
		go func(task scraper.ScrapingTask) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.processOne(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSkipped:
			case outcomeSucceeded:
				result.Processed++
				result.Succeeded++
			default:
				result.Processed++
				result.Failed++
			}
		}(task)
	}

	wg.Wait()
	return result
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
)

// processOne takes a single task from claim to terminal outcome. Every exit
// path records the result in the store; a crashing routine is contained here
// and costs the task one retry, never the process.
func (d *Dispatcher) processOne(ctx context.Context, task scraper.ScrapingTask) outcome {
	claimed, err := d.store.MarkProcessing(ctx, task.ID)
	if err != nil {
		d.logger.Error("claim failed", zap.String("task_id", task.ID), zap.Error(err))
		return outcomeSkipped
	}
	if !claimed {
		d.logger.Debug("task already claimed elsewhere", zap.String("task_id", task.ID))
		return outcomeSkipped
	}

	log := d.logger.With(
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.String("restaurant", task.RestaurantName),
		zap.String("url", task.URL),
	)

	routine, ok := d.registry[task.Type]
	if !ok {
		return d.failPermanent(ctx, task, log, "fatal",
			fmt.Sprintf("%v: %q", scraper.ErrUnknownTaskType, task.Type))
	}

	domain, err := compliance.Domain(task.URL)
	if err != nil {
		return d.failPermanent(ctx, task, log, "fatal", err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	if !d.gate.CheckAllowed(runCtx, task.URL) {
		scraper.EthicalViolations.Inc()
		return d.failPermanent(ctx, task, log, "ethical_violation", scraper.ErrRobotsDisallowed.Error())
	}

	if err := d.gate.Throttle(runCtx, domain); err != nil {
		return d.failRetryable(ctx, task, domain, log, err)
	}

	handle, err := d.pool.Acquire(runCtx, d.cfg.AcquireTimeout)
	if err != nil {
		// A pool problem says nothing about the domain, so the failure
		// counter stays untouched.
		scraper.TasksProcessed.WithLabelValues(string(task.Type), "error").Inc()
		log.Warn("no browser handle available", zap.Error(err))
		d.markFailed(ctx, task.ID, log, fmt.Sprintf("acquire browser handle: %v", err))
		return outcomeFailed
	}

	res, err := d.runRoutine(runCtx, routine, task, handle, log)
	if err != nil {
		if scraper.IsFatal(err) {
			return d.failPermanent(ctx, task, log, "fatal", err.Error())
		}
		return d.failRetryable(ctx, task, domain, log, err)
	}

	d.gate.RecordOutcome(domain, true)
	scraper.TasksProcessed.WithLabelValues(string(task.Type), "success").Inc()
	if err := d.store.MarkCompleted(detach(ctx), task.ID); err != nil {
		log.Error("mark completed failed", zap.Error(err))
	}
	log.Info("task completed",
		zap.Duration("duration", res.Duration),
		zap.Int("images", len(res.ImageURLs)),
		zap.Int("content_bytes", len(res.Content)))
	return outcomeSucceeded
}

// runRoutine executes the scrape on its own goroutine so the dispatcher can
// enforce the outer budget. On timeout the routine is abandoned: the handle
// stays with the runner goroutine, which releases it whenever the routine
// finally returns, and the loss is logged loudly in the meantime.
func (d *Dispatcher) runRoutine(ctx context.Context, routine scraper.Routine, task scraper.ScrapingTask, handle *pool.Handle, log *zap.Logger) (scraper.ScrapeResult, error) {
	type routineResult struct {
		res scraper.ScrapeResult
		err error
	}
	resCh := make(chan routineResult, 1)

	go func() {
		defer d.pool.Release(handle)
		defer func() {
			if r := recover(); r != nil {
				log.Error("scrape routine panicked",
					zap.String("handle_id", handle.ID()),
					zap.Any("panic", r))
				resCh <- routineResult{err: fmt.Errorf("scrape routine panicked: %v", r)}
			}
		}()
		res, err := routine.Scrape(ctx, task, handle)
		resCh <- routineResult{res: res, err: err}
	}()

	select {
	case out := <-resCh:
		return out.res, out.err
	case <-ctx.Done():
		log.Error("task budget exhausted, abandoning browser handle",
			zap.String("handle_id", handle.ID()),
			zap.Duration("budget", d.cfg.TaskTimeout))
		return scraper.ScrapeResult{}, fmt.Errorf("task budget exhausted: %w", ctx.Err())
	}
}

func (d *Dispatcher) failPermanent(ctx context.Context, task scraper.ScrapingTask, log *zap.Logger, label, reason string) outcome {
	scraper.TasksProcessed.WithLabelValues(string(task.Type), label).Inc()
	log.Warn("task failed permanently", zap.String("reason", reason))
	if err := d.store.MarkFailedPermanent(detach(ctx), task.ID, reason); err != nil {
		log.Error("mark failed permanent errored", zap.Error(err))
	}
	return outcomeFailed
}

func (d *Dispatcher) failRetryable(ctx context.Context, task scraper.ScrapingTask, domain string, log *zap.Logger, cause error) outcome {
	d.gate.RecordOutcome(domain, false)
	scraper.TasksProcessed.WithLabelValues(string(task.Type), "error").Inc()
	log.Warn("task attempt failed",
		zap.Int("retry_count", task.RetryCount),
		zap.Int("max_retries", task.MaxRetries),
		zap.Error(cause))
	d.markFailed(ctx, task.ID, log, cause.Error())
	return outcomeFailed
}

func (d *Dispatcher) markFailed(ctx context.Context, id string, log *zap.Logger, msg string) {
	if err := d.store.MarkFailed(detach(ctx), id, msg); err != nil {
		log.Error("mark failed errored", zap.Error(err))
	}
}

// detach keeps store writes alive past batch cancellation so a timed-out or
// canceled task still lands in a consistent state.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
