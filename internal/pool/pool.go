// Package pool manages a bounded set of browser-automation handles.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

// Handle wraps one live browser instance. The pool tracks ownership; the
// handle itself only exposes identity and the browser context.
type Handle struct {
	id        string
	browser   context.Context
	closeFn   func()
	closeOnce sync.Once
	overflow  bool
}

// NewHandle builds a Handle around a browser context and its teardown func.
func NewHandle(id string, browser context.Context, closeFn func()) *Handle {
	return &Handle{
		id:      id,
		browser: browser,
		closeFn: closeFn,
	}
}

// ID identifies the handle for logging.
func (h *Handle) ID() string {
	return h.id
}

// Browser returns the browser context automation runs against.
func (h *Handle) Browser() context.Context {
	return h.browser
}

// Overflow reports whether the handle was created beyond pool capacity.
func (h *Handle) Overflow() bool {
	return h.overflow
}

// destroy tears the browser down. Safe to call more than once: shutdown and
// a late release may both reach the same handle.
func (h *Handle) destroy() {
	h.closeOnce.Do(func() {
		if h.closeFn != nil {
			h.closeFn()
		}
	})
}

// Factory creates browser handles. Creation spawns a browser process and is
// the most expensive operation in the engine.
type Factory interface {
	Create(ctx context.Context) (*Handle, error)
}

// Config sizes the pool.
type Config struct {
	// MaxInstances bounds the number of pooled handles.
	MaxInstances int
	// AcquireTimeout bounds how long Acquire waits for an idle handle
	// before creating an overflow handle.
	AcquireTimeout time.Duration
}

// Pool hands out at most MaxInstances concurrently-pooled handles. Overflow
// handles created under pressure are not counted against capacity and are
// destroyed on release whenever the idle set is full, so the pool corrects
// itself back toward MaxInstances over time.
type Pool struct {
	factory Factory
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	idle   chan *Handle
	active map[*Handle]struct{}
	closed bool
	done   chan struct{}
}

// New eagerly creates MaxInstances handles. Any creation failure aborts
// startup: a pool that cannot spawn browsers must fail loudly, not degrade.
func New(ctx context.Context, factory Factory, cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxInstances <= 0 {
		return nil, fmt.Errorf("pool max instances must be > 0, got %d", cfg.MaxInstances)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	p := &Pool{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		idle:    make(chan *Handle, cfg.MaxInstances),
		active:  make(map[*Handle]struct{}),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.MaxInstances; i++ {
		h, err := factory.Create(ctx)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("warm up pool handle %d/%d: %w", i+1, cfg.MaxInstances, err)
		}
		p.idle <- h
	}
	scraper.PoolIdle.Set(float64(cfg.MaxInstances))
	logger.Info("resource pool ready", zap.Int("max_instances", cfg.MaxInstances))
	return p, nil
}

// Acquire blocks for an idle handle up to timeout (the configured default
// when timeout <= 0). On timeout it creates a transient overflow handle so
// the caller still gets a usable handle; only a creation failure surfaces as
// an error. After Shutdown it fails with ErrPoolClosed.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	if p.isClosed() {
		return nil, scraper.ErrPoolClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-p.idle:
		p.checkOut(h)
		return h, nil
	case <-p.done:
		return nil, scraper.ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire handle: %w", ctx.Err())
	case <-timer.C:
	}

	p.logger.Warn("no idle handle within timeout, creating overflow handle",
		zap.Duration("timeout", timeout))
	h, err := p.factory.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create overflow handle: %w", err)
	}
	h.overflow = true
	scraper.OverflowHandles.Inc()
	p.checkOut(h)
	return h, nil
}

// Release returns the handle to the idle set when there is room, otherwise
// destroys it. This is the mechanism that keeps handle count bounded despite
// overflow creation.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, h)
	scraper.PoolActive.Set(float64(len(p.active)))

	if p.closed {
		h.destroy()
		return
	}
	select {
	case p.idle <- h:
		scraper.PoolIdle.Set(float64(len(p.idle)))
	default:
		h.destroy()
	}
}

// Shutdown destroys every idle and active handle. Idempotent; later Acquire
// calls fail with ErrPoolClosed. Active handles are torn down even while a
// worker still holds them, matching explicit-teardown semantics.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.done)

	for {
		select {
		case h := <-p.idle:
			h.destroy()
			continue
		default:
		}
		break
	}
	for h := range p.active {
		h.destroy()
		delete(p.active, h)
	}
	scraper.PoolIdle.Set(0)
	scraper.PoolActive.Set(0)
	p.logger.Info("resource pool shut down")
}

// ActiveCount reports the number of checked-out handles, overflow included.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// IdleCount reports the number of parked handles.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) checkOut(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[h] = struct{}{}
	scraper.PoolActive.Set(float64(len(p.active)))
	scraper.PoolIdle.Set(float64(len(p.idle)))
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
