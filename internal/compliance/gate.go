// Package compliance decides whether and when an outbound request may be
// sent: robots.txt per target host, plus adaptive per-domain spacing.
package compliance

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

// Config tunes the gate.
type Config struct {
	// UserAgent is matched against robots.txt groups and sent when
	// fetching the policy file.
	UserAgent string
	// MinDelay/MaxDelay bound the randomized spacing between requests to
	// one domain. The jitter prevents synchronized bursts when many tasks
	// target the same host.
	MinDelay time.Duration
	MaxDelay time.Duration
	// FailurePenaltyUnit scales the failure addend: the delay grows by
	// min(2*consecutiveFailures, 10) units. Defaults to one second.
	FailurePenaltyUnit time.Duration
	// GlobalRPS caps outbound requests across all domains; 0 disables it.
	GlobalRPS float64
	// RobotsTimeout bounds the robots.txt fetch.
	RobotsTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "restaurant-scraper/1.0"
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.FailurePenaltyUnit <= 0 {
		c.FailurePenaltyUnit = time.Second
	}
	if c.RobotsTimeout <= 0 {
		c.RobotsTimeout = 10 * time.Second
	}
}

// domainState is the per-host throttling memory. Created on first contact,
// never evicted for process lifetime; cardinality is bounded by the number
// of distinct restaurant domains in practice.
type domainState struct {
	mu                  sync.Mutex
	robots              *robotstxt.RobotsData
	robotsLoaded        bool
	nextAllowed         time.Time
	consecutiveFailures int
}

// Gate owns all robots and rate state explicitly; there are no package-level
// caches. Construct one at process start and inject it into the dispatcher.
type Gate struct {
	cfg    Config
	client *http.Client
	clock  scraper.Clock
	logger *zap.Logger
	global *rate.Limiter

	mu      sync.Mutex
	domains map[string]*domainState
}

// New builds a Gate.
func New(cfg Config, clock scraper.Clock, logger *zap.Logger) *Gate {
	cfg.applyDefaults()
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return &Gate{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RobotsTimeout},
		clock:   clock,
		logger:  logger,
		global:  global,
		domains: make(map[string]*domainState),
	}
}

// Domain extracts the lowercase hostname key used for throttling.
func Domain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}

// CheckAllowed reports whether robots.txt permits fetching rawURL. The
// policy file is fetched lazily and cached for the process lifetime. When it
// cannot be fetched at all the gate fails open: availability wins over
// strict compliance when the policy itself is unreachable.
func (g *Gate) CheckAllowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	st := g.domain(strings.ToLower(parsed.Hostname()))

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.robotsLoaded {
		data, err := g.fetchRobots(ctx, parsed)
		if err != nil {
			g.logger.Warn("robots.txt fetch failed, failing open",
				zap.String("host", parsed.Host), zap.Error(err))
			st.robots = nil
		} else {
			st.robots = data
		}
		st.robotsLoaded = true
	}
	if st.robots == nil {
		return true
	}
	group := st.robots.FindGroup(g.cfg.UserAgent)
	if group == nil {
		return true
	}
	return group.Test(requestPath(parsed))
}

// Throttle blocks until the caller may contact domain, then claims the slot.
// Waiters for one domain serialize; different domains proceed independently.
// The wait between consecutive claims is always at least
// uniform(MinDelay, MaxDelay) + min(2*consecutiveFailures, 10) penalty units.
func (g *Gate) Throttle(ctx context.Context, domain string) error {
	if g.global != nil {
		if err := g.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit: %w", err)
		}
	}

	st := g.domain(domain)

	// Reserve the next slot under the lock, then sleep outside it so a
	// finishing worker can still record its outcome for the same domain.
	st.mu.Lock()
	now := g.clock.Now()
	target := now
	if st.nextAllowed.After(now) {
		target = st.nextAllowed
	}
	st.nextAllowed = target.Add(g.requiredDelay(st.consecutiveFailures))
	st.mu.Unlock()

	wait := target.Sub(g.clock.Now())
	if wait <= 0 {
		return nil
	}
	scraper.ThrottleDelay.Observe(wait.Seconds())
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("throttle %s: %w", domain, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RecordOutcome feeds the failure-scaled backoff: any success resets the
// counter, any failure inflates the delay for every task on that domain.
func (g *Gate) RecordOutcome(domain string, success bool) {
	st := g.domain(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if success {
		st.consecutiveFailures = 0
		return
	}
	st.consecutiveFailures++
}

// ConsecutiveFailures exposes the failure counter for stats and tests.
func (g *Gate) ConsecutiveFailures(domain string) int {
	st := g.domain(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.consecutiveFailures
}

func (g *Gate) requiredDelay(failures int) time.Duration {
	jitter := g.cfg.MinDelay
	if span := g.cfg.MaxDelay - g.cfg.MinDelay; span > 0 {
		jitter += time.Duration(rand.Int63n(int64(span)))
	}
	penalty := 2 * failures
	if penalty > 10 {
		penalty = 10
	}
	return jitter + time.Duration(penalty)*g.cfg.FailurePenaltyUnit
}

func (g *Gate) domain(host string) *domainState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.domains[host]
	if !ok {
		st = &domainState{}
		g.domains[host] = st
	}
	return st
}

func (g *Gate) fetchRobots(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func requestPath(parsed *url.URL) string {
	p := parsed.Path
	if p == "" {
		p = "/"
	}
	if parsed.RawQuery != "" {
		p += "?" + parsed.RawQuery
	}
	return p
}
