// Package health aggregates per-component health checks into the report
// served on GET /health. Checks run in parallel and the report is cached
// briefly so the endpoint cannot hammer components.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
	Counters  map[string]int64 `json:"counters,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// CounterFunc supplies a live counter for the report (devices known,
// commands in flight, history queue depth).
type CounterFunc func() int64

// Checker performs health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	counters map[string]CounterFunc
	cache    *Report
	ttl      time.Duration
	started  time.Time
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks:   make(map[string]CheckFunc),
		counters: make(map[string]CounterFunc),
		ttl:      5 * time.Second,
		started:  clock.Now(),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RegisterCounter adds a live counter to the report.
func (c *Checker) RegisterCounter(name string, fn CounterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = fn
}

// StaticCheck builds a CheckFunc reporting a fixed status, useful for
// components that track their own state.
func StaticCheck(get func() (Status, string)) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		status, msg := get()
		return Check{
			Status:      status,
			Message:     msg,
			LastChecked: start,
			Duration:    clock.Since(start),
		}
	}
}

// Check runs all health checks and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	counterFuncs := make(map[string]CounterFunc, len(c.counters))
	for name, fn := range c.counters {
		counterFuncs[name] = fn
	}
	started := c.started
	c.mu.RUnlock()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checkFuncs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			check := fn(ctx)
			check.Name = name

			mu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
			} else if check.Status == StatusDegraded && overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	counters := make(map[string]int64, len(counterFuncs))
	for name, fn := range counterFuncs {
		counters[name] = fn()
	}

	report := Report{
		Status:    overallStatus,
		Uptime:    clock.Since(started).Round(time.Second).String(),
		Checks:    checks,
		Counters:  counters,
		Timestamp: clock.Now(),
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()

	return report
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}
