// Package health aggregates named liveness checks into a health report.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	CheckPass = "pass"
	CheckFail = "fail"
)

// CheckFunc reports whether a dependency is healthy. A returned error fails
// the check with the error text as its message.
type CheckFunc func(ctx context.Context) (bool, error)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the body served on /health.
type Report struct {
	Status    string                 `json:"status"`
	Uptime    int64                  `json:"uptime"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Readiness is the body served on /ready.
type Readiness struct {
	Ready bool `json:"ready"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker holds registered checks. Construct one per server.
type Checker struct {
	version string
	clock   clock.Clock
	started time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker returns a checker whose uptime starts now. A nil clock uses
// the wall clock.
func NewChecker(version string, clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{version: version, clock: clk, started: clk.Now()}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].fn = fn
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Health runs every check in registration order. With no checks the report
// is healthy.
func (c *Checker) Health(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	report := Report{
		Status:  StatusHealthy,
		Version: c.version,
		Checks:  make(map[string]CheckResult, len(checks)),
	}
	for _, nc := range checks {
		res := run(ctx, nc.fn)
		if res.Status != CheckPass {
			report.Status = StatusUnhealthy
		}
		report.Checks[nc.name] = res
	}

	now := c.clock.Now()
	report.Uptime = now.Sub(c.started).Milliseconds()
	report.Timestamp = now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return report
}

// Readiness is ready exactly when Health is healthy.
func (c *Checker) Readiness(ctx context.Context) Readiness {
	return Readiness{Ready: c.Health(ctx).Status == StatusHealthy}
}

func run(ctx context.Context, fn CheckFunc) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			res = CheckResult{Status: CheckFail, Message: panicMessage(r)}
		}
	}()

	ok, err := fn(ctx)
	switch {
	case err != nil:
		return CheckResult{Status: CheckFail, Message: err.Error()}
	case !ok:
		return CheckResult{Status: CheckFail, Message: "Check failed"}
	default:
		return CheckResult{Status: CheckPass}
	}
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
