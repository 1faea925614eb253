// Package health runs periodic daemon health checks: the execution store,
// the ingest queue, the registered providers and the output directory.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/tutuflow/internal/logging"
)

// DefaultInterval is the time between check rounds.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a checker running checks every interval
// (DefaultInterval when zero).
func NewChecker(interval time.Duration, checks ...Check) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{interval: interval, checks: checks}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check and records the results.
func (c *Checker) RunOnce(ctx context.Context) {
	log := logging.New("health")
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
			Healthy:   true,
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			log.Warn("check failed", "check", check.Name, "error", err)
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					log.Warn("recovery failed", "check", check.Name, "error", rerr)
				}
			}
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass. Before the first round it is
// vacuously true.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// StoreCheck pings the execution store.
func StoreCheck(db interface{ Ping() error }) Check {
	return Check{
		Name:    "store",
		CheckFn: func(context.Context) error { return db.Ping() },
	}
}

// QueueCheck fails once the ingest queue stops accepting payloads.
func QueueCheck(q interface{ Closed() bool }) Check {
	return Check{
		Name: "ingest_queue",
		CheckFn: func(context.Context) error {
			if q.Closed() {
				return errors.New("ingest queue is closed")
			}
			return nil
		},
	}
}

// ProvidersCheck fails when no generation provider is registered.
func ProvidersCheck(reg interface{ Providers() []string }) Check {
	return Check{
		Name: "providers",
		CheckFn: func(context.Context) error {
			if len(reg.Providers()) == 0 {
				return errors.New("no generation provider registered")
			}
			return nil
		},
	}
}

// DirCheck verifies dir is a directory. Recovery recreates it when missing.
func DirCheck(name, dir string) Check {
	return Check{
		Name:    name,
		CheckFn: func(context.Context) error { return checkDir(dir) },
		RecoverFn: func(context.Context) error {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return os.MkdirAll(dir, 0700)
			}
			return nil
		},
	}
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
