package oauth

import (
	"sync"
	"time"
)

// RefreshMetrics is a snapshot of refresh activity of a TokenManager.
type RefreshMetrics struct {
	Attempts      int64     `json:"attempts"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// refreshCounters tracks refresh metrics for one manager.
type refreshCounters struct {
	mu sync.Mutex
	m  RefreshMetrics
}

func (c *refreshCounters) attempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Attempts++
}

func (c *refreshCounters) success(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Successes++
	c.m.LastSuccessAt = at
}

func (c *refreshCounters) failure(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Failures++
	c.m.LastFailureAt = at
}

func (c *refreshCounters) snapshot() RefreshMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m
}
