// Package health classifies a service's condition from observable
// signals the rest of the fabric already tracks — inbox queue depth
// and recorded error count — rather than from mocked resource
// metrics.
//
// Grounded on original_source/crates/core/src/health.rs, whose
// HealthChecker/HealthReport/HealthMetrics shape and thresholds
// (error_count > 10 -> Unhealthy, queue_length > 100 -> Degraded) this
// package reproduces; its memory_usage_mb/cpu_usage_percent fields are
// dropped rather than carried over as permanent mocks, since nothing
// in this process samples real OS resource usage per service.
package health

import (
	"sync"
	"time"

	"aimanager/internal/messages"
)

const (
	defaultMaxErrorCount       = 10
	defaultMaxQueueLength      = 100
	defaultDegradedAfterMisses = 3
)

type record struct {
	startTime         time.Time
	errorCount        int
	consecutiveMisses int
}

// Checker tracks per-service error counts and probe-miss streaks and
// turns them, together with a live queue depth reading, into a
// ServiceHealth classification.
type Checker struct {
	mu     sync.Mutex
	states map[messages.ServiceID]*record

	maxErrorCount       int
	maxQueueLength      int
	degradedAfterMisses int
}

// NewChecker creates a Checker using the original source's thresholds.
func NewChecker() *Checker {
	return &Checker{
		states:              make(map[messages.ServiceID]*record),
		maxErrorCount:       defaultMaxErrorCount,
		maxQueueLength:      defaultMaxQueueLength,
		degradedAfterMisses: defaultDegradedAfterMisses,
	}
}

func (c *Checker) stateFor(id messages.ServiceID) *record {
	st, ok := c.states[id]
	if !ok {
		st = &record{startTime: time.Now().UTC()}
		c.states[id] = st
	}
	return st
}

// RecordError increments id's error count, as observed by the
// supervisor when a service's task exits abnormally.
func (c *Checker) RecordError(id messages.ServiceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFor(id).errorCount++
}

// RecordProbeSuccess resets id's consecutive-miss streak.
func (c *Checker) RecordProbeSuccess(id messages.ServiceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFor(id).consecutiveMisses = 0
}

// RecordProbeMiss extends id's consecutive-miss streak, e.g. when a
// ServiceHealthCheck could not be delivered.
func (c *Checker) RecordProbeMiss(id messages.ServiceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFor(id).consecutiveMisses++
}

// Classify derives id's current ServiceHealth from its recorded error
// count, its consecutive-miss streak, and the caller-supplied live
// queue depth (read from the bus at call time).
func (c *Checker) Classify(id messages.ServiceID, queueDepth int) messages.ServiceHealth {
	c.mu.Lock()
	st := c.stateFor(id)
	errorCount := st.errorCount
	misses := st.consecutiveMisses
	c.mu.Unlock()

	if errorCount > c.maxErrorCount {
		return messages.ServiceHealth{Status: messages.HealthUnhealthy, Reason: "error count exceeds threshold"}
	}
	if queueDepth > c.maxQueueLength {
		return messages.ServiceHealth{Status: messages.HealthDegraded, Reason: "inbox queue depth exceeds threshold"}
	}
	if misses >= c.degradedAfterMisses {
		return messages.ServiceHealth{Status: messages.HealthDegraded, Reason: "missed consecutive health probes"}
	}
	return messages.Healthy()
}

// Uptime reports how long id has been tracked by this Checker.
func (c *Checker) Uptime(id messages.ServiceID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return 0
	}
	return time.Since(st.startTime)
}

// Forget drops id's tracked state, used when a service is permanently
// stopped so a later reuse of the same ID starts clean.
func (c *Checker) Forget(id messages.ServiceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
}
