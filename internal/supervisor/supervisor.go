// Package supervisor owns the lifecycle of every registered service:
// spawning, stopping, restarting under a backoff policy, and a
// periodic health-check probe loop.
//
// Grounded on original_source/crates/core/src/service_manager.rs for
// the state machine and backoff formula. That file's restart_service
// stops the task, sleeps the computed delay, and then only logs that
// it "would restart" — it never actually respawns. spec.md explicitly
// forbids reproducing that bug: RestartService here stores the
// original factory at StartService time and calls it again once the
// backoff elapses.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/health"
	"aimanager/internal/messages"
)

// Status is a service's lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusRestarting Status = "restarting"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

// ServiceFunc is a service's task body. It receives its consumer and
// producer handles from the bus registration and must return when ctx
// is cancelled. A non-nil return is treated as an abnormal exit.
type ServiceFunc func(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error

// RestartPolicy governs the exponential backoff applied between
// restart attempts. Defaults per spec.md §4.2.
type RestartPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultRestartPolicy matches the values main.rs applies over the
// library defaults in original_source/crates/core/src/main.rs.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          60 * time.Second,
	}
}

// computeDelay implements delay(n) = min(base * mult^n, max).
func (p RestartPolicy) computeDelay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= p.BackoffMultiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// DefaultHealthCheckInterval is HEALTH_CHECK_INTERVAL_SECONDS.
const DefaultHealthCheckInterval = 30 * time.Second

type serviceState struct {
	factory         ServiceFunc
	status          Status
	restartCount    int
	lastHealthCheck time.Time
	cancel          context.CancelFunc
	done            chan error
}

// StatusSnapshot is a read-only view of a service's current state.
type StatusSnapshot struct {
	ID              messages.ServiceID
	Status          Status
	RestartCount    int
	LastHealthCheck time.Time
	Health          messages.ServiceHealth
}

// Supervisor owns every running service task.
type Supervisor struct {
	bus     *bus.Bus
	policy  RestartPolicy
	log     *slog.Logger
	checker *health.Checker

	mu       sync.Mutex
	services map[messages.ServiceID]*serviceState

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New creates a Supervisor bound to bus b.
func New(b *bus.Bus, policy RestartPolicy, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		bus:      b,
		policy:   policy,
		log:      log,
		checker:  health.NewChecker(),
		services: make(map[messages.ServiceID]*serviceState),
	}
}

// StartService registers id with the bus, spawns factory as an
// independent task, and tracks its lifecycle. Status transitions
// Starting -> Running happen as soon as the task has its bus
// registration and has begun its receive loop — in this
// implementation that is the moment the goroutine is scheduled, since
// registration already completed synchronously before the goroutine
// starts.
func (s *Supervisor) StartService(id messages.ServiceID, factory ServiceFunc) error {
	s.mu.Lock()
	if st, exists := s.services[id]; exists && st.status != StatusStopped && st.status != StatusFailed {
		s.mu.Unlock()
		return messages.AlreadyRegistered(id)
	}
	s.mu.Unlock()

	return s.spawn(id, factory, 0)
}

// spawn performs the actual registration + goroutine launch shared by
// StartService and RestartService. restartCount seeds the tracked
// state (0 for a fresh start).
func (s *Supervisor) spawn(id messages.ServiceID, factory ServiceFunc, restartCount int) error {
	producer, consumer, err := s.bus.RegisterService(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	st := &serviceState{
		factory:         factory,
		status:          StatusStarting,
		restartCount:    restartCount,
		lastHealthCheck: time.Time{},
		cancel:          cancel,
		done:            done,
	}

	s.mu.Lock()
	s.services[id] = st
	s.mu.Unlock()

	go func() {
		err := factory(ctx, consumer, producer)
		done <- err
	}()

	s.mu.Lock()
	if cur, ok := s.services[id]; ok && cur.status == StatusStarting {
		cur.status = StatusRunning
	}
	s.mu.Unlock()

	go s.awaitExit(id, done)

	return nil
}

// awaitExit watches a task's completion and records its terminal
// status, unless the service is mid stop/restart (which already owns
// the transition).
func (s *Supervisor) awaitExit(id messages.ServiceID, done chan error) {
	err := <-done
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[id]
	if !ok {
		return
	}
	switch st.status {
	case StatusStopping, StatusRestarting:
		// The caller driving that transition owns the next status.
	default:
		if err != nil {
			st.status = StatusFailed
			s.checker.RecordError(id)
			s.log.Error("service exited with error", "service", id, "error", err)
		} else {
			st.status = StatusStopped
		}
	}
}

// StopService requests cooperative termination of id, waits for the
// task to exit (ignoring context-cancellation errors), and unregisters
// it from the bus.
func (s *Supervisor) StopService(id messages.ServiceID) error {
	s.mu.Lock()
	st, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return messages.ServiceUnavailable(string(id))
	}
	st.status = StatusStopping
	cancel := st.cancel
	done := st.done
	s.mu.Unlock()

	cancel()
	<-done // ignore the returned error: cancellation-induced exits are expected

	s.mu.Lock()
	st.status = StatusStopped
	s.mu.Unlock()

	s.bus.UnregisterService(id)
	return nil
}

// RestartService stops id, waits the computed backoff delay, and
// respawns it from the factory originally passed to StartService.
// Once restart_count reaches the policy's MaxAttempts the service is
// left Failed and is never respawned again, including by a later
// manual call to RestartService.
func (s *Supervisor) RestartService(id messages.ServiceID) error {
	s.mu.Lock()
	st, ok := s.services[id]
	if !ok {
		s.mu.Unlock()
		return messages.ServiceUnavailable(string(id))
	}
	if st.status == StatusFailed && st.restartCount >= s.policy.MaxAttempts {
		s.mu.Unlock()
		return messages.ServiceUnavailable(string(id))
	}
	st.status = StatusRestarting
	st.restartCount++
	restartCount := st.restartCount
	factory := st.factory
	cancel := st.cancel
	done := st.done
	s.mu.Unlock()

	cancel()
	<-done
	s.bus.UnregisterService(id)

	if restartCount >= s.policy.MaxAttempts {
		s.mu.Lock()
		st.status = StatusFailed
		s.mu.Unlock()
		return fmt.Errorf("service %s exhausted %d restart attempts", id, s.policy.MaxAttempts)
	}

	delay := s.policy.computeDelay(restartCount - 1)
	time.Sleep(delay)

	if err := s.spawn(id, factory, restartCount); err != nil {
		s.mu.Lock()
		st.status = StatusFailed
		s.mu.Unlock()
		return err
	}

	s.bus.BroadcastEvent(messages.NewServiceRestarted(id))
	return nil
}

// ShutdownAll stops the health-check loop and every registered
// service. Individual stop failures are logged; ShutdownAll returns
// the first error encountered, if any.
func (s *Supervisor) ShutdownAll() error {
	s.StopHealthMonitoring()

	s.mu.Lock()
	ids := make([]messages.ServiceID, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.StopService(id); err != nil {
			s.log.Error("failed to stop service during shutdown", "service", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetServiceStatus returns a snapshot for a single service.
func (s *Supervisor) GetServiceStatus(id messages.ServiceID) (StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[id]
	if !ok {
		return StatusSnapshot{}, messages.ServiceUnavailable(string(id))
	}
	depth, _ := s.bus.QueueDepth(id)
	return StatusSnapshot{ID: id, Status: st.status, RestartCount: st.restartCount, LastHealthCheck: st.lastHealthCheck, Health: s.checker.Classify(id, depth)}, nil
}

// GetServiceStatuses returns a snapshot of every tracked service.
func (s *Supervisor) GetServiceStatuses() []StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusSnapshot, 0, len(s.services))
	for id, st := range s.services {
		depth, _ := s.bus.QueueDepth(id)
		out = append(out, StatusSnapshot{ID: id, Status: st.status, RestartCount: st.restartCount, LastHealthCheck: st.lastHealthCheck, Health: s.checker.Classify(id, depth)})
	}
	return out
}

// StartHealthMonitoring launches the periodic probe loop. Every
// interval it sends a ServiceHealthCheck directly to each registered
// service (an explicit target override, since the bus's
// content-based router rejects this Kind — it is not meant to be
// resolved by the routing table).
func (s *Supervisor) StartHealthMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.healthCancel = cancel
	s.healthDone = make(chan struct{})
	done := s.healthDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]messages.ServiceID, 0, len(s.services))
	for id, st := range s.services {
		if st.status == StatusRunning {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		target := id
		msg := messages.ServiceMessage{Kind: messages.KindServiceHealthCheck, ServiceHealthCheck: &messages.ServiceHealthCheck{ServiceID: id}}
		if err := s.bus.RouteMessage(ctx, msg, &target); err != nil {
			s.checker.RecordProbeMiss(id)
			s.log.Warn("health probe failed to deliver", "service", id, "error", err)
			continue
		}
		s.checker.RecordProbeSuccess(id)

		depth, _ := s.bus.QueueDepth(id)
		classification := s.checker.Classify(id, depth)

		s.mu.Lock()
		if st, ok := s.services[id]; ok {
			st.lastHealthCheck = time.Now().UTC()
			if classification.Status == messages.HealthDegraded && st.status == StatusRunning {
				st.status = StatusDegraded
			} else if classification.Status == messages.HealthHealthy && st.status == StatusDegraded {
				st.status = StatusRunning
			}
		}
		s.mu.Unlock()
	}
}

// StopHealthMonitoring stops the probe loop, if running. Safe to call
// more than once.
func (s *Supervisor) StopHealthMonitoring() {
	s.mu.Lock()
	cancel := s.healthCancel
	done := s.healthDone
	s.healthCancel = nil
	s.healthDone = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}
