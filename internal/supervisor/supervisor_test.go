package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
)

func TestStartServiceTransitionsToRunning(t *testing.T) {
	b := bus.New()
	sup := New(b, DefaultRestartPolicy(), nil)

	err := sup.StartService(messages.LLMServiceID, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	snap, err := sup.GetServiceStatus(messages.LLMServiceID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Fatalf("status = %v, want running", snap.Status)
	}

	if err := sup.StopService(messages.LLMServiceID); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopServiceUnregistersFromBus(t *testing.T) {
	b := bus.New()
	sup := New(b, DefaultRestartPolicy(), nil)

	sup.StartService(messages.DataServiceID, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
		<-ctx.Done()
		return nil
	})
	if !b.IsRegistered(messages.DataServiceID) {
		t.Fatal("expected service to be registered after start")
	}
	sup.StopService(messages.DataServiceID)
	if b.IsRegistered(messages.DataServiceID) {
		t.Fatal("expected service to be unregistered after stop")
	}
}

func TestRestartServiceRespawnsTheFactory(t *testing.T) {
	b := bus.New()
	sup := New(b, RestartPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}, nil)

	spawnCount := 0
	sup.StartService(messages.ExternalServiceID, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
		spawnCount++
		<-ctx.Done()
		return nil
	})

	if err := sup.RestartService(messages.ExternalServiceID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// Give the respawned goroutine a moment to run.
	time.Sleep(20 * time.Millisecond)

	if spawnCount != 2 {
		t.Fatalf("factory invoked %d times, want 2 (restart must respawn, not just stop)", spawnCount)
	}

	snap, _ := sup.GetServiceStatus(messages.ExternalServiceID)
	if snap.Status != StatusRunning {
		t.Fatalf("status after restart = %v, want running", snap.Status)
	}
	if snap.RestartCount != 1 {
		t.Fatalf("restart_count = %d, want 1", snap.RestartCount)
	}

	sup.StopService(messages.ExternalServiceID)
}

func TestRestartServiceStopsRespawningAfterMaxAttempts(t *testing.T) {
	b := bus.New()
	sup := New(b, RestartPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}, nil)

	sup.StartService(messages.UIServiceID, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
		<-ctx.Done()
		return nil
	})

	if err := sup.RestartService(messages.UIServiceID); err != nil {
		t.Fatalf("restart 1: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	err := sup.RestartService(messages.UIServiceID)
	if err == nil {
		t.Fatal("expected restart to fail once max_attempts is reached")
	}

	snap, _ := sup.GetServiceStatus(messages.UIServiceID)
	if snap.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", snap.Status)
	}

	// A further manual restart must also be refused.
	if err := sup.RestartService(messages.UIServiceID); err == nil {
		t.Fatal("expected restart of a Failed service to keep failing")
	}
}

func TestComputeDelayIsMonotoneAndCapped(t *testing.T) {
	p := RestartPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, BackoffMultiplier: 1.5, MaxDelay: 60 * time.Second}

	prev := time.Duration(0)
	for n := 0; n < 8; n++ {
		d := p.computeDelay(n)
		if d < prev {
			t.Fatalf("delay(%d)=%v is less than delay(%d)=%v", n, d, n-1, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay(%d)=%v exceeds max_delay %v", n, d, p.MaxDelay)
		}
		prev = d
	}
	if p.computeDelay(0) != p.BaseDelay {
		t.Fatalf("delay(0) = %v, want base_delay %v", p.computeDelay(0), p.BaseDelay)
	}
}

func TestShutdownAllStopsEveryService(t *testing.T) {
	b := bus.New()
	sup := New(b, DefaultRestartPolicy(), nil)

	for _, id := range []messages.ServiceID{messages.LLMServiceID, messages.DataServiceID, messages.ExternalServiceID} {
		sup.StartService(id, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
			<-ctx.Done()
			return nil
		})
	}

	if err := sup.ShutdownAll(); err != nil {
		t.Fatalf("shutdown_all: %v", err)
	}

	for _, snap := range sup.GetServiceStatuses() {
		if snap.Status != StatusStopped {
			t.Fatalf("service %s status = %v, want stopped", snap.ID, snap.Status)
		}
	}
}

func TestFactoryErrorMarksFailed(t *testing.T) {
	b := bus.New()
	sup := New(b, DefaultRestartPolicy(), nil)

	sup.StartService(messages.LLMServiceID, func(ctx context.Context, in <-chan messages.ServiceMessage, out chan<- messages.ServiceMessage) error {
		return errors.New("boom")
	})

	time.Sleep(10 * time.Millisecond)

	snap, err := sup.GetServiceStatus(messages.LLMServiceID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", snap.Status)
	}
}
