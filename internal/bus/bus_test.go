package bus

import (
	"context"
	"testing"
	"time"

	"aimanager/internal/messages"
)

func TestRegisterServiceRejectsDuplicate(t *testing.T) {
	b := New()
	if _, _, err := b.RegisterService(messages.CoreServiceID); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, _, err := b.RegisterService(messages.CoreServiceID); err == nil {
		t.Fatal("expected second registration of the same ID to fail")
	}
}

func TestRouteMessageContentBasedTarget(t *testing.T) {
	b := New()
	_, consumer, err := b.RegisterService(messages.LLMServiceID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := messages.NewLLMRequest("hello", "openai", nil)
	if err := b.RouteMessage(context.Background(), msg, nil); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case got := <-consumer:
		if got.Kind != messages.KindLLMRequest {
			t.Fatalf("got kind %v, want %v", got.Kind, messages.KindLLMRequest)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed message")
	}
}

func TestRouteMessageUnknownTargetIsServiceUnavailable(t *testing.T) {
	b := New()
	msg := messages.NewLLMRequest("hello", "openai", nil)
	err := b.RouteMessage(context.Background(), msg, nil)
	if err == nil {
		t.Fatal("expected error routing to an unregistered service")
	}
	se, ok := err.(*messages.SystemError)
	if !ok || se.Kind != messages.ErrServiceUnavailable {
		t.Fatalf("got %v, want ServiceUnavailable", err)
	}
	if b.GetStats().RoutingErrors != 1 {
		t.Fatalf("routing_errors = %d, want 1", b.GetStats().RoutingErrors)
	}
}

func TestRouteMessageHealthCheckMustBeBroadcast(t *testing.T) {
	b := New()
	msg := messages.ServiceMessage{Kind: messages.KindServiceHealthCheck, ServiceHealthCheck: &messages.ServiceHealthCheck{ServiceID: messages.CoreServiceID}}
	err := b.RouteMessage(context.Background(), msg, nil)
	if err == nil {
		t.Fatal("expected routing a health check to fail")
	}
}

func TestRouteMessageExplicitTargetOverride(t *testing.T) {
	b := New()
	_, consumer, _ := b.RegisterService(messages.ExternalServiceID)

	msg := messages.NewSystemResponse(messages.ResponseInfo, "hi")
	target := messages.ExternalServiceID
	if err := b.RouteMessage(context.Background(), msg, &target); err != nil {
		t.Fatalf("route: %v", err)
	}
	select {
	case got := <-consumer:
		if got.Kind != messages.KindSystemResponse {
			t.Fatalf("got %v", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestRouteMessageFIFOPerTarget(t *testing.T) {
	b := New()
	_, consumer, _ := b.RegisterService(messages.LLMServiceID)

	for i := 0; i < 5; i++ {
		msg := messages.NewLLMRequest(string(rune('a'+i)), "openai", nil)
		if err := b.RouteMessage(context.Background(), msg, nil); err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		got := <-consumer
		want := string(rune('a' + i))
		if got.LLMRequest.Prompt != want {
			t.Fatalf("message %d: got %q, want %q", i, got.LLMRequest.Prompt, want)
		}
	}
}

func TestRouteMessageBackpressureRespectsContext(t *testing.T) {
	b := New(WithInboxCapacity(1))
	_, _, _ = b.RegisterService(messages.LLMServiceID)

	// Fill the single inbox slot.
	if err := b.RouteMessage(context.Background(), messages.NewLLMRequest("1", "openai", nil), nil); err != nil {
		t.Fatalf("first route: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.RouteMessage(ctx, messages.NewLLMRequest("2", "openai", nil), nil)
	if err == nil {
		t.Fatal("expected blocked route to fail once context deadline passes")
	}
}

func TestUnregisterThenRouteFails(t *testing.T) {
	b := New()
	b.RegisterService(messages.LLMServiceID)
	b.UnregisterService(messages.LLMServiceID)

	err := b.RouteMessage(context.Background(), messages.NewLLMRequest("x", "openai", nil), nil)
	if err == nil {
		t.Fatal("expected routing to an unregistered service to fail")
	}
}

func TestBroadcastEventDropsOnFullSubscriber(t *testing.T) {
	b := New(WithEventCapacity(1))
	sub := b.SubscribeToEvents()
	defer b.Unsubscribe(sub)

	b.BroadcastEvent(messages.NewServiceStarted(messages.CoreServiceID))
	b.BroadcastEvent(messages.NewServiceStarted(messages.LLMServiceID))

	// Only the first event should be buffered; the second is dropped
	// rather than blocking the broadcaster.
	first := <-sub
	if first.ServiceID != messages.CoreServiceID {
		t.Fatalf("got %v, want core", first.ServiceID)
	}
	select {
	case <-sub:
		t.Fatal("expected no second event to be buffered")
	default:
	}
}

func TestStatsAreMonotone(t *testing.T) {
	b := New()
	b.RegisterService(messages.LLMServiceID)

	for i := 0; i < 3; i++ {
		b.RouteMessage(context.Background(), messages.NewLLMRequest("x", "openai", nil), nil)
	}
	for i := 0; i < 2; i++ {
		b.RouteMessage(context.Background(), messages.NewLLMRequest("x", "openai", nil), &[]messages.ServiceID{"nope"}[0])
	}

	stats := b.GetStats()
	if stats.MessagesRouted != 3 {
		t.Fatalf("messages_routed = %d, want 3", stats.MessagesRouted)
	}
	if stats.RoutingErrors != 2 {
		t.Fatalf("routing_errors = %d, want 2", stats.RoutingErrors)
	}
}

func TestGetRegisteredServices(t *testing.T) {
	b := New()
	b.RegisterService(messages.CoreServiceID)
	b.RegisterService(messages.LLMServiceID)

	ids := b.GetRegisteredServices()
	if len(ids) != 2 {
		t.Fatalf("got %d registered services, want 2", len(ids))
	}
}
