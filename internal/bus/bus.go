// Package bus implements the in-process event bus at the center of the
// service fabric: per-service bounded inboxes, content-based message
// routing, and a lossy broadcast stream for lifecycle events.
//
// Grounded on the teacher's internal/events.Bus (nil-safe, non-blocking
// broadcast fan-out with per-subscriber buffering) and on
// original_source/crates/core/src/event_bus.rs for the registry +
// routing-table + stats shape spec.md §4.1 describes.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"aimanager/internal/messages"
)

// Default capacities from spec.md §4.1.
const (
	DefaultMessageQueueCapacity    = 1000
	DefaultBroadcastChannelCapacity = 100
)

// Bus owns the ServiceID -> inbox mapping and the lifecycle event stream.
type Bus struct {
	inboxCapacity int
	eventCapacity int

	mu       sync.RWMutex
	registry map[messages.ServiceID]chan messages.ServiceMessage

	subMu sync.RWMutex
	subs  map[chan messages.SystemEvent]struct{}

	stats Stats
}

// Stats holds the monotonic routing counters of spec.md §3's BusStats.
type Stats struct {
	messagesRouted   atomic.Uint64
	eventsBroadcast  atomic.Uint64
	routingErrors    atomic.Uint64
}

// StatsSnapshot is a point-in-time read of Stats.
type StatsSnapshot struct {
	MessagesRouted  uint64
	EventsBroadcast uint64
	RoutingErrors   uint64
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithInboxCapacity overrides the per-service inbox buffer size.
func WithInboxCapacity(n int) Option {
	return func(b *Bus) { b.inboxCapacity = n }
}

// WithEventCapacity overrides the per-subscriber event stream buffer size.
func WithEventCapacity(n int) Option {
	return func(b *Bus) { b.eventCapacity = n }
}

// New creates an empty Bus ready for registrations.
func New(opts ...Option) *Bus {
	b := &Bus{
		inboxCapacity: DefaultMessageQueueCapacity,
		eventCapacity: DefaultBroadcastChannelCapacity,
		registry:      make(map[messages.ServiceID]chan messages.ServiceMessage),
		subs:          make(map[chan messages.SystemEvent]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterService creates a bounded inbox for id and stores its
// producer side in the registry. It returns a send-only handle (the
// "producer", usable for the self-address pattern) and a receive-only
// handle (the "consumer", which the caller must own exclusively and
// drain until its own shutdown). Fails with AlreadyRegistered if id is
// already present (invariant 1).
func (b *Bus) RegisterService(id messages.ServiceID) (chan<- messages.ServiceMessage, <-chan messages.ServiceMessage, error) {
	b.mu.Lock()
	if _, exists := b.registry[id]; exists {
		b.mu.Unlock()
		return nil, nil, messages.AlreadyRegistered(id)
	}
	ch := make(chan messages.ServiceMessage, b.inboxCapacity)
	b.registry[id] = ch
	b.mu.Unlock()

	b.BroadcastEvent(messages.NewServiceStarted(id))
	return ch, ch, nil
}

// UnregisterService removes id from the registry. In-flight messages
// already enqueued remain in the channel buffer and are still
// delivered to whatever is draining the consumer handle; the channel
// is not closed here because new registrations may reuse the same ID
// later and because closing would race any RouteMessage call already
// mid-send to it. The consumer's owning task is expected to exit via
// its own context cancellation (cooperative shutdown), not by
// detecting channel closure.
func (b *Bus) UnregisterService(id messages.ServiceID) {
	b.mu.Lock()
	delete(b.registry, id)
	b.mu.Unlock()

	b.BroadcastEvent(messages.NewServiceStopped(id))
}

// RouteMessage delivers msg to exactly one target inbox. If target is
// nil, the target is derived from msg.Kind via the content-based
// routing table. Blocks on inbox capacity (backpressure) and on ctx
// cancellation, whichever comes first.
func (b *Bus) RouteMessage(ctx context.Context, msg messages.ServiceMessage, target *messages.ServiceID) error {
	resolved, err := resolveTarget(msg, target)
	if err != nil {
		return err
	}

	b.mu.RLock()
	ch, ok := b.registry[resolved]
	if !ok {
		b.mu.RUnlock()
		b.stats.routingErrors.Add(1)
		return messages.ServiceUnavailable(string(resolved))
	}

	// Held for the duration of the send: a blocking send here is what
	// propagates backpressure to the caller, and holding the read lock
	// guarantees UnregisterService cannot race a send to this channel.
	select {
	case ch <- msg:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		return ctx.Err()
	}

	b.stats.messagesRouted.Add(1)
	b.BroadcastEvent(messages.NewMessageReceived("event_bus", string(resolved)))
	return nil
}

// resolveTarget implements the content-based routing table of spec.md
// §4.1. ServiceHealthCheck has no routed target: routing it without an
// explicit target override fails with InvalidInput.
func resolveTarget(msg messages.ServiceMessage, override *messages.ServiceID) (messages.ServiceID, error) {
	if override != nil {
		return *override, nil
	}
	switch msg.Kind {
	case messages.KindLLMRequest:
		return messages.LLMServiceID, nil
	case messages.KindStoreConversation, messages.KindLoadUserProfile:
		return messages.DataServiceID, nil
	case messages.KindCalendarSync, messages.KindEmailProcess, messages.KindEmailQuery:
		return messages.ExternalServiceID, nil
	case messages.KindSystemResponse, messages.KindUserProfileResponse:
		return messages.UIServiceID, nil
	case messages.KindUserInput, messages.KindLLMResponse, messages.KindServiceHealthResponse:
		return messages.CoreServiceID, nil
	case messages.KindShutdownService:
		return msg.ShutdownService.ServiceID, nil
	case messages.KindServiceHealthCheck:
		return "", messages.InvalidInput("health check messages must be broadcast, not routed")
	default:
		return "", messages.InvalidInput("unroutable message kind: " + string(msg.Kind))
	}
}

// BroadcastEvent fans event out to every current subscriber,
// non-blocking: a subscriber whose buffer is full loses this event
// rather than stalling the broadcaster. Safe to call on a nil *Bus.
func (b *Bus) BroadcastEvent(event messages.SystemEvent) {
	if b == nil {
		return
	}
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	b.stats.eventsBroadcast.Add(1)
}

// SubscribeToEvents attaches a new subscriber starting from "now";
// past events are never replayed. Callers must eventually call
// Unsubscribe to release the channel.
func (b *Bus) SubscribeToEvents() <-chan messages.SystemEvent {
	ch := make(chan messages.SystemEvent, b.eventCapacity)
	b.subMu.Lock()
	b.subs[ch] = struct{}{}
	b.subMu.Unlock()
	return ch
}

// Unsubscribe detaches a previously subscribed channel.
func (b *Bus) Unsubscribe(ch <-chan messages.SystemEvent) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

// GetStats returns a point-in-time snapshot of the routing counters.
func (b *Bus) GetStats() StatsSnapshot {
	return StatsSnapshot{
		MessagesRouted:  b.stats.messagesRouted.Load(),
		EventsBroadcast: b.stats.eventsBroadcast.Load(),
		RoutingErrors:   b.stats.routingErrors.Load(),
	}
}

// GetRegisteredServices returns the currently registered service IDs
// in no particular order.
func (b *Bus) GetRegisteredServices() []messages.ServiceID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]messages.ServiceID, 0, len(b.registry))
	for id := range b.registry {
		ids = append(ids, id)
	}
	return ids
}

// IsRegistered reports whether id currently has a live registration.
func (b *Bus) IsRegistered(id messages.ServiceID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.registry[id]
	return ok
}

// QueueDepth returns the number of messages currently buffered in id's
// inbox, for the health checker's queue-length threshold. The second
// return value is false if id is not registered.
func (b *Bus) QueueDepth(id messages.ServiceID) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.registry[id]
	if !ok {
		return 0, false
	}
	return len(ch), true
}
