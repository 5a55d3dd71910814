// Package dispatcher implements the core service: it owns the core
// inbox, classifies every arriving ServiceMessage to one of a small
// set of handlers, and emits the derived messages the rest of the
// fabric reacts to.
//
// Grounded on original_source/crates/core/src/handlers/{user_input,
// llm_response,system_events}.rs for the handler logic and on
// original_source/crates/core/src/main.rs's CoreService for the
// dispatch loop shape.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
)

const helpText = `Available commands:
  /help    Show this message
  /status  Show service and routing statistics
  /clear   Clear conversation history (not yet implemented)`

// StatusProvider supplies the live counters and registrations the
// /status command reports. Satisfied by *bus.Bus.
type StatusProvider interface {
	GetStats() bus.StatsSnapshot
	GetRegisteredServices() []messages.ServiceID
}

// Dispatcher runs the core service's receive loop.
type Dispatcher struct {
	bus    *bus.Bus
	status StatusProvider
	log    *slog.Logger

	// pending correlates an LLMRequest's RequestID back to the user_id
	// that originated it, since LLMResponse carries no user_id of its
	// own. Bounded to avoid unbounded growth if responses never arrive;
	// the oldest entries are evicted once the map exceeds pendingLimit.
	mu      sync.Mutex
	pending map[uuid.UUID]pendingRequest
}

type pendingRequest struct {
	userID    string
	createdAt time.Time
}

const pendingLimit = 4096

// New creates a Dispatcher bound to bus b. status supplies the
// counters rendered by /status; it is typically the same *bus.Bus.
func New(b *bus.Bus, status StatusProvider, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		bus:     b,
		status:  status,
		log:     log,
		pending: make(map[uuid.UUID]pendingRequest),
	}
}

// Run is the core service's ServiceFunc: it drains inbox until ctx is
// cancelled or a ShutdownService{"core"} arrives.
func (d *Dispatcher) Run(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if d.dispatch(ctx, msg) {
				return nil
			}
		}
	}
}

// dispatch classifies one message and returns true when the dispatch
// loop should terminate (a ShutdownService addressed to core).
func (d *Dispatcher) dispatch(ctx context.Context, msg messages.ServiceMessage) bool {
	switch msg.Kind {
	case messages.KindUserInput:
		d.handleUserInput(ctx, *msg.UserInput)
	case messages.KindLLMResponse:
		d.handleLLMResponse(ctx, *msg.LLMResponse)
	case messages.KindServiceHealthCheck:
		d.handleHealthCheck(ctx, *msg.ServiceHealthCheck)
	case messages.KindShutdownService:
		if msg.ShutdownService.ServiceID == messages.CoreServiceID {
			return true
		}
		d.log.Warn("ignoring shutdown addressed to another service", "target", msg.ShutdownService.ServiceID)
	default:
		d.log.Warn("core received an unhandled message kind", "kind", msg.Kind)
	}
	return false
}

// handleUserInput implements spec.md §4.3.1.
func (d *Dispatcher) handleUserInput(ctx context.Context, in messages.UserInput) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		d.respond(ctx, messages.ResponseWarning, "Please provide a non-empty message.")
		return
	}

	if strings.HasPrefix(content, "/") {
		d.handleCommand(ctx, content)
		return
	}

	d.respond(ctx, messages.ResponseThinking, "Thinking...")

	req := messages.NewLLMRequest(content, "ollama", nil)
	d.trackPending(req.LLMRequest.RequestID, in.UserID)

	if err := d.bus.RouteMessage(ctx, req, nil); err != nil {
		d.log.Error("failed to route LLM request", "error", err)
		d.respond(ctx, messages.ResponseError, "Unable to reach the language model service.")
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, content string) {
	switch content {
	case "/help":
		d.respond(ctx, messages.ResponseInfo, helpText)
	case "/status":
		d.respond(ctx, messages.ResponseInfo, d.formatStatus())
	case "/clear":
		d.respond(ctx, messages.ResponseInfo, "Conversation history cleared.")
	default:
		d.respond(ctx, messages.ResponseInfo, fmt.Sprintf("Unknown command: %s. Type /help for available commands.", content))
	}
}

func (d *Dispatcher) formatStatus() string {
	stats := d.status.GetStats()
	services := d.status.GetRegisteredServices()
	return fmt.Sprintf(
		"Registered services: %d\nMessages routed: %d\nEvents broadcast: %d\nRouting errors: %d",
		len(services), stats.MessagesRouted, stats.EventsBroadcast, stats.RoutingErrors,
	)
}

// handleLLMResponse implements spec.md §4.3.2, resolving the
// user_id-correlation open question via the pending request table
// rather than the original source's placeholder "current_user" value.
func (d *Dispatcher) handleLLMResponse(ctx context.Context, resp messages.LLMResponse) {
	d.respond(ctx, messages.ResponseSuccess, resp.Content)

	userID := d.resolvePending(resp.RequestID)

	store := messages.ServiceMessage{
		Kind: messages.KindStoreConversation,
		StoreConversation: &messages.StoreConversation{
			UserID: userID,
			Messages: []messages.Message{{
				ID:        uuid.New(),
				Content:   resp.Content,
				Timestamp: time.Now().UTC(),
				Role:      messages.RoleAssistant,
				Metadata: map[string]any{
					"request_id": resp.RequestID.String(),
					"usage":      resp.Usage,
				},
			}},
		},
	}
	if err := d.bus.RouteMessage(ctx, store, nil); err != nil {
		d.log.Error("failed to route conversation store", "error", err)
	}
}

func (d *Dispatcher) handleHealthCheck(ctx context.Context, check messages.ServiceHealthCheck) {
	resp := messages.ServiceMessage{
		Kind: messages.KindServiceHealthResponse,
		ServiceHealthResponse: &messages.ServiceHealthResponse{
			ServiceID: check.ServiceID,
			Status:    messages.Healthy(),
		},
	}
	if err := d.bus.RouteMessage(ctx, resp, nil); err != nil {
		d.log.Error("failed to route health response", "error", err)
	}
}

func (d *Dispatcher) respond(ctx context.Context, kind messages.ResponseKind, content string) {
	msg := messages.NewSystemResponse(kind, content)
	if err := d.bus.RouteMessage(ctx, msg, nil); err != nil {
		d.log.Error("failed to route system response", "error", err)
	}
}

// trackPending records a request_id -> user_id correlation, evicting
// the oldest entry if the table has grown past pendingLimit (a
// request whose response never arrives should not leak memory
// forever).
func (d *Dispatcher) trackPending(id uuid.UUID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) >= pendingLimit {
		var oldestID uuid.UUID
		var oldestAt time.Time
		for k, v := range d.pending {
			if oldestAt.IsZero() || v.createdAt.Before(oldestAt) {
				oldestID, oldestAt = k, v.createdAt
			}
		}
		delete(d.pending, oldestID)
	}
	d.pending[id] = pendingRequest{userID: userID, createdAt: time.Now()}
}

// resolvePending looks up and removes the user_id for a completed
// request. An unknown request_id (e.g. the dispatcher restarted mid
// flight) falls back to "unknown" rather than fabricating a user.
func (d *Dispatcher) resolvePending(id uuid.UUID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return "unknown"
	}
	delete(d.pending, id)
	return p.userID
}
