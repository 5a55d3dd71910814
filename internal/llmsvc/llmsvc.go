// Package llmsvc implements the llm service: it drains LLMRequest
// messages off its bus inbox, dispatches them to the configured
// provider via internal/llm.Client, and routes the resulting
// LLMResponse back through the bus.
//
// Grounded on internal/llm/client.go (the Client interface) and
// internal/llm/multi.go (MultiClient's model-name routing), reused
// unmodified as the HTTP-facing layer; this package only adds the bus
// wiring original_source/crates/llm-service's provider dispatch
// implies but that the teacher's internal/llm never needed, since the
// teacher calls Client.Chat directly rather than over a message bus.
package llmsvc

import (
	"context"
	"log/slog"

	"aimanager/internal/bus"
	"aimanager/internal/config"
	"aimanager/internal/llm"
	"aimanager/internal/messages"
	"aimanager/internal/usage"
)

// Service runs the llm collaborator's receive loop.
type Service struct {
	bus      *bus.Bus
	client   llm.Client
	model    string
	provider string
	log      *slog.Logger

	usage   *usage.Store
	pricing map[string]config.PricingEntry
}

// New creates a Service that answers LLMRequest messages using client.
// model selects which model string is passed to Chat; provider is
// stored on the Service but not consulted, and an incoming LLMRequest's
// Provider field is not read (wiring multiple providers means
// constructing a llm.MultiClient as client).
func New(b *bus.Bus, client llm.Client, provider, model string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{bus: b, client: client, model: model, provider: provider, log: log.With("service", "llm")}
}

// WithUsageTracking records every successful request's token usage and
// cost to store, priced from pricing. Call before Run; a Service with
// no usage store simply skips recording.
func (s *Service) WithUsageTracking(store *usage.Store, pricing map[string]config.PricingEntry) *Service {
	s.usage = store
	s.pricing = pricing
	return s
}

// Run is the llm service's ServiceFunc.
func (s *Service) Run(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg messages.ServiceMessage) {
	switch msg.Kind {
	case messages.KindLLMRequest:
		s.handleRequest(ctx, *msg.LLMRequest)
	case messages.KindServiceHealthCheck:
		s.handleHealthCheck(ctx, *msg.ServiceHealthCheck)
	case messages.KindShutdownService:
		// ShutdownService addressed here is handled by the supervisor
		// cancelling our context; nothing to do on the message itself.
	default:
		s.log.Warn("llm service received an unhandled message kind", "kind", msg.Kind)
	}
}

func (s *Service) handleHealthCheck(ctx context.Context, check messages.ServiceHealthCheck) {
	resp := messages.ServiceMessage{
		Kind: messages.KindServiceHealthResponse,
		ServiceHealthResponse: &messages.ServiceHealthResponse{
			ServiceID: check.ServiceID,
			Status:    messages.Healthy(),
		},
	}
	if err := s.bus.RouteMessage(ctx, resp, nil); err != nil {
		s.log.Error("failed to route health response", "error", err)
	}
}

func (s *Service) handleRequest(ctx context.Context, req messages.LLMRequest) {
	chatMsgs := make([]llm.Message, 0, len(req.Context)+1)
	for _, c := range req.Context {
		chatMsgs = append(chatMsgs, llm.Message{Role: "user", Content: c})
	}
	chatMsgs = append(chatMsgs, llm.Message{Role: "user", Content: req.Prompt})

	resp, err := s.client.Chat(ctx, s.model, chatMsgs, nil)
	if err != nil {
		s.log.Error("chat request failed", "request_id", req.RequestID, "error", err)
		if routeErr := s.bus.RouteMessage(ctx, messages.NewSystemResponse(messages.ResponseError, "The language model is currently unavailable."), nil); routeErr != nil {
			s.log.Error("failed to route error response", "error", routeErr)
		}
		return
	}

	out := messages.NewLLMResponse(resp.Message.Content, messages.TokenUsage{
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		TotalTokens:      resp.InputTokens + resp.OutputTokens,
	}, req.RequestID)

	if err := s.bus.RouteMessage(ctx, out, nil); err != nil {
		s.log.Error("failed to route LLM response", "request_id", req.RequestID, "error", err)
	}

	s.recordUsage(ctx, req, resp)
}

// recordUsage persists the request's token usage and cost, if this
// Service was configured with WithUsageTracking. Failures are logged,
// never surfaced to the caller — usage tracking must not affect chat
// delivery.
func (s *Service) recordUsage(ctx context.Context, req messages.LLMRequest, resp *llm.ChatResponse) {
	if s.usage == nil {
		return
	}
	rec := usage.Record{
		RequestID:    req.RequestID,
		Model:        s.model,
		Provider:     usage.ResolveProvider(s.model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(s.model, resp.InputTokens, resp.OutputTokens, s.pricing),
		Role:         "interactive",
	}
	if err := s.usage.Record(ctx, rec); err != nil {
		s.log.Error("failed to record usage", "request_id", req.RequestID, "error", err)
	}
}
