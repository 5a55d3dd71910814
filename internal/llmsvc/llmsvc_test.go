package llmsvc

import (
	"context"
	"testing"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/llm"
	"aimanager/internal/messages"
)

type fakeClient struct {
	response *llm.ChatResponse
	err      error
}

func (f *fakeClient) Chat(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return f.response, f.err
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.response, f.err
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.err }

func TestHandleRequestRoutesResponse(t *testing.T) {
	b := bus.New()
	_, core, _ := b.RegisterService(messages.CoreServiceID)

	client := &fakeClient{response: &llm.ChatResponse{
		Message:      llm.Message{Content: "hello"},
		InputTokens:  5,
		OutputTokens: 7,
	}}
	svc := New(b, client, "openai", "gpt-4", nil)

	_, llmConsumer, _ := b.RegisterService(messages.LLMServiceID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx, llmConsumer, nil)

	req := messages.NewLLMRequest("hi", "openai", nil)
	if err := b.RouteMessage(context.Background(), req, nil); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case got := <-core:
		if got.Kind != messages.KindLLMResponse {
			t.Fatalf("kind = %v, want llm_response", got.Kind)
		}
		if got.LLMResponse.Content != "hello" {
			t.Fatalf("content = %q", got.LLMResponse.Content)
		}
		if got.LLMResponse.Usage.TotalTokens != 12 {
			t.Fatalf("total_tokens = %d, want 12", got.LLMResponse.Usage.TotalTokens)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for llm response")
	}
}

func TestHandleHealthCheckRespondsHealthy(t *testing.T) {
	b := bus.New()
	_, core, _ := b.RegisterService(messages.CoreServiceID)

	svc := New(b, &fakeClient{}, "openai", "gpt-4", nil)
	svc.handle(context.Background(), messages.ServiceMessage{
		Kind:               messages.KindServiceHealthCheck,
		ServiceHealthCheck: &messages.ServiceHealthCheck{ServiceID: messages.LLMServiceID},
	})

	select {
	case got := <-core:
		if got.Kind != messages.KindServiceHealthResponse {
			t.Fatalf("kind = %v", got.Kind)
		}
		if got.ServiceHealthResponse.ServiceID != messages.LLMServiceID {
			t.Fatalf("service id = %v", got.ServiceHealthResponse.ServiceID)
		}
		if got.ServiceHealthResponse.Status.Status != messages.HealthHealthy {
			t.Fatalf("status = %v", got.ServiceHealthResponse.Status.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health response")
	}
}

func TestHandleRequestErrorProducesSystemResponse(t *testing.T) {
	b := bus.New()
	_, ui, _ := b.RegisterService(messages.UIServiceID)

	client := &fakeClient{err: context.DeadlineExceeded}
	svc := New(b, client, "openai", "gpt-4", nil)

	_, llmConsumer, _ := b.RegisterService(messages.LLMServiceID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx, llmConsumer, nil)

	req := messages.NewLLMRequest("hi", "openai", nil)
	if err := b.RouteMessage(context.Background(), req, nil); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case got := <-ui:
		if got.Kind != messages.KindSystemResponse || got.SystemResponse.Kind != messages.ResponseError {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error response")
	}
}
