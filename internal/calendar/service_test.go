package calendar

import (
	"context"
	"testing"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
)

type fakeCalendar struct {
	events      []Event
	createCalls []Event
	updateCalls []Event
	deleteCalls []string
	err         error
}

func (f *fakeCalendar) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	return f.events, f.err
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, evt Event) (Event, error) {
	f.createCalls = append(f.createCalls, evt)
	return evt, f.err
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, evt Event) error {
	f.updateCalls = append(f.updateCalls, evt)
	return f.err
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, eventID string) error {
	f.deleteCalls = append(f.deleteCalls, eventID)
	return f.err
}

func newHarness(t *testing.T, cal calendarClient) (*Service, *bus.Bus, <-chan messages.ServiceMessage) {
	t.Helper()
	b := bus.New()
	_, ui, _ := b.RegisterService(messages.UIServiceID)
	svc := New(b, cal, nil, nil)
	return svc, b, ui
}

func TestHandleCalendarSyncListEventsReportsCount(t *testing.T) {
	fc := &fakeCalendar{events: []Event{{Title: "Standup", Start: time.Now(), End: time.Now().Add(time.Hour)}}}
	svc, _, ui := newHarness(t, fc)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind: messages.KindCalendarSync,
		CalendarSync: &messages.CalendarSync{Action: messages.CalendarAction{
			Kind: messages.ActionListEvents,
		}},
	})

	select {
	case got := <-ui:
		if got.Kind != messages.KindSystemResponse || got.SystemResponse.Kind != messages.ResponseInfo {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleCalendarSyncCreateEventCallsClient(t *testing.T) {
	fc := &fakeCalendar{}
	svc, _, ui := newHarness(t, fc)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind: messages.KindCalendarSync,
		CalendarSync: &messages.CalendarSync{Action: messages.CalendarAction{
			Kind:  messages.ActionCreateEvent,
			Title: "Dentist",
		}},
	})

	if len(fc.createCalls) != 1 {
		t.Fatalf("create calls = %d, want 1", len(fc.createCalls))
	}
	if fc.createCalls[0].Title != "Dentist" {
		t.Errorf("title = %q", fc.createCalls[0].Title)
	}

	select {
	case got := <-ui:
		if got.SystemResponse.Kind != messages.ResponseInfo {
			t.Fatalf("kind = %v", got.SystemResponse.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleCalendarSyncWithoutClientReportsError(t *testing.T) {
	svc, _, ui := newHarness(t, nil)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind:         messages.KindCalendarSync,
		CalendarSync: &messages.CalendarSync{Action: messages.CalendarAction{Kind: messages.ActionListEvents}},
	})

	select {
	case got := <-ui:
		if got.SystemResponse.Kind != messages.ResponseError {
			t.Fatalf("kind = %v, want error", got.SystemResponse.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleEmailProcessSummarizesMail(t *testing.T) {
	svc, _, ui := newHarness(t, nil)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind: messages.KindEmailProcess,
		EmailProcess: &messages.EmailProcess{Emails: []messages.EmailData{
			{From: "a@example.com", Subject: "Hi"},
		}},
	})

	select {
	case got := <-ui:
		if got.SystemResponse.Kind != messages.ResponseInfo {
			t.Fatalf("kind = %v", got.SystemResponse.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleEmailProcessEmptyBatchProducesNoResponse(t *testing.T) {
	svc, _, ui := newHarness(t, nil)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind:         messages.KindEmailProcess,
		EmailProcess: &messages.EmailProcess{},
	})

	select {
	case got := <-ui:
		t.Fatalf("expected no response, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleEmailQueryWithoutEmailReportsError(t *testing.T) {
	svc, _, ui := newHarness(t, nil)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind: messages.KindEmailQuery,
		EmailQuery: &messages.EmailQuery{Action: messages.EmailAction{
			Kind: messages.EmailActionListFolders,
		}},
	})

	select {
	case got := <-ui:
		if got.SystemResponse.Kind != messages.ResponseError {
			t.Fatalf("kind = %v, want error", got.SystemResponse.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleServiceHealthCheckRespondsHealthy(t *testing.T) {
	svc, b, _ := newHarness(t, nil)
	_, core, _ := b.RegisterService(messages.CoreServiceID)

	svc.handle(context.Background(), messages.ServiceMessage{
		Kind:               messages.KindServiceHealthCheck,
		ServiceHealthCheck: &messages.ServiceHealthCheck{ServiceID: messages.ExternalServiceID},
	})

	select {
	case got := <-core:
		if got.Kind != messages.KindServiceHealthResponse {
			t.Fatalf("kind = %v", got.Kind)
		}
		if got.ServiceHealthResponse.ServiceID != messages.ExternalServiceID {
			t.Fatalf("service id = %v", got.ServiceHealthResponse.ServiceID)
		}
		if got.ServiceHealthResponse.Status.Status != messages.HealthHealthy {
			t.Fatalf("status = %v", got.ServiceHealthResponse.Status.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health response")
	}
}

func TestRunDispatchesCalendarSyncFromInbox(t *testing.T) {
	fc := &fakeCalendar{}
	b := bus.New()
	_, ui, _ := b.RegisterService(messages.UIServiceID)
	svc := New(b, fc, nil, nil)

	_, extConsumer, _ := b.RegisterService(messages.ExternalServiceID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx, extConsumer, nil)

	msg := messages.ServiceMessage{
		Kind: messages.KindCalendarSync,
		CalendarSync: &messages.CalendarSync{Action: messages.CalendarAction{
			Kind: messages.ActionDeleteEvent, EventID: "evt-1",
		}},
	}
	target := messages.ExternalServiceID
	if err := b.RouteMessage(context.Background(), msg, &target); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case <-ui:
		if len(fc.deleteCalls) != 1 || fc.deleteCalls[0] != "evt-1" {
			t.Fatalf("delete calls = %v", fc.deleteCalls)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}
