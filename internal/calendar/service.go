package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/email"
	"aimanager/internal/messages"
)

// calendarClient is the subset of *Client the service depends on,
// narrowed to an interface so tests can exercise the action-dispatch
// logic without a live CalDAV server.
type calendarClient interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, evt Event) (Event, error)
	UpdateEvent(ctx context.Context, evt Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// Service is the combined "external" collaborator. It owns the CalDAV
// client for CalendarSync and an optional email.Service poller whose
// fetched mail arrives back on this same inbox as EmailProcess (the
// routing table sends both kinds to "external"); EmailProcess is
// turned into a SystemResponse note for "ui" here rather than inside
// the email package, since only the service that owns the inbox can
// tell the two kinds apart.
type Service struct {
	bus      *bus.Bus
	calendar calendarClient
	email    *email.Service
	log      *slog.Logger
}

// New creates the external collaborator. calendar may be nil when no
// CalDAV server is configured; mail may be nil when no email account
// is configured. At least one should usually be set, but neither is
// required — an unconfigured external collaborator simply idles,
// still answering health checks.
func New(b *bus.Bus, calendar calendarClient, mail *email.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{bus: b, calendar: calendar, email: mail, log: log.With("service", "external")}
}

// Run is the external collaborator's ServiceFunc.
func (s *Service) Run(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error {
	if s.email != nil {
		go s.email.Poll(ctx)
	}

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
	case messages.KindCalendarSync:
		s.handleCalendarSync(ctx, *msg.CalendarSync)
	case messages.KindEmailProcess:
		s.handleEmailProcess(ctx, *msg.EmailProcess)
	case messages.KindEmailQuery:
		s.handleEmailQuery(ctx, *msg.EmailQuery)
	case messages.KindServiceHealthCheck:
		s.handleHealthCheck(ctx, *msg.ServiceHealthCheck)
	case messages.KindShutdownService:
	default:
		s.log.Warn("external collaborator received an unhandled message kind", "kind", msg.Kind)
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

func (s *Service) handleCalendarSync(ctx context.Context, sync messages.CalendarSync) {
	if s.calendar == nil {
		s.respondError(ctx, "No calendar account is configured.")
		return
	}

	switch sync.Action.Kind {
	case messages.ActionListEvents:
		s.listEvents(ctx, sync.Action)
	case messages.ActionCreateEvent:
		s.createEvent(ctx, sync.Action)
	case messages.ActionUpdateEvent:
		s.updateEvent(ctx, sync.Action)
	case messages.ActionDeleteEvent:
		s.deleteEvent(ctx, sync.Action)
	default:
		s.respondError(ctx, fmt.Sprintf("Unknown calendar action %q.", sync.Action.Kind))
	}
}

func (s *Service) listEvents(ctx context.Context, action messages.CalendarAction) {
	from := time.Now()
	to := from.Add(7 * 24 * time.Hour)
	if action.StartTime != nil {
		from = *action.StartTime
	}
	if action.EndTime != nil {
		to = *action.EndTime
	}

	events, err := s.calendar.ListEvents(ctx, from, to)
	if err != nil {
		s.log.Error("list calendar events failed", "error", err)
		s.respondError(ctx, "Could not list calendar events.")
		return
	}

	if len(events) == 0 {
		s.respondInfo(ctx, "No upcoming calendar events.")
		return
	}

	summary := fmt.Sprintf("%d upcoming calendar event(s):", len(events))
	for _, e := range events {
		summary += fmt.Sprintf("\n- %s (%s - %s)", e.Title, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	}
	s.respondInfo(ctx, summary)
}

func (s *Service) createEvent(ctx context.Context, action messages.CalendarAction) {
	evt := Event{ID: action.EventID, Title: action.Title, Description: action.Description}
	if action.StartTime != nil {
		evt.Start = *action.StartTime
	}
	if action.EndTime != nil {
		evt.End = *action.EndTime
	}

	created, err := s.calendar.CreateEvent(ctx, evt)
	if err != nil {
		s.log.Error("create calendar event failed", "error", err)
		s.respondError(ctx, "Could not create the calendar event.")
		return
	}
	s.respondInfo(ctx, fmt.Sprintf("Created calendar event %q (%s).", created.Title, created.ID))
}

func (s *Service) updateEvent(ctx context.Context, action messages.CalendarAction) {
	evt := Event{ID: action.EventID, Title: action.Title, Description: action.Description}
	if action.StartTime != nil {
		evt.Start = *action.StartTime
	}
	if action.EndTime != nil {
		evt.End = *action.EndTime
	}

	if err := s.calendar.UpdateEvent(ctx, evt); err != nil {
		s.log.Error("update calendar event failed", "error", err)
		s.respondError(ctx, "Could not update the calendar event.")
		return
	}
	s.respondInfo(ctx, fmt.Sprintf("Updated calendar event %q.", evt.ID))
}

func (s *Service) deleteEvent(ctx context.Context, action messages.CalendarAction) {
	if err := s.calendar.DeleteEvent(ctx, action.EventID); err != nil {
		s.log.Error("delete calendar event failed", "error", err)
		s.respondError(ctx, "Could not delete the calendar event.")
		return
	}
	s.respondInfo(ctx, fmt.Sprintf("Deleted calendar event %q.", action.EventID))
}

// handleEmailProcess converts a batch of freshly-fetched mail into a
// single SystemResponse note for "ui".
func (s *Service) handleEmailProcess(ctx context.Context, ep messages.EmailProcess) {
	if len(ep.Emails) == 0 {
		return
	}
	note := fmt.Sprintf("%d new email(s):", len(ep.Emails))
	for _, m := range ep.Emails {
		note += fmt.Sprintf("\n- %s: %s", m.From, m.Subject)
	}
	s.respondInfo(ctx, note)
}

// handleEmailQuery dispatches an on-demand folder listing, search, or
// single-message read against the configured email account, the
// request counterpart to handleEmailProcess's push-only poll results.
func (s *Service) handleEmailQuery(ctx context.Context, q messages.EmailQuery) {
	if s.email == nil {
		s.respondError(ctx, "No email account is configured.")
		return
	}

	client, err := s.email.Manager().Account(q.Action.Account)
	if err != nil {
		s.respondError(ctx, fmt.Sprintf("Email account error: %v", err))
		return
	}

	switch q.Action.Kind {
	case messages.EmailActionListFolders:
		s.listFolders(ctx, client)
	case messages.EmailActionSearch:
		s.searchEmail(ctx, client, q.Action)
	case messages.EmailActionRead:
		s.readEmail(ctx, client, q.Action)
	default:
		s.respondError(ctx, fmt.Sprintf("Unknown email action %q.", q.Action.Kind))
	}
}

func (s *Service) listFolders(ctx context.Context, client *email.Client) {
	folders, err := client.ListFolders(ctx)
	if err != nil {
		s.log.Error("list email folders failed", "error", err)
		s.respondError(ctx, "Could not list email folders.")
		return
	}

	if len(folders) == 0 {
		s.respondInfo(ctx, "No email folders found.")
		return
	}

	summary := fmt.Sprintf("%d email folder(s):", len(folders))
	for _, f := range folders {
		summary += fmt.Sprintf("\n- %s (%d messages, %d unseen)", f.Name, f.Messages, f.Unseen)
	}
	s.respondInfo(ctx, summary)
}

func (s *Service) searchEmail(ctx context.Context, client *email.Client, action messages.EmailAction) {
	opts := email.SearchOptions{
		Folder: action.Folder,
		Query:  action.Query,
		From:   action.From,
		Limit:  action.Limit,
	}
	if action.Since != nil {
		opts.Since = *action.Since
	}
	if action.Before != nil {
		opts.Before = *action.Before
	}

	results, err := client.SearchMessages(ctx, opts)
	if err != nil {
		s.log.Error("search email failed", "error", err)
		s.respondError(ctx, "Could not search email.")
		return
	}

	if len(results) == 0 {
		s.respondInfo(ctx, "No matching email found.")
		return
	}

	summary := fmt.Sprintf("%d matching email(s):", len(results))
	for _, env := range results {
		summary += fmt.Sprintf("\n- [%d] %s: %s", env.UID, env.From, env.Subject)
	}
	s.respondInfo(ctx, summary)
}

func (s *Service) readEmail(ctx context.Context, client *email.Client, action messages.EmailAction) {
	folder := action.Folder
	if folder == "" {
		folder = "INBOX"
	}

	msg, err := client.ReadMessage(ctx, folder, action.UID)
	if err != nil {
		s.log.Error("read email failed", "error", err)
		s.respondError(ctx, "Could not read the email message.")
		return
	}

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	s.respondInfo(ctx, fmt.Sprintf("From: %s\nSubject: %s\n\n%s", msg.From, msg.Subject, body))
}

func (s *Service) respondInfo(ctx context.Context, text string) {
	if err := s.bus.RouteMessage(ctx, messages.NewSystemResponse(messages.ResponseInfo, text), nil); err != nil {
		s.log.Error("failed to route system response", "error", err)
	}
}

func (s *Service) respondError(ctx context.Context, text string) {
	if err := s.bus.RouteMessage(ctx, messages.NewSystemResponse(messages.ResponseError, text), nil); err != nil {
		s.log.Error("failed to route system response", "error", err)
	}
}
