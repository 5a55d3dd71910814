package email

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
	"aimanager/internal/opstate"
)

// highWaterMarkNamespace is the opstate namespace used to persist the
// last-seen UID per account.
const highWaterMarkNamespace = "email_bus_poll"

// Service wraps a Manager with periodic polling that emits EmailProcess
// messages onto the bus, carrying individual EmailData values rather
// than pre-rendered text.
type Service struct {
	bus      *bus.Bus
	manager  *Manager
	state    *opstate.Store
	interval time.Duration
	log      *slog.Logger
}

// NewService creates an email Service polling every interval.
func NewService(b *bus.Bus, manager *Manager, state *opstate.Store, interval time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{bus: b, manager: manager, state: state, interval: interval, log: log.With("service", "external", "collaborator", "email")}
}

// Manager exposes the underlying account Manager so the owning
// collaborator can serve on-demand folder/search/read queries through
// the same accounts this Service polls.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Poll runs the ticker loop that fetches new mail and routes it onto
// the bus as EmailProcess, until ctx is cancelled. It is meant to run
// as a background goroutine owned by the combined external
// collaborator (internal/calendar.Service), which is the one
// registered under the "external" ServiceID and that demultiplexes
// CalendarSync from the inbox and EmailProcess from this poller.
func (s *Service) Poll(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *Service) pollAll(ctx context.Context) {
	for _, name := range s.manager.AccountNames() {
		emails, err := s.pollAccount(ctx, name)
		if err != nil {
			s.log.Warn("email poll failed for account", "account", name, "error", err)
			continue
		}
		if len(emails) == 0 {
			continue
		}
		msg := messages.ServiceMessage{Kind: messages.KindEmailProcess, EmailProcess: &messages.EmailProcess{Emails: emails}}
		if err := s.bus.RouteMessage(ctx, msg, nil); err != nil {
			s.log.Error("failed to route email_process", "error", err)
		}
	}
}

// pollAccount fetches INBOX messages above the stored high-water mark
// and returns them as structured EmailData.
func (s *Service) pollAccount(ctx context.Context, accountName string) ([]messages.EmailData, error) {
	client, err := s.manager.Account(accountName)
	if err != nil {
		return nil, err
	}

	stateKey := accountName + ":INBOX"
	storedStr, err := s.state.Get(highWaterMarkNamespace, stateKey)
	if err != nil {
		return nil, err
	}

	var storedUID uint64
	if storedStr != "" {
		storedUID, _ = strconv.ParseUint(storedStr, 10, 32)
	}

	envelopes, err := client.ListMessages(ctx, ListOptions{Folder: "INBOX", SinceUID: uint32(storedUID)})
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, nil
	}

	highest := storedUID
	emails := make([]messages.EmailData, 0, len(envelopes))
	for _, env := range envelopes {
		if uint64(env.UID) > highest {
			highest = uint64(env.UID)
		}
		if storedStr == "" {
			// First run: seed the mark without reporting the backlog.
			continue
		}
		emails = append(emails, envelopeToEmailData(env))
	}

	if highest > storedUID {
		if err := s.state.Set(highWaterMarkNamespace, stateKey, strconv.FormatUint(highest, 10)); err != nil {
			return nil, err
		}
	}

	return emails, nil
}

func envelopeToEmailData(env Envelope) messages.EmailData {
	isRead := false
	for _, f := range env.Flags {
		if strings.EqualFold(f, "\\Seen") {
			isRead = true
			break
		}
	}
	return messages.EmailData{
		ID:        strconv.FormatUint(uint64(env.UID), 10),
		From:      env.From,
		To:        env.To,
		Subject:   env.Subject,
		Timestamp: env.Date,
		IsRead:    isRead,
	}
}
