// Package calendar implements the calendar half of the external
// collaborator: a CalDAV client over github.com/emersion/go-webdav's
// caldav subpackage, and the combined "external" ServiceFunc that
// demultiplexes CalendarSync (handled here) from EmailProcess
// (produced by internal/email's poller and just forwarded to "ui" as
// a SystemResponse note), since spec.md's routing table sends both
// message kinds to the single "external" target.
//
// Grounded on original_source/crates/external-service/src/calendar.rs
// for the action shape and on the teacher's internal/contacts package
// for the Go idiom of wrapping a WebDAV-family protocol client
// (go-webdav is a declared but previously unused teacher dependency;
// this is its first real caller).
package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// Config describes how to reach a CalDAV server.
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Calendar  string `mapstructure:"calendar"`
}

// Configured reports whether enough information is present to connect.
func (c Config) Configured() bool {
	return c.ServerURL != "" && c.Username != ""
}

// Client wraps a caldav.Client bound to a single calendar collection.
type Client struct {
	caldav       *caldav.Client
	calendarPath string
}

// NewClient builds a Client from cfg. When cfg.Calendar is empty it
// discovers the calendar over the network (current user principal,
// calendar home set, calendar list); otherwise it performs no network
// I/O.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := webdav.HTTPClientWithBasicAuth(http.DefaultClient, cfg.Username, cfg.Password)
	dav, err := caldav.NewClient(httpClient, cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("build caldav client: %w", err)
	}

	calendarPath := cfg.Calendar
	if calendarPath == "" {
		principal, err := dav.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return nil, fmt.Errorf("find caldav principal: %w", err)
		}
		homeSet, err := dav.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("find calendar home set: %w", err)
		}
		calendars, err := dav.FindCalendars(ctx, homeSet)
		if err != nil {
			return nil, fmt.Errorf("find calendars: %w", err)
		}
		if len(calendars) == 0 {
			return nil, fmt.Errorf("no calendars found under %s", homeSet)
		}
		calendarPath = calendars[0].Path
	}

	return &Client{caldav: dav, calendarPath: calendarPath}, nil
}

// Event is the calendar event shape this client exchanges with callers,
// independent of the iCalendar wire encoding.
type Event struct {
	ID          string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

// ListEvents returns every event on the calendar starting within
// [from, to).
func (c *Client) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := c.caldav.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	events := make([]Event, 0, len(objects))
	for _, obj := range objects {
		evt, err := eventFromCalendarObject(obj)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// CreateEvent creates a new VEVENT and returns it with its assigned ID.
func (c *Client) CreateEvent(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	cal := eventToCalendar(evt)

	path := c.calendarPath + evt.ID + ".ics"
	if _, err := c.caldav.PutCalendarObject(ctx, path, cal); err != nil {
		return Event{}, fmt.Errorf("put calendar object: %w", err)
	}
	return evt, nil
}

// UpdateEvent overwrites the stored VEVENT for evt.ID.
func (c *Client) UpdateEvent(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		return fmt.Errorf("update event: missing event id")
	}
	cal := eventToCalendar(evt)
	path := c.calendarPath + evt.ID + ".ics"
	_, err := c.caldav.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return fmt.Errorf("put calendar object: %w", err)
	}
	return nil
}

// DeleteEvent removes the VEVENT identified by eventID.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	path := c.calendarPath + eventID + ".ics"
	if err := c.caldav.RemoveAll(ctx, path); err != nil {
		return fmt.Errorf("remove calendar object: %w", err)
	}
	return nil
}

func eventToCalendar(evt Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//aimanager//external-calendar//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, evt.ID)
	vevent.Props.SetText(ical.PropSummary, evt.Title)
	if evt.Description != "" {
		vevent.Props.SetText(ical.PropDescription, evt.Description)
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStart, evt.Start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, evt.End)

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

func eventFromCalendarObject(obj caldav.CalendarObject) (Event, error) {
	if obj.Data == nil {
		return Event{}, fmt.Errorf("calendar object has no data")
	}
	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		vevent := ical.Event{Component: child}
		evt := Event{}
		if uid, err := vevent.Props.Text(ical.PropUID); err == nil {
			evt.ID = uid
		}
		if summary, err := vevent.Props.Text(ical.PropSummary); err == nil {
			evt.Title = summary
		}
		if desc, err := vevent.Props.Text(ical.PropDescription); err == nil {
			evt.Description = desc
		}
		if start, err := vevent.Props.DateTime(ical.PropDateTimeStart, time.UTC); err == nil {
			evt.Start = start
		}
		if end, err := vevent.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil {
			evt.End = end
		}
		return evt, nil
	}
	return Event{}, fmt.Errorf("calendar object has no VEVENT")
}
