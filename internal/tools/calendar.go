package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/httpkit"
)

// CalendarClient talks CalDAV to the user's calendar server. The
// collection path is discovered on first use and cached.
type CalendarClient struct {
	cfg        config.CalendarConfig
	client     *caldav.Client
	collection string
}

// NewCalendarClient creates a CalDAV client from config. It does not
// connect; discovery happens on first use.
func NewCalendarClient(cfg config.CalendarConfig) (*CalendarClient, error) {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(20 * time.Second),
		httpkit.WithRetry(2, time.Second),
	}
	if cfg.InsecureTLS {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	httpClient := httpkit.NewClient(opts...)

	var authed webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		authed = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(authed, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	return &CalendarClient{cfg: cfg, client: client, collection: cfg.Collection}, nil
}

// findCollection resolves the calendar collection path, preferring the
// configured one.
func (c *CalendarClient) findCollection(ctx context.Context) (string, error) {
	if c.collection != "" {
		return c.collection, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home: %w", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	if len(calendars) == 0 {
		return "", fmt.Errorf("no calendars found on server")
	}
	c.collection = calendars[0].Path
	return c.collection, nil
}

// Event is one calendar entry in the queried range.
type Event struct {
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
}

// ListEvents returns events between start and end, sorted by start
// time.
func (c *CalendarClient) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	collection, err := c.findCollection(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, collection, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, e := range obj.Data.Events() {
			ev := Event{}
			ev.Summary, _ = e.Props.Text(ical.PropSummary)
			ev.Location, _ = e.Props.Text(ical.PropLocation)
			ev.Start, _ = e.DateTimeStart(time.Local)
			ev.End, _ = e.DateTimeEnd(time.Local)
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

// CreateEvent adds a new event to the calendar.
func (c *CalendarClient) CreateEvent(ctx context.Context, summary string, start, end time.Time) error {
	collection, err := c.findCollection(ctx)
	if err != nil {
		return err
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uid: %w", err)
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid.String())
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//concierge//calendar//EN")
	cal.Children = append(cal.Children, event.Component)

	path := strings.TrimRight(collection, "/") + "/" + uid.String() + ".ics"
	if _, err := c.client.PutCalendarObject(ctx, path, cal); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// Calendar returns the calendar tool backed by client.
func Calendar(client *CalendarClient) *Tool {
	return &Tool{
		Name:        "calendar",
		Description: "List upcoming calendar events, or create a new one. Actions: 'list' (default) shows events in the next days; 'create' adds an event.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "Either 'list' or 'create' (default 'list')",
				},
				"days": map[string]any{
					"type":        "integer",
					"description": "For list: how many days ahead to look (default 7)",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "For create: the event title",
				},
				"start": map[string]any{
					"type":        "string",
					"description": "For create: start time, RFC 3339 (e.g., 2026-09-01T15:00:00+02:00)",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "For create: end time, RFC 3339; defaults to one hour after start",
				},
			},
		},
		Suggestion: "check the CalDAV url and credentials in the calendar section of config.yaml",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			action, _ := args["action"].(string)
			if action == "create" {
				return calendarCreate(ctx, client, args)
			}
			return calendarList(ctx, client, args)
		},
	}
}

func calendarList(ctx context.Context, client *CalendarClient, args map[string]any) (string, error) {
	days := 7
	if v, ok := args["days"].(float64); ok && v > 0 {
		days = int(v)
	}

	now := time.Now()
	events, err := client.ListEvents(ctx, now, now.AddDate(0, 0, days))
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No events in the next %d days.", days), nil
	}

	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s: %s", e.Start.Format("Mon Jan 2 15:04"), e.Summary)
		if e.Location != "" {
			fmt.Fprintf(&b, " (%s)", e.Location)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func calendarCreate(ctx context.Context, client *CalendarClient, args map[string]any) (string, error) {
	summary, _ := args["summary"].(string)
	if summary == "" {
		return "", fmt.Errorf("summary is required to create an event")
	}
	startStr, _ := args["start"].(string)
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return "", fmt.Errorf("start must be RFC 3339: %w", err)
	}

	end := start.Add(time.Hour)
	if endStr, ok := args["end"].(string); ok && endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return "", fmt.Errorf("end must be RFC 3339: %w", err)
		}
	}

	if err := client.CreateEvent(ctx, summary, start, end); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created %q on %s.", summary, start.Format("Mon Jan 2 15:04")), nil
}
