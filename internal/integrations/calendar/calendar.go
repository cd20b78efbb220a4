// Package calendar syncs a Google calendar into the local read-only event
// projection. The daemon never creates or edits remote events; write
// operations belong to the agent tool layer.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"majordomo/internal/model"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

// Sync window relative to now.
const (
	lookBehind = 24 * time.Hour
	lookAhead  = 14 * 24 * time.Hour
)

type Config struct {
	Enabled bool
	// CredentialsFile is the OAuth client secret JSON.
	CredentialsFile string
	// TokenFile holds a previously authorized token. The daemon is
	// headless; obtaining the first token is an out-of-band step.
	TokenFile  string
	CalendarID string // empty means "primary"
}

type Client struct {
	srv        *gcal.Service
	store      storage.CalendarStore
	calendarID string
	loc        *time.Location
	log        logx.Logger
	now        func() time.Time
}

func New(ctx context.Context, cfg Config, store storage.CalendarStore, loc *time.Location, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	oc, err := google.ConfigFromJSON(creds, gcal.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token (authorize out-of-band first): %w", err)
	}
	srv, err := gcal.NewService(ctx, option.WithHTTPClient(oc.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	id := cfg.CalendarID
	if id == "" {
		id = "primary"
	}
	return &Client{srv: srv, store: store, calendarID: id, loc: loc, log: log, now: time.Now}, nil
}

// SetClock overrides the client clock. Tests only.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// Sync pulls events around now and upserts them into the projection. A
// failed pull skips the tick; it is the caller's job to log and move on.
func (c *Client) Sync(ctx context.Context) error {
	now := c.now()
	min := now.Add(-lookBehind)
	max := now.Add(lookAhead)

	call := c.srv.Events.List(c.calendarID).
		TimeMin(min.Format(time.RFC3339)).
		TimeMax(max.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)
	events, err := call.Do()
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	synced := 0
	for _, item := range events.Items {
		ev, err := c.convert(item, now)
		if err != nil {
			c.log.Warn("skipping calendar event", logx.String("event", item.Id), logx.Err(err))
			continue
		}
		if err := c.store.UpsertCalendarEvent(ctx, ev); err != nil {
			return fmt.Errorf("upsert event %s: %w", item.Id, err)
		}
		synced++
	}
	c.log.Debug("calendar synced", logx.Int("events", synced))
	return nil
}

// convert maps an API event to the projection row. Timestamps become naive
// local values in the process location; all-day events span local midnights.
func (c *Client) convert(item *gcal.Event, now time.Time) (*model.CalendarEvent, error) {
	start, err := c.parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := c.parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	title := item.Summary
	if title == "" {
		title = "(untitled)"
	}
	return &model.CalendarEvent{
		ExternalID: item.Id,
		Title:      title,
		StartTime:  start,
		EndTime:    end,
		SyncedAt:   now,
	}, nil
}

func (c *Client) parseEventTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, errors.New("missing time")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(c.loc), nil
	}
	if dt.Date != "" {
		// All-day event.
		return time.ParseInLocation("2006-01-02", dt.Date, c.loc)
	}
	return time.Time{}, errors.New("missing time")
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return tok, nil
}
