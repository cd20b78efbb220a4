package calendar

import (
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
)

func testClient() *Client {
	return &Client{loc: time.UTC, now: time.Now}
}

func TestParseEventTime(t *testing.T) {
	t.Parallel()
	c := testClient()

	got, err := c.parseEventTime(&gcal.EventDateTime{DateTime: "2026-03-02T10:00:00+02:00"})
	if err != nil {
		t.Fatalf("parseEventTime: %v", err)
	}
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, err = c.parseEventTime(&gcal.EventDateTime{Date: "2026-03-02"})
	if err != nil {
		t.Fatalf("parseEventTime (all-day): %v", err)
	}
	want = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("all-day start = %v, want local midnight %v", got, want)
	}

	for _, dt := range []*gcal.EventDateTime{nil, {}, {DateTime: "yesterday"}} {
		if _, err := c.parseEventTime(dt); err == nil {
			t.Fatalf("parseEventTime(%+v) accepted", dt)
		}
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()
	c := testClient()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	ev, err := c.convert(&gcal.Event{
		Id:      "ext-1",
		Summary: "Team sync",
		Start:   &gcal.EventDateTime{DateTime: "2026-03-02T10:00:00Z"},
		End:     &gcal.EventDateTime{DateTime: "2026-03-02T10:30:00Z"},
	}, now)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if ev.ExternalID != "ext-1" || ev.Title != "Team sync" {
		t.Fatalf("converted = %+v", ev)
	}
	if !ev.SyncedAt.Equal(now) {
		t.Fatalf("synced_at = %v", ev.SyncedAt)
	}
	if ev.EndTime.Sub(ev.StartTime) != 30*time.Minute {
		t.Fatalf("span = %v", ev.EndTime.Sub(ev.StartTime))
	}

	ev, err = c.convert(&gcal.Event{
		Id:    "ext-2",
		Start: &gcal.EventDateTime{Date: "2026-03-02"},
		End:   &gcal.EventDateTime{Date: "2026-03-03"},
	}, now)
	if err != nil {
		t.Fatalf("convert (all-day): %v", err)
	}
	if ev.Title != "(untitled)" {
		t.Fatalf("title = %q, want the placeholder", ev.Title)
	}

	if _, err := c.convert(&gcal.Event{Id: "ext-3"}, now); err == nil {
		t.Fatal("event without times accepted")
	}
}
