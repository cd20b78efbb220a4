package heartbeat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/services/agenda"
	"majordomo/internal/services/dedup"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

type captureSender struct {
	sent []string
	err  error
}

func (s *captureSender) Send(ctx context.Context, message string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, message)
	return nil
}

type fixture struct {
	store  storage.Store
	sender *captureSender
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T, cfg Config, decider Decider, now time.Time) *fixture {
	t.Helper()
	return newFixtureInZone(t, cfg, decider, now, time.UTC)
}

func newFixtureInZone(t *testing.T, cfg Config, decider Decider, now time.Time, loc *time.Location) *fixture {
	t.Helper()
	store := storage.NewMemory()
	clock := func() time.Time { return now }

	gate := dedup.New(store, logx.Nop())
	gate.SetClock(clock)
	ag := agenda.New(store, logx.Nop(), loc)
	ag.SetClock(clock)
	sender := &captureSender{}

	eng := New(store, gate, ag, sender, decider, cfg, loc, logx.Nop())
	eng.SetClock(clock)
	return &fixture{store: store, sender: sender, engine: eng, now: now}
}

func (f *fixture) addOverdueTask(t *testing.T, title string, age time.Duration) *model.Task {
	t.Helper()
	due := f.now.Add(-age)
	task := &model.Task{Title: title, DueDate: &due}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (f *fixture) addDueInterest(t *testing.T, topic string) *model.Interest {
	t.Helper()
	i := &model.Interest{Topic: topic, Priority: 2, CheckEvery: time.Hour, Active: true}
	if err := f.store.CreateInterest(context.Background(), i); err != nil {
		t.Fatalf("CreateInterest: %v", err)
	}
	return i
}

func logEntries(t *testing.T, store storage.Store) []model.HeartbeatLogEntry {
	t.Helper()
	entries, err := store.ListRecentHeartbeatLogs(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListRecentHeartbeatLogs: %v", err)
	}
	return entries
}

func TestRunNudgesOverdueOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)
	f := newFixture(t, Config{Enabled: true, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)

	a := f.addOverdueTask(t, "call plumber", 48*time.Hour)
	b := f.addOverdueTask(t, "renew passport", 24*time.Hour)

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Both tasks ride one combined message.
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}

	entries := logEntries(t, f.store)
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want one notify per task", len(entries))
	}
	keys := map[string]bool{}
	for _, e := range entries {
		if e.ActionType != model.ActionNotify || !e.Notified {
			t.Fatalf("entry %+v: want a notified notify action", e)
		}
		keys[e.DedupKey] = true
	}
	for _, id := range []int64{a.ID, b.ID} {
		if !keys[dedup.TaskNudgeKey(id)] {
			t.Fatalf("missing nudge log for task %d (keys %v)", id, keys)
		}
	}

	// Second cycle inside the window sends nothing and logs nothing new.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("repeat nudge sent inside dedup window (%d sends)", len(f.sender.sent))
	}
	if got := len(logEntries(t, f.store)); got != 2 {
		t.Fatalf("suppressed cycle grew the log to %d entries", got)
	}
}

func TestRunQuietHours(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.Local) // before wake
	f := newFixture(t, Config{Enabled: true, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)

	f.addOverdueTask(t, "call plumber", 24*time.Hour)
	interest := f.addDueInterest(t, "local news")

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("sent %d messages during quiet hours", len(f.sender.sent))
	}

	// Research still runs and is logged; the interest is marked checked.
	var sawResearch bool
	for _, e := range logEntries(t, f.store) {
		if e.ActionType == model.ActionNotify {
			t.Fatalf("notify logged during quiet hours: %+v", e)
		}
		if e.ActionType == model.ActionResearch && e.DedupKey == dedup.InterestCheckKey(interest.ID) {
			sawResearch = true
		}
	}
	if !sawResearch {
		t.Fatal("interest research not logged during quiet hours")
	}

	interests, err := f.store.ListActiveInterests(ctx)
	if err != nil {
		t.Fatalf("ListActiveInterests: %v", err)
	}
	if interests[0].LastCheckedAt == nil || !interests[0].LastCheckedAt.Equal(now) {
		t.Fatalf("interest not marked checked: %+v", interests[0].LastCheckedAt)
	}

	// After wake the same nudge goes out: quiet suppression must not have
	// consumed the dedup key.
	awake := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	f2 := newFixtureSharingStore(t, f, Config{Enabled: true, WakeHour: 9}, awake)
	if err := f2.engine.Run(ctx); err != nil {
		t.Fatalf("Run after wake: %v", err)
	}
	if len(f2.sender.sent) != 1 {
		t.Fatalf("nudge after wake sent %d messages, want 1", len(f2.sender.sent))
	}
}

// newFixtureSharingStore rebuilds the engine stack over an existing store at
// a different clock time.
func newFixtureSharingStore(t *testing.T, prev *fixture, cfg Config, now time.Time) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	gate := dedup.New(prev.store, logx.Nop())
	gate.SetClock(clock)
	ag := agenda.New(prev.store, logx.Nop(), time.UTC)
	ag.SetClock(clock)
	sender := &captureSender{}
	eng := New(prev.store, gate, ag, sender, &RuleDecider{Log: logx.Nop()}, cfg, time.UTC, logx.Nop())
	eng.SetClock(clock)
	return &fixture{store: prev.store, sender: sender, engine: eng, now: now}
}

// capDecider pushes n separate notifications through the cycle and records
// the error of each attempt.
type capDecider struct {
	n    int
	errs []error
}

func (d *capDecider) Decide(ctx context.Context, cy *Cycle, cx *Context) error {
	for i := 0; i < d.n; i++ {
		err := cy.Notify(ctx, "ping", 24*time.Hour, Action{
			Key:     dedup.TaskNudgeKey(int64(i + 1)),
			Summary: "ping",
		})
		d.errs = append(d.errs, err)
	}
	return nil
}

func TestNotifyCapLogsSkips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)
	dec := &capDecider{n: 3}
	f := newFixture(t, Config{Enabled: true, WakeHour: 9, MaxNotifications: 1}, dec, now)

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages with a cap of 1", len(f.sender.sent))
	}
	if dec.errs[0] != nil {
		t.Fatalf("first notify failed: %v", dec.errs[0])
	}
	for i, err := range dec.errs[1:] {
		if !errors.Is(err, ErrSuppressed) {
			t.Fatalf("overflow notify %d: got %v, want ErrSuppressed", i+2, err)
		}
	}

	var skips, notifies int
	for _, e := range logEntries(t, f.store) {
		switch e.ActionType {
		case model.ActionSkip:
			skips++
		case model.ActionNotify:
			notifies++
		}
	}
	if notifies != 1 || skips != 2 {
		t.Fatalf("log has %d notifies and %d skips, want 1 and 2", notifies, skips)
	}
}

func TestRunDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)
	f := newFixture(t, Config{Enabled: false, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)
	f.addOverdueTask(t, "ignored", time.Hour)

	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.sender.sent) != 0 || len(logEntries(t, f.store)) != 0 {
		t.Fatal("disabled engine acted")
	}
}

func TestContextRenderMarksUnavailable(t *testing.T) {
	t.Parallel()
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	cx := &Context{
		Now:     time.Date(2026, 3, 2, 7, 30, 0, 0, time.Local),
		Overdue: Section[[]model.Task]{Err: errors.New("db locked")},
		DueSoon: Section[[]model.Task]{Data: []model.Task{{ID: 4, Title: "send invoice", DueDate: &due}}},
	}

	out := cx.Render()
	if !strings.Contains(out, "Overdue tasks: unavailable") {
		t.Fatalf("failed section not marked unavailable:\n%s", out)
	}
	if !strings.Contains(out, "#4 send invoice") {
		t.Fatalf("present section missing:\n%s", out)
	}
	if cx.Overdue.Present() {
		t.Fatal("section with error reported Present")
	}
	if !cx.DueSoon.Present() {
		t.Fatal("populated section not Present")
	}
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)
	f := newFixture(t, Config{Enabled: false, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)
	f.addOverdueTask(t, "call plumber", time.Hour)

	f.engine.Apply(Config{Enabled: true, WakeHour: 9})
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("applied config not used: %d sends", len(f.sender.sent))
	}
}

func TestQuietHoursFollowConfiguredZone(t *testing.T) {
	t.Parallel()
	// 00:30 UTC is 09:30 in UTC+9: awake in one zone, asleep in the other.
	now := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		loc      *time.Location
		wantSent int
	}{
		{name: "awake in configured zone", loc: time.FixedZone("UTC+9", 9*3600), wantSent: 1},
		{name: "asleep in configured zone", loc: time.UTC, wantSent: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixtureInZone(t, Config{Enabled: true, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now, tt.loc)
			f.addOverdueTask(t, "write report", 48*time.Hour)
			if err := f.engine.Run(t.Context()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := len(f.sender.sent); got != tt.wantSent {
				t.Fatalf("sent %d notifications, want %d", got, tt.wantSent)
			}
		})
	}
}

type failingMoodSource struct{}

func (failingMoodSource) ListMoodSince(ctx context.Context, since time.Time) ([]model.MoodEntry, error) {
	return nil, errors.New("mood table locked")
}

func TestMoodFailureDoesNotFailCycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{Enabled: true, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)
	f.engine.mood = failingMoodSource{}
	f.addOverdueTask(t, "renew passport", 48*time.Hour)

	if err := f.engine.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(f.sender.sent); got != 1 {
		t.Fatalf("sent %d notifications, want 1", got)
	}
	cx := f.engine.buildContext(t.Context(), "c1", now, 9)
	if strings.Contains(cx.Render(), "Recent mood") {
		t.Fatal("render should omit the mood section when the fetch fails")
	}
}

func TestContextIncludesRecentMood(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{Enabled: true, WakeHour: 9}, &RuleDecider{Log: logx.Nop()}, now)
	entry := &model.MoodEntry{Date: now.Add(-24 * time.Hour), Score: 4, Note: "good run"}
	if err := f.store.UpsertMood(t.Context(), entry); err != nil {
		t.Fatalf("UpsertMood: %v", err)
	}
	stale := &model.MoodEntry{Date: now.Add(-10 * 24 * time.Hour), Score: 1, Note: "rough week"}
	if err := f.store.UpsertMood(t.Context(), stale); err != nil {
		t.Fatalf("UpsertMood: %v", err)
	}

	out := f.engine.buildContext(t.Context(), "c1", now, 9).Render()
	if !strings.Contains(out, "Recent mood") || !strings.Contains(out, "4/5 (good run)") {
		t.Fatalf("render missing mood section:\n%s", out)
	}
	if strings.Contains(out, "rough week") {
		t.Fatalf("render should drop entries outside the lookback:\n%s", out)
	}
}
