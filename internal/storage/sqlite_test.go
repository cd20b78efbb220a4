package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"majordomo/internal/model"
	"majordomo/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "majordomo.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	task := &model.Task{
		Title:          "Water plants",
		Description:    "kitchen and balcony",
		Priority:       model.PriorityHigh,
		DueDate:        &due,
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO",
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("CreateTask did not assign an id")
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != task.Title || got.Description != task.Description {
		t.Fatalf("got %+v", got)
	}
	if got.Status != model.StatusTodo {
		t.Fatalf("default status = %q, want todo", got.Status)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("due date %v, want %v (timestamp round-trip)", got.DueDate, due)
	}
	if got.RecurrenceRule != task.RecurrenceRule {
		t.Fatalf("recurrence rule lost: %q", got.RecurrenceRule)
	}

	got.Status = model.StatusDone
	if err := st.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	again, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if again.Status != model.StatusDone {
		t.Fatalf("status = %q after update", again.Status)
	}

	if _, err := st.GetTask(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestTaskDueQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	past := now.Add(-48 * time.Hour)
	older := now.Add(-96 * time.Hour)
	soon := now.Add(2 * time.Hour)

	for _, task := range []*model.Task{
		{Title: "overdue", DueDate: &past},
		{Title: "older overdue", DueDate: &older},
		{Title: "due soon", DueDate: &soon},
		{Title: "done overdue", Status: model.StatusDone, DueDate: &older},
		{Title: "backlog"},
	} {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%q): %v", task.Title, err)
		}
	}

	overdue, err := st.ListOverdueTasks(ctx, now)
	if err != nil {
		t.Fatalf("ListOverdueTasks: %v", err)
	}
	if len(overdue) != 2 {
		t.Fatalf("got %d overdue, want 2 (terminal excluded)", len(overdue))
	}
	if overdue[0].Title != "older overdue" {
		t.Fatalf("overdue[0] = %q, want oldest first", overdue[0].Title)
	}

	between, err := st.ListTasksDueBetween(ctx, now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListTasksDueBetween: %v", err)
	}
	if len(between) != 1 || between[0].Title != "due soon" {
		t.Fatalf("between = %+v", between)
	}

	backlog, err := st.CountBacklog(ctx)
	if err != nil {
		t.Fatalf("CountBacklog: %v", err)
	}
	if backlog != 1 {
		t.Fatalf("backlog = %d, want 1", backlog)
	}
}

func TestListCompletedRecurringSuccessorGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	src := &model.Task{Title: "Water plants", Status: model.StatusDone, DueDate: &due, RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO"}
	if err := st.CreateTask(ctx, src); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	done, err := st.ListCompletedRecurring(ctx)
	if err != nil {
		t.Fatalf("ListCompletedRecurring: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("got %d candidates, want 1", len(done))
	}

	nextDue := due.AddDate(0, 0, 7)
	srcID := src.ID
	succ := &model.Task{Title: "Water plants", DueDate: &nextDue, RecurrenceRule: src.RecurrenceRule, RecurrenceSourceID: &srcID}
	if err := st.CreateTask(ctx, succ); err != nil {
		t.Fatalf("CreateTask successor: %v", err)
	}

	done, err = st.ListCompletedRecurring(ctx)
	if err != nil {
		t.Fatalf("ListCompletedRecurring: %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("source with a live successor still a candidate: %+v", done)
	}

	// A cancelled successor does not block regeneration.
	succ.Status = model.StatusCancelled
	if err := st.UpdateTask(ctx, succ); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	done, err = st.ListCompletedRecurring(ctx)
	if err != nil {
		t.Fatalf("ListCompletedRecurring: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("cancelled successor blocks regeneration (%d candidates)", len(done))
	}
}

func TestMostRecentInProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.MostRecentInProgress(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: got %v, want ErrNotFound", err)
	}

	first := &model.Task{Title: "draft report", Status: model.StatusInProgress}
	second := &model.Task{Title: "review slides", Status: model.StatusInProgress}
	for _, task := range []*model.Task{first, second} {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	// Touch the first so it becomes the most recently updated.
	if err := st.UpdateTask(ctx, first); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := st.MostRecentInProgress(ctx)
	if err != nil {
		t.Fatalf("MostRecentInProgress: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("got task %d, want the last touched (%d)", got.ID, first.ID)
	}
}

func TestReminderQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	task := &model.Task{Title: "file taxes", DueDate: &due}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	taskID := task.ID

	auto := &model.Reminder{TaskID: &taskID, Message: "auto", RemindAt: due.Add(-time.Hour), AutoCreated: true}
	manual := &model.Reminder{TaskID: &taskID, Message: "manual", RemindAt: due.Add(-2 * time.Hour)}
	for _, r := range []*model.Reminder{auto, manual} {
		if err := st.CreateReminder(ctx, r); err != nil {
			t.Fatalf("CreateReminder: %v", err)
		}
	}

	n, err := st.DeleteUndeliveredAutoReminders(ctx, taskID)
	if err != nil {
		t.Fatalf("DeleteUndeliveredAutoReminders: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want just the auto reminder", n)
	}
	left, err := st.ListTaskReminders(ctx, taskID, false)
	if err != nil {
		t.Fatalf("ListTaskReminders: %v", err)
	}
	if len(left) != 1 || left[0].Message != "manual" {
		t.Fatalf("remaining = %+v, want only the manual reminder", left)
	}

	dueRems, err := st.ListDueReminders(ctx, due)
	if err != nil {
		t.Fatalf("ListDueReminders: %v", err)
	}
	if len(dueRems) != 1 {
		t.Fatalf("got %d due reminders, want 1", len(dueRems))
	}
	if err := st.MarkReminderDelivered(ctx, dueRems[0].ID); err != nil {
		t.Fatalf("MarkReminderDelivered: %v", err)
	}
	dueRems, err = st.ListDueReminders(ctx, due)
	if err != nil {
		t.Fatalf("ListDueReminders: %v", err)
	}
	if len(dueRems) != 0 {
		t.Fatalf("delivered reminder still listed as due")
	}
}

func TestHeartbeatLogDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	entry := &model.HeartbeatLogEntry{
		DedupKey:   "task_nudge_1",
		ActionType: model.ActionNotify,
		Summary:    "nudged overdue task",
		Notified:   true,
		CreatedAt:  base,
	}
	if err := st.AppendHeartbeatLog(ctx, entry); err != nil {
		t.Fatalf("AppendHeartbeatLog: %v", err)
	}

	ok, err := st.HasHeartbeatKeySince(ctx, "task_nudge_1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("HasHeartbeatKeySince: %v", err)
	}
	if !ok {
		t.Fatal("key inside window not found")
	}
	ok, err = st.HasHeartbeatKeySince(ctx, "task_nudge_1", base.Add(time.Second))
	if err != nil {
		t.Fatalf("HasHeartbeatKeySince: %v", err)
	}
	if ok {
		t.Fatal("key outside window reported present")
	}
	ok, err = st.HasHeartbeatKeySince(ctx, "task_nudge_2", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("HasHeartbeatKeySince: %v", err)
	}
	if ok {
		t.Fatal("unknown key reported present")
	}

	recent, err := st.ListRecentHeartbeatLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentHeartbeatLogs: %v", err)
	}
	if len(recent) != 1 || recent[0].DedupKey != "task_nudge_1" || !recent[0].Notified {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestUpsertCalendarEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	ev := &model.CalendarEvent{
		ExternalID: "ext-1",
		Title:      "Team sync",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		SyncedAt:   start,
	}
	if err := st.UpsertCalendarEvent(ctx, ev); err != nil {
		t.Fatalf("UpsertCalendarEvent: %v", err)
	}

	moved := *ev
	moved.Title = "Team sync (moved)"
	moved.StartTime = start.Add(time.Hour)
	moved.EndTime = start.Add(90 * time.Minute)
	if err := st.UpsertCalendarEvent(ctx, &moved); err != nil {
		t.Fatalf("UpsertCalendarEvent (update): %v", err)
	}

	events, err := st.ListCalendarEventsBetween(ctx, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListCalendarEventsBetween: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events for one external id, want 1", len(events))
	}
	if events[0].Title != "Team sync (moved)" || !events[0].StartTime.Equal(moved.StartTime) {
		t.Fatalf("update not applied: %+v", events[0])
	}
}

func TestInterestOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	checked := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	low := &model.Interest{Topic: "gardening", Priority: 1, CheckEvery: time.Hour, Active: true}
	highChecked := &model.Interest{Topic: "job market", Priority: 3, CheckEvery: time.Hour, Active: true, LastCheckedAt: &checked}
	highNever := &model.Interest{Topic: "local news", Priority: 3, CheckEvery: time.Hour, Active: true}
	inactive := &model.Interest{Topic: "dormant", Priority: 3, CheckEvery: time.Hour}
	for _, i := range []*model.Interest{low, highChecked, highNever, inactive} {
		if err := st.CreateInterest(ctx, i); err != nil {
			t.Fatalf("CreateInterest(%q): %v", i.Topic, err)
		}
	}

	got, err := st.ListActiveInterests(ctx)
	if err != nil {
		t.Fatalf("ListActiveInterests: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d interests, want inactive excluded", len(got))
	}
	wantOrder := []string{"local news", "job market", "gardening"}
	for i, topic := range wantOrder {
		if got[i].Topic != topic {
			t.Fatalf("order[%d] = %q, want %q", i, got[i].Topic, topic)
		}
	}

	at := checked.AddDate(0, 0, 1)
	if err := st.MarkInterestChecked(ctx, highNever.ID, at); err != nil {
		t.Fatalf("MarkInterestChecked: %v", err)
	}
	got, err = st.ListActiveInterests(ctx)
	if err != nil {
		t.Fatalf("ListActiveInterests: %v", err)
	}
	if got[0].Topic != "job market" {
		t.Fatalf("stalest high-priority interest not first: %+v", got[0])
	}
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateTask(ctx, &model.Task{Title: "ghost"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want the callback error", err)
	}

	tasks, err := st.ListTasksByStatus(ctx, model.StatusTodo)
	if err != nil {
		t.Fatalf("ListTasksByStatus: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rolled-back insert visible: %+v", tasks)
	}
}

func TestMoodUpsertAndHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 17, 45, 0, 0, time.UTC)
	first := &model.MoodEntry{Date: day, Score: 2, Note: "slow start"}
	if err := st.UpsertMood(ctx, first); err != nil {
		t.Fatalf("UpsertMood: %v", err)
	}
	if got := first.Date; got.Hour() != 0 || got.Day() != 1 {
		t.Fatalf("date not truncated to midnight: %v", got)
	}

	// Same day again: the entry is replaced, an empty note keeps the old one.
	second := &model.MoodEntry{Date: day.Add(2 * time.Hour), Score: 4}
	if err := st.UpsertMood(ctx, second); err != nil {
		t.Fatalf("UpsertMood: %v", err)
	}
	older := &model.MoodEntry{Date: day.Add(-48 * time.Hour), Score: 3, Note: "ok"}
	if err := st.UpsertMood(ctx, older); err != nil {
		t.Fatalf("UpsertMood: %v", err)
	}

	got, err := st.ListMoodSince(ctx, day.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListMoodSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0].Score != 4 || got[0].Note != "slow start" {
		t.Fatalf("entry = score %d note %q, want score 4 note \"slow start\"", got[0].Score, got[0].Note)
	}

	all, err := st.ListMoodSince(ctx, day.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("ListMoodSince: %v", err)
	}
	if len(all) != 2 || !all[0].Date.After(all[1].Date) {
		t.Fatalf("want 2 entries newest first, got %+v", all)
	}

	if err := st.UpsertMood(ctx, &model.MoodEntry{Date: day, Score: 9}); err == nil {
		t.Fatal("out-of-range score should be rejected")
	}
}
