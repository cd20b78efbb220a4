package storage

import (
	"context"
	"errors"
	"time"

	"majordomo/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the services. Implementations must
// be safe for concurrent use.
type Store interface {
	TaskStore
	ReminderStore
	InterestStore
	HeartbeatLogStore
	CalendarStore
	MoodStore

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Nested WithTx calls are not supported.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error

	// ListOverdueTasks returns non-terminal tasks with due_date < before,
	// oldest due date first.
	ListOverdueTasks(ctx context.Context, before time.Time) ([]model.Task, error)
	// ListTasksDueBetween returns non-terminal tasks with
	// start <= due_date < end, ordered by due date.
	ListTasksDueBetween(ctx context.Context, start, end time.Time) ([]model.Task, error)
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error)
	// CountBacklog counts todo tasks without a due date.
	CountBacklog(ctx context.Context) (int, error)
	// ListCompletedRecurring returns done tasks with a recurrence rule that
	// have no non-cancelled successor (only the tip of a chain regenerates).
	ListCompletedRecurring(ctx context.Context) ([]model.Task, error)
	// MostRecentInProgress returns the in-progress task with the latest
	// updated_at, or ErrNotFound.
	MostRecentInProgress(ctx context.Context) (*model.Task, error)
}

type ReminderStore interface {
	CreateReminder(ctx context.Context, r *model.Reminder) error
	GetReminder(ctx context.Context, id int64) (*model.Reminder, error)
	// ListTaskReminders returns reminders attached to a task;
	// undeliveredOnly filters out delivered ones.
	ListTaskReminders(ctx context.Context, taskID int64, undeliveredOnly bool) ([]model.Reminder, error)
	// DeleteUndeliveredAutoReminders removes undelivered auto-created
	// reminders for the task. Manual reminders are never touched.
	DeleteUndeliveredAutoReminders(ctx context.Context, taskID int64) (int64, error)
	// ListDueReminders returns undelivered reminders with remind_at <= asOf.
	ListDueReminders(ctx context.Context, asOf time.Time) ([]model.Reminder, error)
	// ListRemindersBetween returns undelivered reminders with
	// start <= remind_at < end, ordered by remind_at.
	ListRemindersBetween(ctx context.Context, start, end time.Time) ([]model.Reminder, error)
	MarkReminderDelivered(ctx context.Context, id int64) error
}

type InterestStore interface {
	CreateInterest(ctx context.Context, i *model.Interest) error
	// ListActiveInterests returns active interests ordered by priority
	// (high first) then staleness (never-checked first, then oldest check).
	ListActiveInterests(ctx context.Context) ([]model.Interest, error)
	MarkInterestChecked(ctx context.Context, id int64, at time.Time) error
}

type HeartbeatLogStore interface {
	// AppendHeartbeatLog appends one entry. The log is append-only.
	AppendHeartbeatLog(ctx context.Context, e *model.HeartbeatLogEntry) error
	// HasHeartbeatKeySince reports whether dedup_key was logged at or after
	// since.
	HasHeartbeatKeySince(ctx context.Context, key string, since time.Time) (bool, error)
	ListRecentHeartbeatLogs(ctx context.Context, limit int) ([]model.HeartbeatLogEntry, error)
}

type MoodStore interface {
	// UpsertMood records a mood for its date, replacing the day's existing
	// entry. The chat front end is the writer; an empty note keeps the old
	// one on replace.
	UpsertMood(ctx context.Context, m *model.MoodEntry) error
	// ListMoodSince returns entries with date >= since, newest first.
	ListMoodSince(ctx context.Context, since time.Time) ([]model.MoodEntry, error)
}

type CalendarStore interface {
	// UpsertCalendarEvent inserts or updates the projection row keyed by
	// the external event id.
	UpsertCalendarEvent(ctx context.Context, ev *model.CalendarEvent) error
	// ListCalendarEventsBetween returns events whose start falls in
	// [start, end), ordered by start time.
	ListCalendarEventsBetween(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error)
}
