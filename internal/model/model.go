// Package model holds the persistent entities of the assistant core.
//
// Timestamps on tasks, reminders and calendar events are naive local values:
// they are stored without a zone and compared in the process timezone. Day
// windows must therefore always be computed in that one location.
package model

import "time"

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

type Task struct {
	ID          int64
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	DueDate     *time.Time
	// RecurrenceRule is an RFC 5545 RRULE body ("FREQ=WEEKLY;BYDAY=MO").
	// Empty means the task does not recur.
	RecurrenceRule string
	// RecurrenceSourceID links a generated instance back to the completed
	// task it was derived from. Audit/propagation only, never a cascade.
	RecurrenceSourceID *int64
	ParentID           *int64
	ProjectID          *int64
	ContactID          *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (t *Task) Recurring() bool { return t.RecurrenceRule != "" }

type Reminder struct {
	ID int64
	// TaskID is a weak reference; a reminder may outlive its task.
	TaskID   *int64
	Message  string
	RemindAt time.Time
	// Delivered is set only after the transport confirmed the send.
	Delivered bool
	// AutoCreated marks reminders derived from a task due date. The
	// lifecycle manager only ever touches auto-created reminders.
	AutoCreated bool
	CreatedAt   time.Time
}

// Interest is a topic the heartbeat checks on a cadence.
type Interest struct {
	ID          int64
	Topic       string
	Description string
	Priority    int // 1-3, higher checks first
	CheckEvery  time.Duration
	// LastCheckedAt is written only by the heartbeat cycle.
	LastCheckedAt *time.Time
	Active        bool
	CreatedAt     time.Time
}

// Due reports whether the interest should be checked at now.
func (i *Interest) Due(now time.Time) bool {
	if !i.Active {
		return false
	}
	if i.LastCheckedAt == nil {
		return true
	}
	return !now.Before(i.LastCheckedAt.Add(i.CheckEvery))
}

// MoodEntry is one self-reported mood, at most one per calendar day. The
// heartbeat reads recent entries as cycle context; it never writes them.
type MoodEntry struct {
	ID int64
	// Date is the day the entry belongs to, truncated to midnight.
	Date      time.Time
	Score     int // 1-5
	Note      string
	CreatedAt time.Time
}

// HeartbeatAction types recorded in the dedup log.
const (
	ActionResearch = "research"
	ActionNotify   = "notify"
	ActionSkip     = "skip"
)

// HeartbeatLogEntry is one row of the append-only action log. Entries are
// never updated or deleted; the log is the sole source of truth for
// "was X already done".
type HeartbeatLogEntry struct {
	ID         int64
	DedupKey   string
	ActionType string
	Summary    string
	InterestID *int64
	Notified   bool
	CreatedAt  time.Time
}

// CalendarEvent is a read-only projection of an external calendar entry.
type CalendarEvent struct {
	ID         int64
	ExternalID string
	Title      string
	StartTime  time.Time
	EndTime    time.Time
	SyncedAt   time.Time
}
