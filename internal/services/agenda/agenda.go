// Package agenda composes overdue tasks, calendar events, due-today tasks,
// reminders and the backlog count into one ordered report for a date.
package agenda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

type Service struct {
	store storage.Store
	log   logx.Logger
	loc   *time.Location
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, log: log, loc: loc, now: time.Now}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OverdueEntry annotates a task with whole days overdue.
type OverdueEntry struct {
	Task        model.Task
	DaysOverdue int
}

// Report holds the agenda sections in their fixed render order. Empty
// sections are omitted from the rendered output, never reordered.
type Report struct {
	Date      time.Time
	Overdue   []OverdueEntry
	Events    []model.CalendarEvent
	DueToday  []model.Task
	Reminders []model.Reminder
	Backlog   int
}

// ForDate builds the report for the day containing target, computed in the
// service's location. The day window and the overdue cutoff use the same
// location so the partition never disagrees around midnight.
func (s *Service) ForDate(ctx context.Context, target time.Time) (*Report, error) {
	dayStart := s.startOfDay(target)
	dayEnd := dayStart.Add(24 * time.Hour)
	now := s.now().In(s.loc)

	overdue, err := s.store.ListOverdueTasks(ctx, dayStart)
	if err != nil {
		return nil, fmt.Errorf("overdue tasks: %w", err)
	}
	events, err := s.store.ListCalendarEventsBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("calendar events: %w", err)
	}
	dueToday, err := s.store.ListTasksDueBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("tasks due: %w", err)
	}
	rems, err := s.store.ListRemindersBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("reminders: %w", err)
	}
	backlog, err := s.store.CountBacklog(ctx)
	if err != nil {
		return nil, fmt.Errorf("backlog count: %w", err)
	}

	rep := &Report{
		Date:      dayStart,
		Events:    events,
		DueToday:  dueToday,
		Reminders: rems,
		Backlog:   backlog,
	}
	for _, t := range overdue {
		days := int(now.Sub(*t.DueDate).Hours() / 24)
		if days < 0 {
			days = 0
		}
		rep.Overdue = append(rep.Overdue, OverdueEntry{Task: t, DaysOverdue: days})
	}
	return rep, nil
}

// Today is ForDate at the current time.
func (s *Service) Today(ctx context.Context) (*Report, error) {
	return s.ForDate(ctx, s.now())
}

func (s *Service) startOfDay(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// Render formats the report. Section order is fixed: Overdue, Events,
// Due Today, Reminders, backlog count. Empty sections are dropped.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agenda for %s\n", r.Date.Format("Monday, Jan 2"))

	if len(r.Overdue) > 0 {
		b.WriteString("\nOverdue\n")
		for _, e := range r.Overdue {
			fmt.Fprintf(&b, "  #%d %s (%dd overdue)\n", e.Task.ID, e.Task.Title, e.DaysOverdue)
		}
	}
	if len(r.Events) > 0 {
		b.WriteString("\nEvents\n")
		for _, ev := range r.Events {
			fmt.Fprintf(&b, "  %s-%s  %s\n",
				ev.StartTime.Format("15:04"), ev.EndTime.Format("15:04"), ev.Title)
		}
	}
	if len(r.DueToday) > 0 {
		b.WriteString("\nDue Today\n")
		for _, t := range r.DueToday {
			fmt.Fprintf(&b, "  #%d %s (%s)\n", t.ID, t.Title, t.DueDate.Format("15:04"))
		}
	}
	if len(r.Reminders) > 0 {
		b.WriteString("\nReminders\n")
		for _, rem := range r.Reminders {
			fmt.Fprintf(&b, "  %s #%d %s\n", rem.RemindAt.Format("15:04"), rem.ID, rem.Message)
		}
	}
	if r.Backlog > 0 {
		fmt.Fprintf(&b, "\n%d tasks in backlog\n", r.Backlog)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Empty reports whether the report has nothing to show.
func (r *Report) Empty() bool {
	return len(r.Overdue) == 0 && len(r.Events) == 0 &&
		len(r.DueToday) == 0 && len(r.Reminders) == 0 && r.Backlog == 0
}
