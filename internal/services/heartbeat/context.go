package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/services/agenda"
	"majordomo/pkg/logx"
)

// Section is one best-effort slice of cycle context. A failed fetch is
// carried as Err and rendered as unavailable; it never fails the cycle.
type Section[T any] struct {
	Data T
	Err  error
}

func (s Section[T]) Present() bool { return s.Err == nil }

func section[T any](data T, err error) Section[T] {
	return Section[T]{Data: data, Err: err}
}

// Context is the situational snapshot handed to the decision procedure.
type Context struct {
	CycleID    string
	Now        time.Time
	QuietHours bool

	Agenda        Section[*agenda.Report]
	Overdue       Section[[]model.Task]
	DueSoon       Section[[]model.Task]
	InProgress    Section[[]model.Task]
	RecentActions Section[[]model.HeartbeatLogEntry]
	Mood          Section[[]model.MoodEntry]

	// DueInterests are the interests identified as due for this cycle,
	// ordered by priority then staleness. They are marked checked when the
	// cycle ends regardless of what the decider did with them.
	DueInterests []model.Interest
}

func (e *Engine) buildContext(ctx context.Context, cycleID string, now time.Time, wakeHour int) *Context {
	cx := &Context{
		CycleID: cycleID,
		Now:     now,
		// Quiet hours follow the configured zone, not the clock's.
		QuietHours: now.In(e.loc).Hour() < wakeHour,
	}

	cx.Agenda = section(e.agenda.ForDate(ctx, now))
	cx.Overdue = section(e.store.ListOverdueTasks(ctx, now))
	cx.DueSoon = section(e.store.ListTasksDueBetween(ctx, now, now.Add(24*time.Hour)))
	cx.InProgress = section(e.store.ListTasksByStatus(ctx, model.StatusInProgress))
	cx.RecentActions = section(e.gate.Recent(ctx, recentActionLimit))
	cx.Mood = section(e.mood.ListMoodSince(ctx, now.Add(-moodLookback)))

	for name, err := range map[string]error{
		"agenda":         cx.Agenda.Err,
		"overdue":        cx.Overdue.Err,
		"due_soon":       cx.DueSoon.Err,
		"in_progress":    cx.InProgress.Err,
		"recent_actions": cx.RecentActions.Err,
		"mood":           cx.Mood.Err,
	} {
		if err != nil {
			e.log.Warn("context section unavailable",
				logx.String("cycle", cycleID), logx.String("section", name), logx.Err(err))
		}
	}
	return cx
}

// Render formats the context for the decision layer. Unavailable sections
// are stated as such rather than silently dropped.
func (c *Context) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", c.Now.Format("Mon Jan 2 15:04"))
	if c.QuietHours {
		b.WriteString("Quiet hours: notifications are suppressed\n")
	}

	if !c.Agenda.Present() {
		b.WriteString("\nAgenda: unavailable\n")
	} else if c.Agenda.Data != nil && !c.Agenda.Data.Empty() {
		b.WriteString("\n" + c.Agenda.Data.Render() + "\n")
	}

	renderTasks(&b, "Overdue tasks", c.Overdue)
	renderTasks(&b, "Due within 24h", c.DueSoon)
	renderTasks(&b, "In progress", c.InProgress)

	// Mood is the one section a failure drops outright instead of marking
	// unavailable; it is color, not state the decider acts on.
	if c.Mood.Present() && len(c.Mood.Data) > 0 {
		b.WriteString("\nRecent mood\n")
		for _, m := range c.Mood.Data {
			fmt.Fprintf(&b, "  %s: %d/5", m.Date.Format("Jan 2"), m.Score)
			if m.Note != "" {
				fmt.Fprintf(&b, " (%s)", m.Note)
			}
			b.WriteByte('\n')
		}
	}

	if !c.RecentActions.Present() {
		b.WriteString("\nRecent actions: unavailable\n")
	} else if len(c.RecentActions.Data) > 0 {
		b.WriteString("\nRecent actions\n")
		for _, a := range c.RecentActions.Data {
			fmt.Fprintf(&b, "  %s %s %s\n", a.CreatedAt.Format("01-02 15:04"), a.ActionType, a.Summary)
		}
	}

	if len(c.DueInterests) > 0 {
		b.WriteString("\nInterests due for a check\n")
		for _, i := range c.DueInterests {
			fmt.Fprintf(&b, "  [p%d] %s\n", i.Priority, i.Topic)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTasks(b *strings.Builder, title string, s Section[[]model.Task]) {
	if !s.Present() {
		fmt.Fprintf(b, "\n%s: unavailable\n", title)
		return
	}
	if len(s.Data) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for _, t := range s.Data {
		if t.DueDate != nil {
			fmt.Fprintf(b, "  #%d %s (due %s)\n", t.ID, t.Title, t.DueDate.Format("Jan 2 15:04"))
		} else {
			fmt.Fprintf(b, "  #%d %s\n", t.ID, t.Title)
		}
	}
}
