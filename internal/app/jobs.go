package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"majordomo/internal/config"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

// Stable job names; registration upserts by name so register is safe to
// call again after a config reload.
const (
	jobDeliverReminders = "reminders.deliver"
	jobRecurringSweep   = "recurring.sweep"
	jobCalendarSync     = "calendar.sync"
	jobHeartbeat        = "heartbeat.cycle"
	jobMorningSummary   = "summary.morning"
	jobEveningReview    = "summary.evening"
)

const (
	deliverEvery     = time.Minute
	sweepEvery       = 5 * time.Minute
	calendarEvery    = 30 * time.Minute
	defaultHeartbeat = 30 * time.Minute
	eveningAt        = "21:00"
)

type jobSet struct {
	app *App
	log logx.Logger
}

func newJobSet(a *App) *jobSet {
	return &jobSet{app: a, log: a.log.With(logx.String("comp", "jobs"))}
}

func (j *jobSet) register(cfg *config.Config) error {
	a := j.app

	if err := a.sched.AddInterval(jobDeliverReminders, deliverEvery, 30*time.Second, func(ctx context.Context) error {
		return a.rems.DeliverDue(ctx, a.notif)
	}); err != nil {
		return err
	}

	if err := a.sched.AddInterval(jobRecurringSweep, sweepEvery, time.Minute, func(ctx context.Context) error {
		_, err := a.gen.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	if a.cal != nil {
		if err := a.sched.AddInterval(jobCalendarSync, calendarEvery, 2*time.Minute, func(ctx context.Context) error {
			return a.cal.Sync(ctx)
		}); err != nil {
			return err
		}
	}

	beatEvery, err := config.Duration("heartbeat.interval", cfg.Heartbeat.Interval, defaultHeartbeat)
	if err != nil {
		return err
	}
	if err := a.sched.AddInterval(jobHeartbeat, beatEvery, 5*time.Minute, a.beat.Run); err != nil {
		return err
	}

	morningAt := fmt.Sprintf("%02d:00", cfg.Heartbeat.WakeHour)
	if err := a.sched.AddDaily(jobMorningSummary, morningAt, time.Minute, j.morningSummary); err != nil {
		return err
	}
	if err := a.sched.AddDaily(jobEveningReview, eveningAt, time.Minute, j.eveningReview); err != nil {
		return err
	}

	j.log.Debug("jobs registered",
		logx.Duration("heartbeat_every", beatEvery), logx.String("morning_at", morningAt))
	return nil
}

// morningSummary pushes today's agenda at wake time. An empty agenda sends
// nothing.
func (j *jobSet) morningSummary(ctx context.Context) error {
	rep, err := j.app.ag.Today(ctx)
	if err != nil {
		return err
	}
	if rep.Empty() {
		j.log.Debug("morning summary skipped, nothing on the agenda")
		return nil
	}
	return j.notify(ctx, "Good morning.\n\n"+rep.Render())
}

// eveningReview previews tomorrow and names the task left in progress.
func (j *jobSet) eveningReview(ctx context.Context) error {
	a := j.app
	rep, err := a.ag.ForDate(ctx, time.Now().In(a.loc).Add(24*time.Hour))
	if err != nil {
		return err
	}

	msg := "End of day."
	current, err := a.store.MostRecentInProgress(ctx)
	switch {
	case err == nil:
		msg += fmt.Sprintf("\nStill in progress: #%d %s", current.ID, current.Title)
	case errors.Is(err, storage.ErrNotFound):
		// nothing in progress
	default:
		return err
	}
	if !rep.Empty() {
		msg += "\n\nTomorrow:\n" + rep.Render()
	}
	return j.notify(ctx, msg)
}

func (j *jobSet) notify(ctx context.Context, msg string) error {
	err := j.app.notif.Notify(ctx, msg)
	if err != nil {
		// Delivery trouble degrades to a log line; the job itself succeeded.
		j.log.Warn("summary not queued", logx.Err(err))
	}
	return nil
}
