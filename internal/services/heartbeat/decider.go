package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/services/dedup"
	"majordomo/pkg/logx"
)

// RuleDecider is the built-in decision procedure: nudge overdue tasks once
// per window in a single combined message, and log a check for every due
// interest. An external agent layer can replace it behind the Decider
// interface.
type RuleDecider struct {
	// NudgeWindow is how long a task nudge suppresses repeats. Zero means
	// the default of 24 hours.
	NudgeWindow time.Duration
	Log         logx.Logger
}

const defaultNudgeWindow = 24 * time.Hour

func (d *RuleDecider) Decide(ctx context.Context, cy *Cycle, cx *Context) error {
	window := d.NudgeWindow
	if window <= 0 {
		window = defaultNudgeWindow
	}

	if cx.Overdue.Present() && len(cx.Overdue.Data) > 0 {
		if err := d.nudgeOverdue(ctx, cy, cx.Overdue.Data, window); err != nil {
			return err
		}
	}

	for _, i := range cx.DueInterests {
		err := cy.Log(ctx, dedup.InterestCheckKey(i.ID), model.ActionResearch,
			"checked interest: "+i.Topic, dedup.ForInterest(i.ID))
		if err != nil {
			return fmt.Errorf("logging interest check: %w", err)
		}
	}
	return nil
}

// nudgeOverdue sends one message covering every overdue task that is not
// inside its dedup window. Suppression is a normal outcome here.
func (d *RuleDecider) nudgeOverdue(ctx context.Context, cy *Cycle, overdue []model.Task, window time.Duration) error {
	var (
		actions []Action
		lines   []string
	)
	for _, t := range overdue {
		actions = append(actions, Action{
			Key:     dedup.TaskNudgeKey(t.ID),
			Summary: "nudged overdue task: " + t.Title,
		})
		lines = append(lines, fmt.Sprintf("  #%d %s", t.ID, t.Title))
	}
	msg := fmt.Sprintf("You have %d overdue task(s):\n%s", len(overdue), strings.Join(lines, "\n"))

	err := cy.Notify(ctx, msg, window, actions...)
	if errors.Is(err, ErrSuppressed) {
		d.Log.Debug("overdue nudge suppressed", logx.Err(err))
		return nil
	}
	return err
}
