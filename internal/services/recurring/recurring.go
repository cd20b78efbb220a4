// Package recurring regenerates recurring tasks: a periodic sweep finds
// completed tasks with a recurrence rule and creates their next instance.
//
// The sweep model (rather than an on-completion trigger) keeps regeneration
// decoupled from the mutation path: the scheduler is the only writer of
// "next occurrence" state, and a missed tick just means the successor shows
// up on the next one.
package recurring

import (
	"context"
	"fmt"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/recurrence"
	"majordomo/internal/services/reminders"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

type Generator struct {
	store     storage.Store
	eval      recurrence.Evaluator
	lifecycle *reminders.Service
	log       logx.Logger
	now       func() time.Time
}

func New(store storage.Store, eval recurrence.Evaluator, lifecycle *reminders.Service, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{store: store, eval: eval, lifecycle: lifecycle, log: log, now: time.Now}
}

// SetClock overrides the generator clock. Tests only.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Sweep generates successors for all completed recurring tasks that do not
// have one yet. Returns the number of instances created. Failures on one
// task are logged and do not stop the sweep.
func (g *Generator) Sweep(ctx context.Context) (int, error) {
	done, err := g.store.ListCompletedRecurring(ctx)
	if err != nil {
		return 0, fmt.Errorf("list completed recurring: %w", err)
	}

	created := 0
	for i := range done {
		task := &done[i]
		next, err := g.generateNext(ctx, task)
		if err != nil {
			g.log.Error("recurring generation failed",
				logx.Int64("task", task.ID), logx.Err(err))
			continue
		}
		if next != nil {
			created++
		}
	}
	return created, nil
}

// generateNext creates the successor of one completed recurring task, or
// nil when the rule has no further occurrences. The instance insert and the
// reminder propagation happen in one transaction with the evaluation done
// up front, so readers never observe a successor without its reminders.
func (g *Generator) generateNext(ctx context.Context, task *model.Task) (*model.Task, error) {
	anchor := g.anchorFor(task)
	nextDue, ok := g.eval.NextOccurrence(task.RecurrenceRule, anchor)
	if !ok {
		// Malformed or exhausted: the chain simply ends. The original task
		// keeps its terminal status untouched.
		g.log.Warn("no next occurrence for recurring task",
			logx.Int64("task", task.ID), logx.String("rule", task.RecurrenceRule))
		return nil, nil
	}

	sourceID := task.ID
	next := &model.Task{
		Title:              task.Title,
		Description:        task.Description,
		Status:             model.StatusTodo,
		Priority:           task.Priority,
		DueDate:            &nextDue,
		RecurrenceRule:     task.RecurrenceRule,
		RecurrenceSourceID: &sourceID,
		ProjectID:          task.ProjectID,
		ContactID:          task.ContactID,
	}
	err := g.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateTask(ctx, next); err != nil {
			return err
		}
		_, err := g.lifecycle.PropagateToNewInstanceTx(ctx, tx, task, next)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create successor: %w", err)
	}

	g.log.Info("recurring instance generated",
		logx.Int64("source", task.ID), logx.Int64("task", next.ID),
		logx.Time("due", nextDue))
	return next, nil
}

// anchorFor picks the recurrence anchor: due date when present, else the
// task's last update, else now.
func (g *Generator) anchorFor(task *model.Task) time.Time {
	if task.DueDate != nil {
		return *task.DueDate
	}
	if !task.UpdatedAt.IsZero() {
		return task.UpdatedAt
	}
	return g.now()
}
