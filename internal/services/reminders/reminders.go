// Package reminders manages the lifecycle of deadline reminders: the single
// auto-created reminder derived from a task's due date, offset-preserving
// propagation to regenerated recurring instances, and due delivery.
package reminders

import (
	"context"
	"fmt"
	"time"

	"majordomo/internal/model"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

// Sender delivers one outbound message. Implemented by the notifier.
type Sender interface {
	Send(ctx context.Context, message string) error
}

type Service struct {
	store  storage.Store
	log    logx.Logger
	offset time.Duration // default lead time before the due date
	now    func() time.Time
}

func New(store storage.Store, log logx.Logger, defaultOffset time.Duration) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultOffset <= 0 {
		defaultOffset = time.Hour
	}
	return &Service{store: store, log: log, offset: defaultOffset, now: time.Now}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// EnsureDeadlineReminder replaces the task's auto reminder with one at
// due_date − offset (the configured default when offset is 0).
//
// The task ends up with exactly zero or one live auto reminder no matter
// how often this is called. Manually created reminders are never touched.
// Returns nil without error when the task has no due date or the computed
// time is already in the past.
func (s *Service) EnsureDeadlineReminder(ctx context.Context, task *model.Task, offset time.Duration) (*model.Reminder, error) {
	if task.DueDate == nil {
		return nil, nil
	}
	if offset <= 0 {
		offset = s.offset
	}
	remindAt := task.DueDate.Add(-offset)

	var created *model.Reminder
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := tx.DeleteUndeliveredAutoReminders(ctx, task.ID); err != nil {
			return err
		}
		if !remindAt.After(s.now()) {
			// No retroactive reminders.
			return nil
		}
		taskID := task.ID
		r := &model.Reminder{
			TaskID:      &taskID,
			Message:     fmt.Sprintf("Deadline approaching: %s", task.Title),
			RemindAt:    remindAt,
			AutoCreated: true,
			CreatedAt:   s.now(),
		}
		if err := tx.CreateReminder(ctx, r); err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure deadline reminder for task %d: %w", task.ID, err)
	}
	return created, nil
}

// PropagateToNewInstance copies every undelivered reminder from source to
// next, shifted by each reminder's offset relative to the source due date.
// Candidates that would land at or before now are dropped, not rescheduled.
// The auto_created flag is preserved on the copies. Both tasks must have a
// due date; otherwise no reminders are created.
func (s *Service) PropagateToNewInstance(ctx context.Context, source, next *model.Task) ([]model.Reminder, error) {
	if source.DueDate == nil || next.DueDate == nil {
		return nil, nil
	}

	var created []model.Reminder
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		created, err = s.PropagateToNewInstanceTx(ctx, tx, source, next)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("propagate reminders %d -> %d: %w", source.ID, next.ID, err)
	}
	return created, nil
}

// PropagateToNewInstanceTx is PropagateToNewInstance running inside the
// caller's transaction, for callers that need the propagation atomic with
// the task mutation that triggered it.
func (s *Service) PropagateToNewInstanceTx(ctx context.Context, tx storage.Store, source, next *model.Task) ([]model.Reminder, error) {
	if source.DueDate == nil || next.DueDate == nil {
		return nil, nil
	}
	src, err := tx.ListTaskReminders(ctx, source.ID, true)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var created []model.Reminder
	for _, rem := range src {
		offset := rem.RemindAt.Sub(*source.DueDate) // negative for "before" reminders
		candidate := next.DueDate.Add(offset)
		if !candidate.After(now) {
			s.log.Debug("skipping past reminder on propagation",
				logx.Int64("source_reminder", rem.ID), logx.Time("candidate", candidate))
			continue
		}
		nextID := next.ID
		cp := &model.Reminder{
			TaskID:      &nextID,
			Message:     rem.Message,
			RemindAt:    candidate,
			AutoCreated: rem.AutoCreated,
			CreatedAt:   now,
		}
		if err := tx.CreateReminder(ctx, cp); err != nil {
			return nil, err
		}
		created = append(created, *cp)
	}
	return created, nil
}

// DeliverDue sends every undelivered reminder whose time has come and marks
// it delivered. A reminder is marked only after the transport confirmed the
// send, so a crash between send and mark re-delivers rather than drops.
// Send failures are logged and the reminder is retried on the next tick.
func (s *Service) DeliverDue(ctx context.Context, sender Sender) error {
	due, err := s.store.ListDueReminders(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}
	for _, rem := range due {
		if err := sender.Send(ctx, s.formatDelivery(rem)); err != nil {
			s.log.Warn("reminder delivery failed",
				logx.Int64("reminder", rem.ID), logx.Err(err))
			continue
		}
		if err := s.store.MarkReminderDelivered(ctx, rem.ID); err != nil {
			s.log.Error("reminder delivered but not marked",
				logx.Int64("reminder", rem.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) formatDelivery(rem model.Reminder) string {
	return fmt.Sprintf("Reminder: %s (%s)", rem.Message, rem.RemindAt.Format("Jan 2 15:04"))
}
