// Package dedup answers "has this keyed action already happened within the
// window" over the append-only heartbeat action log.
package dedup

import (
	"context"
	"fmt"
	"time"

	"majordomo/internal/model"
	"majordomo/pkg/logx"
)

// Log is the slice of the store the gate needs.
type Log interface {
	AppendHeartbeatLog(ctx context.Context, e *model.HeartbeatLogEntry) error
	HasHeartbeatKeySince(ctx context.Context, key string, since time.Time) (bool, error)
	ListRecentHeartbeatLogs(ctx context.Context, limit int) ([]model.HeartbeatLogEntry, error)
}

type Gate struct {
	store Log
	log   logx.Logger
	now   func() time.Time
}

func New(store Log, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log, now: time.Now}
}

// SetClock overrides the gate's clock. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// IsDuplicate reports whether key was logged within the window. It never
// mutates the log.
func (g *Gate) IsDuplicate(ctx context.Context, key string, window time.Duration) (bool, error) {
	since := g.now().Add(-window)
	return g.store.HasHeartbeatKeySince(ctx, key, since)
}

// LogAction appends an entry for key. Every gated action that proceeds,
// including explicit skips, must be logged, or the window stops
// self-maintaining.
func (g *Gate) LogAction(ctx context.Context, key, actionType, summary string, opts ...Option) error {
	e := &model.HeartbeatLogEntry{
		DedupKey:   key,
		ActionType: actionType,
		Summary:    summary,
		CreatedAt:  g.now(),
	}
	for _, o := range opts {
		o(e)
	}
	if err := g.store.AppendHeartbeatLog(ctx, e); err != nil {
		return fmt.Errorf("log action %q: %w", key, err)
	}
	g.log.Debug("action logged",
		logx.String("key", key), logx.String("type", actionType), logx.Bool("notified", e.Notified))
	return nil
}

// Recent returns the latest entries, newest first.
func (g *Gate) Recent(ctx context.Context, limit int) ([]model.HeartbeatLogEntry, error) {
	return g.store.ListRecentHeartbeatLogs(ctx, limit)
}

type Option func(*model.HeartbeatLogEntry)

func Notified() Option {
	return func(e *model.HeartbeatLogEntry) { e.Notified = true }
}

func ForInterest(id int64) Option {
	return func(e *model.HeartbeatLogEntry) { e.InterestID = &id }
}

// TaskNudgeKey derives the stable key for nudging a task, so repeated
// nudges about the same task are detected regardless of caller.
func TaskNudgeKey(taskID int64) string { return fmt.Sprintf("task_nudge_%d", taskID) }

// InterestCheckKey derives the stable key for checking an interest.
func InterestCheckKey(interestID int64) string {
	return fmt.Sprintf("interest_%d_check", interestID)
}
