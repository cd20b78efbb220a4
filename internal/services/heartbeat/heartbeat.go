// Package heartbeat drives the periodic autonomous decision cycle: build
// context, apply quiet-hours and dedup gates, bound notification volume,
// and let a decider act. Each cycle is self-contained; nothing survives it
// in memory beyond what the store persists.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"majordomo/internal/model"
	"majordomo/internal/services/agenda"
	"majordomo/internal/services/dedup"
	"majordomo/internal/storage"
	"majordomo/pkg/logx"
)

// ErrSuppressed is returned by Cycle.Notify when a notification was gated
// off (duplicate, quiet hours, or the per-cycle cap). Deciders treat it as
// a normal outcome, not a failure.
var ErrSuppressed = errors.New("notification suppressed")

const (
	recentActionLimit = 20
	moodLookback      = 3 * 24 * time.Hour
)

type Config struct {
	Enabled bool
	// WakeHour bounds quiet hours: notifications are suppressed while the
	// local hour is below it.
	WakeHour int
	// MaxNotifications caps sends per cycle. Zero means the default.
	MaxNotifications int
}

const defaultMaxNotifications = 3

// Sender delivers one outbound message synchronously so the action log can
// record delivery only after it happened.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Decider is the decision procedure run once per cycle. Implementations
// act only through the Cycle handle, which enforces the gates.
type Decider interface {
	Decide(ctx context.Context, cy *Cycle, cx *Context) error
}

// MoodSource supplies recent mood entries for cycle context. The fetch is
// best-effort; a failure leaves the section out of the rendered context and
// never fails the cycle.
type MoodSource interface {
	ListMoodSince(ctx context.Context, since time.Time) ([]model.MoodEntry, error)
}

type Engine struct {
	store   storage.Store
	gate    *dedup.Gate
	agenda  *agenda.Service
	sender  Sender
	decider Decider
	mood    MoodSource
	loc     *time.Location
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	cfg Config
}

// New builds the engine. Quiet hours are evaluated in loc, the same zone
// the agenda day window uses; nil means the system local zone.
func New(store storage.Store, gate *dedup.Gate, ag *agenda.Service, sender Sender, decider Decider, cfg Config, loc *time.Location, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = defaultMaxNotifications
	}
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		store:   store,
		gate:    gate,
		agenda:  ag,
		sender:  sender,
		decider: decider,
		mood:    store,
		loc:     loc,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Apply swaps the engine config. Takes effect on the next cycle.
func (e *Engine) Apply(cfg Config) {
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = defaultMaxNotifications
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Run executes one cycle. Decider failures are logged and do not propagate;
// the due interests found in this cycle are marked checked regardless, so a
// quiet topic cannot starve.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	if !cfg.Enabled {
		e.log.Debug("heartbeat disabled, skipping cycle")
		return nil
	}
	now := e.now()
	cycleID := uuid.NewString()[:8]

	cx := e.buildContext(ctx, cycleID, now, cfg.WakeHour)

	interests, err := e.store.ListActiveInterests(ctx)
	if err != nil {
		e.log.Warn("listing interests", logx.String("cycle", cycleID), logx.Err(err))
	} else {
		for _, i := range interests {
			if i.Due(now) {
				cx.DueInterests = append(cx.DueInterests, i)
			}
		}
	}

	cy := &Cycle{engine: e, id: cycleID, quiet: cx.QuietHours, budget: cfg.MaxNotifications}
	if e.decider != nil {
		if err := e.decider.Decide(ctx, cy, cx); err != nil {
			e.log.Error("decision procedure failed", logx.String("cycle", cycleID), logx.Err(err))
		}
	}

	for _, i := range cx.DueInterests {
		if err := e.store.MarkInterestChecked(ctx, i.ID, now); err != nil {
			e.log.Warn("marking interest checked",
				logx.String("cycle", cycleID), logx.Int64("interest", i.ID), logx.Err(err))
		}
	}

	e.log.Info("heartbeat cycle done",
		logx.String("cycle", cycleID),
		logx.Int("sent", cy.sent),
		logx.Int("due_interests", len(cx.DueInterests)),
		logx.Bool("quiet", cx.QuietHours))
	return nil
}

// Action is one keyed, deduplicatable action carried by a notification. A
// message may carry several (one nudge message covering several tasks).
type Action struct {
	Key        string
	Summary    string
	InterestID *int64
}

// Cycle is the gated handle a decider acts through.
type Cycle struct {
	engine *Engine
	id     string
	quiet  bool
	budget int
	sent   int
}

// Quiet reports whether quiet hours are active for this cycle.
func (c *Cycle) Quiet() bool { return c.quiet }

// Log records a non-notifying action such as research. Allowed during
// quiet hours.
func (c *Cycle) Log(ctx context.Context, key, actionType, summary string, opts ...dedup.Option) error {
	return c.engine.gate.LogAction(ctx, key, actionType, summary, opts...)
}

// Duplicate reports whether key was already acted on within the window.
func (c *Cycle) Duplicate(ctx context.Context, key string, window time.Duration) (bool, error) {
	return c.engine.gate.IsDuplicate(ctx, key, window)
}

// Notify sends message if at least one action survives its dedup window and
// the cycle gates allow it. Surviving actions are logged as notified only
// after the transport confirmed the send. A cap overflow is logged as an
// explicit skip per action; duplicates and quiet hours return ErrSuppressed
// without touching the log so the action stays eligible later.
func (c *Cycle) Notify(ctx context.Context, message string, window time.Duration, actions ...Action) error {
	var live []Action
	for _, a := range actions {
		dup, err := c.engine.gate.IsDuplicate(ctx, a.Key, window)
		if err != nil {
			return fmt.Errorf("dedup check %q: %w", a.Key, err)
		}
		if !dup {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		return fmt.Errorf("all actions duplicate: %w", ErrSuppressed)
	}
	if c.quiet {
		return fmt.Errorf("quiet hours: %w", ErrSuppressed)
	}
	if c.sent >= c.budget {
		for _, a := range live {
			if err := c.logAction(ctx, a, model.ActionSkip, "cap reached: "+a.Summary, false); err != nil {
				return err
			}
		}
		return fmt.Errorf("notification cap reached: %w", ErrSuppressed)
	}

	if err := c.engine.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	c.sent++
	for _, a := range live {
		if err := c.logAction(ctx, a, model.ActionNotify, a.Summary, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cycle) logAction(ctx context.Context, a Action, actionType, summary string, notified bool) error {
	opts := []dedup.Option{}
	if notified {
		opts = append(opts, dedup.Notified())
	}
	if a.InterestID != nil {
		opts = append(opts, dedup.ForInterest(*a.InterestID))
	}
	return c.engine.gate.LogAction(ctx, a.Key, actionType, summary, opts...)
}
