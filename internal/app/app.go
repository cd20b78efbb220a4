// Package app owns the wiring: config, logging, storage, the scheduler
// instance and every service, plus the job registrations that drive them.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"majordomo/internal/config"
	"majordomo/internal/integrations/calendar"
	"majordomo/internal/notify"
	"majordomo/internal/recurrence"
	"majordomo/internal/scheduler"
	"majordomo/internal/services/agenda"
	"majordomo/internal/services/dedup"
	"majordomo/internal/services/heartbeat"
	"majordomo/internal/services/recurring"
	"majordomo/internal/services/reminders"
	"majordomo/internal/storage"
	"majordomo/internal/transport/telegram"
	"majordomo/pkg/logx"
)

// envToken overrides telegram.token when set, so the secret can stay out
// of the config file.
const envToken = "MAJORDOMO_TELEGRAM_TOKEN"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	loc  *time.Location

	store storage.Store
	notif *notify.Service
	// sched is the single scheduler instance; everything that registers a
	// job gets it handed in, there is no package-level one.
	sched *scheduler.Service

	rems  *reminders.Service
	gen   *recurring.Generator
	ag    *agenda.Service
	gate  *dedup.Gate
	beat  *heartbeat.Engine
	cal   *calendar.Client
	jobs  *jobSet
	watch context.CancelFunc
}

func New(ctx context.Context, cfgPath string, log logx.Logger) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, log: log, loc: loc}

	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.OpenDriver(cfg.Storage.Driver, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	transport, err := a.buildTransport(cfg)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.notif = notify.New(notifierConfig(cfg), transport, log.With(logx.String("comp", "notify")))

	schedTimeout, err := config.Duration("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Minute)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.sched = scheduler.New(scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	offset := time.Duration(cfg.Reminders.DefaultOffsetHours) * time.Hour
	a.rems = reminders.New(a.store, log.With(logx.String("comp", "reminders")), offset)
	eval := recurrence.NewRRule(log.With(logx.String("comp", "recurrence")))
	a.gen = recurring.New(a.store, eval, a.rems, log.With(logx.String("comp", "recurring")))
	a.ag = agenda.New(a.store, log.With(logx.String("comp", "agenda")), loc)
	a.gate = dedup.New(a.store, log.With(logx.String("comp", "dedup")))

	decider := &heartbeat.RuleDecider{Log: log.With(logx.String("comp", "decider"))}
	a.beat = heartbeat.New(a.store, a.gate, a.ag, a.notif, decider, heartbeat.Config{
		Enabled:          cfg.Heartbeat.Enabled,
		WakeHour:         cfg.Heartbeat.WakeHour,
		MaxNotifications: cfg.Heartbeat.MaxNotifications,
	}, loc, log.With(logx.String("comp", "heartbeat")))

	if cfg.Calendar.Enabled {
		cal, err := calendar.New(ctx, calendar.Config{
			Enabled:         true,
			CredentialsFile: cfg.Calendar.CredentialsFile,
			TokenFile:       cfg.Calendar.TokenFile,
			CalendarID:      cfg.Calendar.CalendarID,
		}, a.store, loc, log.With(logx.String("comp", "calendar")))
		if err != nil {
			// The daemon still runs without the calendar projection.
			log.Warn("calendar disabled", logx.Err(err))
		} else {
			a.cal = cal
		}
	}

	a.jobs = newJobSet(a)
	return a, nil
}

// buildTransport returns the Telegram sender, or nil when the notifier is
// disabled (notify.Service treats a nil transport as a no-op).
func (a *App) buildTransport(cfg *config.Config) (notify.Transport, error) {
	if !cfg.Notifier.Enabled {
		return nil, nil
	}
	token := strings.TrimSpace(os.Getenv(envToken))
	if token == "" {
		token = cfg.Telegram.Token
	}
	tr, err := telegram.New(telegram.Config{
		Token:  token,
		ChatID: cfg.Telegram.ChatID,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram transport: %w", err)
	}
	return tr, nil
}

func notifierConfig(cfg *config.Config) notify.Config {
	base, _ := config.Duration("notifier.retry_base", cfg.Notifier.RetryBase, 0)
	maxDelay, _ := config.Duration("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 0)
	return notify.Config{
		Enabled:       cfg.Notifier.Enabled,
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
}

// Start brings up the notifier, registers all jobs and starts the
// scheduler, then begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.notif.Start(ctx)

	if err := a.jobs.register(a.cfgm.Get()); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	if a.sched.Enabled() {
		a.sched.Start(ctx)
	} else {
		a.log.Warn("scheduler disabled, no jobs will run")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watch = cancel
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()
	go a.consumeConfigUpdates(watchCtx)

	a.log.Info("started", logx.String("tz", a.loc.String()))
	return nil
}

// consumeConfigUpdates applies hot-reloadable settings. Structural settings
// (storage, transports, worker counts) need a restart and are only logged.
func (a *App) consumeConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.beat.Apply(heartbeat.Config{
				Enabled:          cfg.Heartbeat.Enabled,
				WakeHour:         cfg.Heartbeat.WakeHour,
				MaxNotifications: cfg.Heartbeat.MaxNotifications,
			})
			if err := a.jobs.register(cfg); err != nil {
				a.log.Warn("re-registering jobs after reload", logx.Err(err))
			}
			a.log.Info("config applied",
				logx.Bool("heartbeat_enabled", cfg.Heartbeat.Enabled))
		}
	}
}

// Stop shuts everything down in reverse order, draining in-flight work
// until ctx expires.
func (a *App) Stop(ctx context.Context) {
	if a.watch != nil {
		a.watch()
	}
	a.sched.Stop(ctx)
	a.notif.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	a.log.Info("stopped")
}

// Scheduler exposes the scheduler handle for anything that needs to
// register additional jobs.
func (a *App) Scheduler() *scheduler.Service { return a.sched }
