// Package scheduler runs cron- and interval-triggered jobs on one robfig
// cron clock in the configured timezone. Job bodies run on a worker pool;
// registration upserts by stable name so repeated startup registration is
// idempotent.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"majordomo/pkg/logx"
)

const (
	defaultWorkers     = 2
	defaultHistorySize = 200
	queueCap           = 256
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start brings up the cron clock and the worker pool. Definitions added
// before Start are registered now. If a Stop is still draining, Start
// waits for it so two worker pools never coexist.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so a stop/start toggle never executes stale ticks.
	s.queue = make(chan task, queueCap)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("job register failed",
				logx.String("job", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", workers), logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts the clock, signals workers and waits for in-flight jobs up to
// ctx. A job still running when ctx expires keeps draining in background.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Snapshot returns a point-in-time view for introspection.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.cfg.Timezone,
		Workers:  s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	for i := range s.defs {
		info := JobInfo{Name: s.defs[i].name, Spec: s.defs[i].spec}
		if s.c != nil && s.defs[i].entryID != 0 {
			e := s.c.Entry(s.defs[i].entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task, idx int) {
	s.log.Debug("worker started", logx.Int("worker", idx))
	defer s.log.Debug("worker stopped", logx.Int("worker", idx))
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()

	// Shared running flag drives overlap-skip across cron ticks.
	if t.state != nil {
		t.state.mu.Lock()
		t.state.running = true
		t.state.mu.Unlock()
		defer func() {
			t.state.mu.Lock()
			t.state.running = false
			t.state.mu.Unlock()
		}()
	}

	err := s.runGuarded(ctx, t)

	dur := time.Since(start)
	item := HistoryItem{Name: t.name, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", t.name), logx.Err(err), logx.Duration("dur", dur))
	} else if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", t.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", t.name), logx.Duration("dur", dur))
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// runGuarded runs the job body with its timeout and converts a panic into
// an error so one bad job never takes a worker down.
func (s *Service) runGuarded(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			s.log.Error("panic in job",
				logx.String("job", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.run(runCtx)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("job panicked: %v", e.value) }
