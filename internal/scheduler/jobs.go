package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"majordomo/pkg/logx"
)

// AddCron registers job under name with a cron spec. Registering an
// existing name replaces the prior definition. May be called before Start;
// the definition is registered when the clock comes up.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddCronOpt(name, spec, timeout, JobOptions{}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	_ = s.removeLocked(name)
	d := jobDef{
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeoutLocked(timeout),
		job:     job,
		opt:     opt,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// not started yet
		return nil
	}
	if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	s.log.Debug("job registered",
		logx.String("job", name), logx.String("spec", spec), logx.Duration("timeout", d.timeout))
	return nil
}

// AddInterval registers job to fire every `every` from scheduler start.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("interval for %q must be positive", name)
	}
	return s.AddCron(name, "@every "+every.String(), timeout, job)
}

// AddDaily registers job to fire once per day at HH:MM in the scheduler
// timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// Remove unschedules the named job. Returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(name)
	if removed {
		s.log.Debug("job removed", logx.String("job", name))
	}
	return removed
}

// removeLocked drops every def matching name and unregisters it from the
// running clock. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].name == name && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		if d.opt.Overlap == OverlapSkipIfRunning {
			d.state.mu.Lock()
			running := d.state.running
			d.state.mu.Unlock()
			if running {
				s.log.Debug("job tick skipped, previous run still executing", logx.String("job", d.name))
				return
			}
		}
		s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job, state: d.state})
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running, dropping tick", logx.String("job", t.name))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("scheduler queue full, dropping tick",
			logx.String("job", t.name), logx.Int("queue_len", len(q)))
	}
}

func (s *Service) resolveTimeoutLocked(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
