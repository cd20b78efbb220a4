// Package recurrence evaluates recurrence rules. The evaluator is the only
// place that knows about the RRULE grammar; callers treat "malformed" and
// "exhausted" identically as "no next occurrence".
package recurrence

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"majordomo/pkg/logx"
)

// Evaluator computes the next occurrence of a recurrence rule. Any
// compliant RRULE implementation can stand in here.
type Evaluator interface {
	// NextOccurrence returns the first occurrence strictly after `after`,
	// anchored at `after` (the anchor carries the time of day). The bool
	// is false when the rule is malformed or has no further occurrences.
	NextOccurrence(rule string, after time.Time) (time.Time, bool)
}

// RRule evaluates RFC 5545 RRULE strings.
type RRule struct {
	log logx.Logger
}

func NewRRule(log logx.Logger) *RRule {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RRule{log: log}
}

func (e *RRule) NextOccurrence(rule string, after time.Time) (time.Time, bool) {
	raw := strings.TrimSpace(rule)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if raw == "" {
		return time.Time{}, false
	}

	opt, err := rrule.StrToROption(raw)
	if err != nil {
		e.log.Warn("malformed recurrence rule", logx.String("rule", rule), logx.Err(err))
		return time.Time{}, false
	}
	// Anchor the series at `after` so the occurrence keeps its time of day.
	opt.Dtstart = after
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		e.log.Warn("malformed recurrence rule", logx.String("rule", rule), logx.Err(err))
		return time.Time{}, false
	}

	next := r.After(after, false)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
