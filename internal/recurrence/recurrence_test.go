package recurrence

import (
	"testing"
	"time"

	"majordomo/pkg/logx"
)

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	// Monday 09:00.
	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)

	tests := []struct {
		name string
		rule string
		want time.Time
	}{
		{name: "daily", rule: "FREQ=DAILY", want: anchor.AddDate(0, 0, 1)},
		{name: "weekly monday", rule: "FREQ=WEEKLY;BYDAY=MO", want: anchor.AddDate(0, 0, 7)},
		{name: "with prefix", rule: "RRULE:FREQ=DAILY", want: anchor.AddDate(0, 0, 1)},
		{name: "monthly", rule: "FREQ=MONTHLY;BYMONTHDAY=2", want: anchor.AddDate(0, 1, 0)},
	}
	eval := NewRRule(logx.Nop())
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eval.NextOccurrence(tt.rule, anchor)
			if !ok {
				t.Fatalf("NextOccurrence(%q) returned none", tt.rule)
			}
			if !got.After(anchor) {
				t.Fatalf("occurrence %v not strictly after anchor %v", got, anchor)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("occurrence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceKeepsTimeOfDay(t *testing.T) {
	t.Parallel()
	eval := NewRRule(logx.Nop())
	anchor := time.Date(2026, 3, 2, 14, 30, 0, 0, time.Local)
	got, ok := eval.NextOccurrence("FREQ=WEEKLY;BYDAY=MO", anchor)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if got.Hour() != 14 || got.Minute() != 30 {
		t.Fatalf("time of day not preserved: %v", got)
	}
}

func TestNextOccurrenceNone(t *testing.T) {
	t.Parallel()
	eval := NewRRule(logx.Nop())
	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)

	tests := []struct {
		name string
		rule string
	}{
		{name: "empty", rule: ""},
		{name: "whitespace", rule: "   "},
		{name: "garbage", rule: "every other tuesday"},
		{name: "bad freq", rule: "FREQ=SOMETIMES"},
		{name: "exhausted", rule: "FREQ=DAILY;COUNT=1"},
		{name: "until passed", rule: "FREQ=DAILY;UNTIL=20200101T000000Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eval.NextOccurrence(tt.rule, anchor)
			if ok {
				t.Fatalf("NextOccurrence(%q) = %v, want none", tt.rule, got)
			}
			if !got.IsZero() {
				t.Fatalf("expected zero time, got %v", got)
			}
		})
	}
}
