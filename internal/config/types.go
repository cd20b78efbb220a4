package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full file surface. All durations are Go duration strings
// ("90s", "5m", "1h30m").
type Config struct {
	// Timezone is the IANA process timezone; day windows and cron triggers
	// are computed in it. Empty means the system local zone.
	Timezone string `json:"timezone,omitempty"`

	Reminders RemindersConfig `json:"reminders"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Calendar  CalendarConfig  `json:"calendar,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
}

type RemindersConfig struct {
	// DefaultOffsetHours is how long before a due date the auto reminder
	// fires. Zero means 1 hour.
	DefaultOffsetHours int `json:"default_offset_hours,omitempty"`
}

type HeartbeatConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between autonomous cycles. Empty means "30m".
	Interval string `json:"interval,omitempty"`
	// MaxNotifications caps sends per cycle. Zero means 3.
	MaxNotifications int `json:"max_notifications,omitempty"`
	// WakeHour bounds quiet hours: no notifications while hour < wake_hour.
	WakeHour int `json:"wake_hour,omitempty"`
}

type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type StorageConfig struct {
	// Driver selects the store implementation: "sqlite" (default) or
	// "memory" for throwaway runs.
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// MAJORDOMO_TELEGRAM_TOKEN environment variable.
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id"`
}

type CalendarConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	TokenFile       string `json:"token_file,omitempty"`
	CalendarID      string `json:"calendar_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate checks the fields that would make startup meaningless. Duration
// strings are validated where they are parsed.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Heartbeat.WakeHour < 0 || c.Heartbeat.WakeHour > 23 {
		return fmt.Errorf("heartbeat.wake_hour: %d out of range", c.Heartbeat.WakeHour)
	}
	if c.Reminders.DefaultOffsetHours < 0 {
		return fmt.Errorf("reminders.default_offset_hours must be >= 0")
	}
	driver := strings.TrimSpace(c.Storage.Driver)
	if driver != "" && driver != "sqlite" && driver != "sqlite3" && driver != "memory" {
		return fmt.Errorf("storage.driver: unknown driver %q", driver)
	}
	if driver != "memory" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for path, raw := range map[string]string{
		"heartbeat.interval":        c.Heartbeat.Interval,
		"scheduler.default_timeout": c.Scheduler.DefaultTimeout,
		"notifier.retry_base":       c.Notifier.RetryBase,
		"notifier.retry_max_delay":  c.Notifier.RetryMaxDelay,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
	} {
		if _, err := Duration(path, raw, 0); err != nil {
			return err
		}
	}
	return nil
}

// Duration resolves one duration entry. Empty or zero input means def;
// anything that does not parse, or is negative, is an error naming the
// config path.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
