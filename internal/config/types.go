package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the root of the bot configuration file (JSON, or YAML coerced to
// JSON). All duration fields are Go duration strings (e.g. "500ms", "10s").
// Unknown keys are rejected so typos surface at load time instead of being
// silently ignored.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Updater  UpdaterConfig  `json:"updater"`
	Reminder ReminderConfig `json:"reminder"`
	Sweep    SweepConfig    `json:"sweep"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// RatePerSec caps outbound API calls. 0 keeps the adapter default.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
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

type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type QueueConfig struct {
	// VisibilityTimeout is how long an unacked delivery stays invisible
	// before redelivery.
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	MaxBatch          int    `json:"max_batch,omitempty"`
}

// UpdaterConfig tunes the summary-update path: the adaptive rate limiter and
// the per-key admission gate.
type UpdaterConfig struct {
	MaxConcurrent       int    `json:"max_concurrent,omitempty"`
	Delay               string `json:"delay,omitempty"`
	MinInterval         string `json:"min_interval,omitempty"`
	MaxUpdatesPerWindow int    `json:"max_updates_per_window,omitempty"`
	Window              string `json:"window,omitempty"`
}

// ReminderConfig tunes the reminder fan-out.
type ReminderConfig struct {
	FanoutSize  int    `json:"fanout_size,omitempty"`
	FanoutDelay string `json:"fanout_delay,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

type SweepConfig struct {
	// Spec is a cron expression or @every descriptor.
	Spec         string `json:"spec,omitempty"`
	ReminderLead string `json:"reminder_lead,omitempty"`
	SummaryDelay string `json:"summary_delay,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Validate checks field-level constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.timeout", c.Telegram.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"queue.poll_interval", c.Queue.PollInterval},
		{"updater.delay", c.Updater.Delay},
		{"updater.min_interval", c.Updater.MinInterval},
		{"updater.window", c.Updater.Window},
		{"reminder.fanout_delay", c.Reminder.FanoutDelay},
		{"sweep.reminder_lead", c.Sweep.ReminderLead},
		{"sweep.summary_delay", c.Sweep.SummaryDelay},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
