// Package task defines the unit of deferred work exchanged between producers
// (vote handlers, deadline sweeps) and the dispatch consumers, plus the
// composite key used to coalesce work targeting the same external resource.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a task asks the consumer to do.
type Kind string

const (
	// KindUpdateMessage refreshes the live summary message for a schedule.
	KindUpdateMessage Kind = "update-message"
	// KindSendReminder notifies participants that a deadline is approaching.
	KindSendReminder Kind = "send_reminder"
	// KindCloseSchedule closes a schedule at its deadline and refreshes the
	// main message one last time.
	KindCloseSchedule Kind = "close_schedule"
	// KindSendSummary posts the final summary after a schedule closed.
	KindSendSummary Kind = "send_summary"
)

// ErrMalformed marks a permanently unprocessable task payload. Consumers log
// and drop such tasks; they are never retried.
var ErrMalformed = errors.New("malformed task")

// Task describes one external update to perform. Immutable once enqueued.
//
// Timestamp is producer-side milliseconds since epoch; within one batch the
// task with the greatest Timestamp wins per Key.
type Task struct {
	Kind          Kind   `json:"kind"`
	ScheduleID    string `json:"scheduleId"`
	GuildID       string `json:"guildId"`
	ChannelID     string `json:"channelId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	CustomMessage string `json:"customMessage,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// Key returns the coalescing identity for the task: tasks with equal keys
// target the same external resource, so a newer task fully supersedes an
// older one. Keys are opaque; only equality matters.
func (t Task) Key() string {
	if t.Kind == KindUpdateMessage {
		return t.ScheduleID + ":" + t.MessageID
	}
	return t.ScheduleID + ":" + t.GuildID
}

// Time returns the producer timestamp as a time.Time.
func (t Task) Time() time.Time { return time.UnixMilli(t.Timestamp) }

// Validate checks required fields for the task's kind.
func (t Task) Validate() error {
	switch t.Kind {
	case KindUpdateMessage:
		if strings.TrimSpace(t.MessageID) == "" || strings.TrimSpace(t.ChannelID) == "" {
			return fmt.Errorf("%w: %s requires channelId and messageId", ErrMalformed, t.Kind)
		}
	case KindSendReminder, KindCloseSchedule, KindSendSummary:
		// Reminder-family tasks resolve channel/message from storage.
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, string(t.Kind))
	}
	if strings.TrimSpace(t.ScheduleID) == "" {
		return fmt.Errorf("%w: scheduleId is required", ErrMalformed)
	}
	if strings.TrimSpace(t.GuildID) == "" {
		return fmt.Errorf("%w: guildId is required", ErrMalformed)
	}
	return nil
}

// Parse decodes and validates a task payload. Errors wrap ErrMalformed so
// consumers can distinguish permanent decode failures from transient ones.
func Parse(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	if t.Timestamp <= 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	return t, nil
}

// Encode serializes a task for the queue transport.
func Encode(t Task) ([]byte, error) {
	if t.Timestamp <= 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(t)
}
