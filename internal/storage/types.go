package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store for tests and development
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Answer is one user's stance on one candidate date.
type Answer string

const (
	AnswerYes   Answer = "yes"
	AnswerMaybe Answer = "maybe"
	AnswerNo    Answer = "no"
)

// Schedule is one date-coordination poll. Dates are opaque candidate labels;
// the service never parses them.
type Schedule struct {
	ID           string
	GuildID      string
	ChannelID    string
	MessageID    string
	Title        string
	Dates        []string
	Deadline     time.Time // zero means no deadline
	Closed       bool
	ReminderSent bool
	CreatedAt    time.Time
}

// Vote is one user's answer for one candidate date. Casting again overwrites
// the previous answer for the same (schedule, user, date).
type Vote struct {
	ScheduleID string
	UserID     string
	UserName   string
	Date       string
	Answer     Answer
	UpdatedAt  time.Time
}

// Store is the persistence API for schedules and votes.
type Store interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	SetMessageID(ctx context.Context, scheduleID, messageID string) error
	CastVote(ctx context.Context, v Vote) error
	ListVotes(ctx context.Context, scheduleID string) ([]Vote, error)
	CloseSchedule(ctx context.Context, id string) error

	// DueReminders returns open schedules whose deadline is still ahead but
	// within lead of now, and whose reminder has not been sent yet.
	DueReminders(ctx context.Context, now time.Time, lead time.Duration) ([]Schedule, error)
	MarkReminderSent(ctx context.Context, id string) error
	// DueClosings returns open schedules whose deadline has passed.
	DueClosings(ctx context.Context, now time.Time) ([]Schedule, error)

	// Admission exposes the shared per-key admission state kept alongside the
	// domain tables. It satisfies the coordinator's KeyedStore contract.
	Admission() AdmissionKV

	Close() error
}

// AdmissionKV is per-key admission state: last execution time plus TTL'd
// rolling-window counters. Mirrors the coordinator's KeyedStore so a
// SQLite-backed store can be shared across instances.
type AdmissionKV interface {
	LastRun(ctx context.Context, key string) (time.Time, bool, error)
	SetLastRun(ctx context.Context, key string, at time.Time) error
	ClearLastRun(ctx context.Context, key string) error
	IncrWindow(ctx context.Context, key string, window int64, ttl time.Duration) (int, error)
	WindowCount(ctx context.Context, key string, window int64) (int, error)
}
