package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store used by tests and local development. Not for
// multi-instance deployments: admission state is visible only to this process.
type Memory struct {
	mu        sync.Mutex
	schedules map[string]Schedule
	votes     map[string]map[string]Vote // scheduleID -> (userID+"\x00"+date) -> vote
	lastRun   map[string]time.Time
	windows   map[string]map[int64]memWindow
	closed    bool
}

type memWindow struct {
	count int
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		schedules: map[string]Schedule{},
		votes:     map[string]map[string]Vote{},
		lastRun:   map[string]time.Time{},
		windows:   map[string]map[int64]memWindow{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Admission() AdmissionKV { return m }

func (m *Memory) guard() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) CreateSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Dates = append([]string(nil), s.Dates...)
	m.schedules[s.ID] = s
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return Schedule{}, err
	}
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.Dates = append([]string(nil), s.Dates...)
	return s, nil
}

func (m *Memory) SetMessageID(_ context.Context, scheduleID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	s.MessageID = messageID
	m.schedules[scheduleID] = s
	return nil
}

func (m *Memory) CastVote(_ context.Context, v Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	byUser := m.votes[v.ScheduleID]
	if byUser == nil {
		byUser = map[string]Vote{}
		m.votes[v.ScheduleID] = byUser
	}
	byUser[v.UserID+"\x00"+v.Date] = v
	return nil
}

func (m *Memory) ListVotes(_ context.Context, scheduleID string) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	var out []Vote
	for _, v := range m.votes[scheduleID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func (m *Memory) CloseSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.Closed = true
	m.schedules[id] = s
	return nil
}

func (m *Memory) DueReminders(_ context.Context, now time.Time, lead time.Duration) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until := now.Add(lead)
	var out []Schedule
	for _, s := range m.schedules {
		if !s.Closed && !s.ReminderSent && s.Deadline.After(now) && !s.Deadline.After(until) {
			out = append(out, s)
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) MarkReminderSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.ReminderSent = true
	m.schedules[id] = s
	return nil
}

func (m *Memory) DueClosings(_ context.Context, now time.Time) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if !s.Closed && !s.Deadline.IsZero() && !s.Deadline.After(now) {
			out = append(out, s)
		}
	}
	sortByID(out)
	return out, nil
}

func sortByID(ss []Schedule) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID < ss[j].ID })
}

func (m *Memory) LastRun(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastRun[key]
	return at, ok, nil
}

func (m *Memory) SetLastRun(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRun[key] = at
	return nil
}

func (m *Memory) ClearLastRun(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastRun, key)
	return nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window int64, ttl time.Duration) (int, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	byWindow := m.windows[key]
	if byWindow == nil {
		byWindow = map[int64]memWindow{}
		m.windows[key] = byWindow
	}
	for w, c := range byWindow {
		if now.After(c.until) {
			delete(byWindow, w)
		}
	}
	c := byWindow[window]
	c.count++
	c.until = now.Add(ttl)
	byWindow[window] = c
	return c.count, nil
}

func (m *Memory) WindowCount(_ context.Context, key string, window int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.windows[key][window]
	if !ok || time.Now().After(c.until) {
		return 0, nil
	}
	return c.count, nil
}
