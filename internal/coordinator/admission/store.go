package admission

import (
	"context"
	"sync"
	"time"
)

// KeyedStore persists per-key admission state: the last execution time and
// rolling window counters. The in-memory implementation below is correct for
// a single process; hosts running several instances must plug in a shared
// backend (see storage.AdmissionKV) or the per-key guarantees only hold per
// instance.
type KeyedStore interface {
	LastRun(ctx context.Context, key string) (time.Time, bool, error)
	SetLastRun(ctx context.Context, key string, at time.Time) error
	ClearLastRun(ctx context.Context, key string) error

	// IncrWindow bumps and returns the counter for (key, window). Entries
	// expire after ttl.
	IncrWindow(ctx context.Context, key string, window int64, ttl time.Duration) (int, error)
	// WindowCount returns the counter for (key, window), 0 if absent.
	WindowCount(ctx context.Context, key string, window int64) (int, error)
}

// MemoryStore is the single-instance KeyedStore. Window counters are
// garbage-collected lazily on writes once they are older than the ttl passed
// to IncrWindow.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*keyState
	now  func() time.Time
}

type keyState struct {
	lastRun time.Time
	hasRun  bool
	windows map[int64]windowCounter
}

type windowCounter struct {
	count   int
	expires time.Time
}

type MemoryStoreOption func(*MemoryStore)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		keys: map[string]*keyState{},
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) state(key string) *keyState {
	st := s.keys[key]
	if st == nil {
		st = &keyState{windows: map[int64]windowCounter{}}
		s.keys[key] = st
	}
	return st
}

func (s *MemoryStore) LastRun(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.keys[key]
	if st == nil || !st.hasRun {
		return time.Time{}, false, nil
	}
	return st.lastRun, true, nil
}

func (s *MemoryStore) SetLastRun(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.lastRun = at
	st.hasRun = true
	return nil
}

func (s *MemoryStore) ClearLastRun(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.keys[key]; st != nil {
		st.lastRun = time.Time{}
		st.hasRun = false
	}
	return nil
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window int64, ttl time.Duration) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)

	// Opportunistic GC of expired windows.
	for w, c := range st.windows {
		if now.After(c.expires) {
			delete(st.windows, w)
		}
	}

	c := st.windows[window]
	c.count++
	c.expires = now.Add(ttl)
	st.windows[window] = c
	return c.count, nil
}

func (s *MemoryStore) WindowCount(_ context.Context, key string, window int64) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.keys[key]
	if st == nil {
		return 0, nil
	}
	c, ok := st.windows[window]
	if !ok || now.After(c.expires) {
		return 0, nil
	}
	return c.count, nil
}

// WindowEntries reports the live (unexpired) window counters for a key.
// Diagnostics only.
func (s *MemoryStore) WindowEntries(key string) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.keys[key]
	if st == nil {
		return 0
	}
	n := 0
	for _, c := range st.windows {
		if !now.After(c.expires) {
			n++
		}
	}
	return n
}
