package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/task"
)

var ErrClosed = errors.New("queue closed")

// Memory is an in-process Transport with delayed delivery and a visibility
// timeout. A received-but-unacked message becomes visible again once its
// visibility deadline passes, giving at-least-once semantics within the
// process.
//
// State is owned by the Memory's mutex; safe for concurrent producers and
// consumers in one process. It deliberately does not survive restarts —
// durable queuing is a hosting concern, not this transport's.
type Memory struct {
	mu     sync.Mutex
	seq    uint64
	items  []*memItem
	closed bool

	visibility time.Duration
	now        func() time.Time
}

type memItem struct {
	seq       uint64
	body      []byte
	visibleAt time.Time
	inflight  bool
	deadline  time.Time // redelivery deadline while inflight
	acked     bool
}

type MemoryOption func(*Memory)

// WithVisibilityTimeout overrides the redelivery deadline for unacked
// messages. Default 30s.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.visibility = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		visibility: 30 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, t task.Task, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := task.Encode(t)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	m.items = append(m.items, &memItem{
		seq:       m.seq,
		body:      body,
		visibleAt: m.now().Add(delay),
	})
	return nil
}

// Receive returns up to max currently-visible messages in FIFO order by
// visibility time (ties broken by publish order). Expired inflight messages
// are redelivered.
func (m *Memory) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := m.now()
	candidates := make([]*memItem, 0, max)
	for _, it := range m.items {
		if it.acked {
			continue
		}
		if it.inflight {
			if now.Before(it.deadline) {
				continue
			}
			// Visibility timeout expired: eligible for redelivery.
			it.inflight = false
		}
		if now.Before(it.visibleAt) {
			continue
		}
		candidates = append(candidates, it)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].visibleAt.Equal(candidates[j].visibleAt) {
			return candidates[i].visibleAt.Before(candidates[j].visibleAt)
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]Message, 0, len(candidates))
	for _, it := range candidates {
		it.inflight = true
		it.deadline = now.Add(m.visibility)
		out = append(out, &memMessage{q: m, item: it})
	}
	m.compactLocked()
	return out, nil
}

// Len reports the number of messages not yet acked (visible or not).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if !it.acked {
			n++
		}
	}
	return n
}

func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

func (m *Memory) compactLocked() {
	// Drop acked entries lazily; keeps Receive O(pending).
	if len(m.items) == 0 {
		return
	}
	kept := m.items[:0]
	for _, it := range m.items {
		if !it.acked {
			kept = append(kept, it)
		}
	}
	m.items = kept
}

type memMessage struct {
	q    *Memory
	item *memItem
	once sync.Once
}

func (m *memMessage) Body() []byte { return m.item.body }

func (m *memMessage) Ack() {
	m.once.Do(func() {
		m.q.mu.Lock()
		m.item.acked = true
		m.q.mu.Unlock()
	})
}
