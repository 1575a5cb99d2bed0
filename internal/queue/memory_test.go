package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/task"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T) (*Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewMemory(WithClock(clock.Now), WithVisibilityTimeout(30*time.Second)), clock
}

func reminderTask(id string) task.Task {
	return task.Task{Kind: task.KindSendReminder, ScheduleID: id, GuildID: "g1", Timestamp: 1}
}

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Publish(ctx, reminderTask("s1"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msgs, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	got, err := task.Parse(msgs[0].Body())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.ScheduleID != "s1" {
		t.Fatalf("ScheduleID = %q, want s1", got.ScheduleID)
	}
	msgs[0].Ack()
	if n := q.Len(); n != 0 {
		t.Fatalf("Len after ack = %d, want 0", n)
	}
}

func TestDelayedDelivery(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	if err := q.Publish(ctx, reminderTask("s1"), 5*time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msgs, _ := q.Receive(ctx, 10); len(msgs) != 0 {
		t.Fatalf("delayed message visible immediately: %d", len(msgs))
	}
	clock.Advance(4 * time.Second)
	if msgs, _ := q.Receive(ctx, 10); len(msgs) != 0 {
		t.Fatalf("delayed message visible before its delay: %d", len(msgs))
	}
	clock.Advance(2 * time.Second)
	msgs, _ := q.Receive(ctx, 10)
	if len(msgs) != 1 {
		t.Fatalf("received %d after delay elapsed, want 1", len(msgs))
	}
}

func TestFIFOByVisibility(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	// Third becomes visible first because of its shorter delay.
	_ = q.Publish(ctx, reminderTask("a"), 3*time.Second)
	_ = q.Publish(ctx, reminderTask("b"), 2*time.Second)
	_ = q.Publish(ctx, reminderTask("c"), time.Second)
	clock.Advance(5 * time.Second)

	msgs, _ := q.Receive(ctx, 10)
	if len(msgs) != 3 {
		t.Fatalf("received %d, want 3", len(msgs))
	}
	var order []string
	for _, m := range msgs {
		tk, _ := task.Parse(m.Body())
		order = append(order, tk.ScheduleID)
	}
	if order[0] != "c" || order[1] != "b" || order[2] != "a" {
		t.Fatalf("order = %v, want [c b a]", order)
	}
}

func TestReceiveCapsAtMax(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Publish(ctx, reminderTask("s"), 0)
	}
	msgs, _ := q.Receive(ctx, 3)
	if len(msgs) != 3 {
		t.Fatalf("received %d, want 3", len(msgs))
	}
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_ = q.Publish(ctx, reminderTask("s1"), 0)
	first, _ := q.Receive(ctx, 10)
	if len(first) != 1 {
		t.Fatalf("first receive = %d, want 1", len(first))
	}

	// Unacked and still within the visibility timeout: invisible.
	clock.Advance(10 * time.Second)
	if msgs, _ := q.Receive(ctx, 10); len(msgs) != 0 {
		t.Fatalf("inflight message redelivered early: %d", len(msgs))
	}

	// Past the timeout: redelivered.
	clock.Advance(25 * time.Second)
	second, _ := q.Receive(ctx, 10)
	if len(second) != 1 {
		t.Fatalf("second receive = %d, want 1 (redelivery)", len(second))
	}

	second[0].Ack()
	clock.Advance(time.Minute)
	if msgs, _ := q.Receive(ctx, 10); len(msgs) != 0 {
		t.Fatalf("acked message redelivered: %d", len(msgs))
	}
}

func TestAckIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_ = q.Publish(ctx, reminderTask("s1"), 0)
	msgs, _ := q.Receive(ctx, 1)
	if len(msgs) != 1 {
		t.Fatalf("received %d, want 1", len(msgs))
	}
	msgs[0].Ack()
	msgs[0].Ack()
	if n := q.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestClosedQueue(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	q.Close()
	if err := q.Publish(context.Background(), reminderTask("s1"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish on closed = %v, want ErrClosed", err)
	}
	if _, err := q.Receive(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive on closed = %v, want ErrClosed", err)
	}
}
