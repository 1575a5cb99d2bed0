package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

type published struct {
	task  task.Task
	delay time.Duration
}

type fakePublisher struct {
	calls []published
	// failSchedule makes Publish fail for that schedule's tasks.
	failSchedule string
}

func (p *fakePublisher) Publish(_ context.Context, t task.Task, delay time.Duration) error {
	if t.ScheduleID == p.failSchedule {
		return errors.New("queue unavailable")
	}
	p.calls = append(p.calls, published{task: t, delay: delay})
	return nil
}

func (p *fakePublisher) byKind(k task.Kind) []published {
	var out []published
	for _, c := range p.calls {
		if c.task.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

var sweepNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func seedSweepStore(t *testing.T) *storage.Memory {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	schedules := []storage.Schedule{
		// Deadline inside the 1h lead window: reminder due.
		{ID: "due", GuildID: "g1", ChannelID: "1", Deadline: sweepNow.Add(30 * time.Minute)},
		// Deadline far out: nothing due yet.
		{ID: "later", GuildID: "g1", ChannelID: "2", Deadline: sweepNow.Add(3 * time.Hour)},
		// Deadline passed: close + summary.
		{ID: "expired", GuildID: "g1", ChannelID: "3", Deadline: sweepNow.Add(-time.Minute)},
		// Already closed: untouched.
		{ID: "closed", GuildID: "g1", ChannelID: "4", Deadline: sweepNow.Add(-time.Hour), Closed: true},
		// No deadline: never swept.
		{ID: "open-ended", GuildID: "g1", ChannelID: "5"},
		// Inside the lead window but already reminded.
		{ID: "reminded", GuildID: "g1", ChannelID: "6", Deadline: sweepNow.Add(30 * time.Minute), ReminderSent: true},
	}
	for _, sc := range schedules {
		if err := store.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule(%s): %v", sc.ID, err)
		}
	}
	return store
}

func TestSweepPublishesDueWork(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s := New(Config{}, seedSweepStore(t), pub, logx.Nop(), WithNow(func() time.Time { return sweepNow }))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	reminders := pub.byKind(task.KindSendReminder)
	if len(reminders) != 1 || reminders[0].task.ScheduleID != "due" {
		t.Fatalf("reminders = %+v, want one for 'due'", reminders)
	}
	if reminders[0].delay != 0 {
		t.Fatalf("reminder delay = %v, want 0", reminders[0].delay)
	}

	closes := pub.byKind(task.KindCloseSchedule)
	if len(closes) != 1 || closes[0].task.ScheduleID != "expired" {
		t.Fatalf("closes = %+v, want one for 'expired'", closes)
	}

	summaries := pub.byKind(task.KindSendSummary)
	if len(summaries) != 1 || summaries[0].task.ScheduleID != "expired" {
		t.Fatalf("summaries = %+v, want one for 'expired'", summaries)
	}
	if summaries[0].delay != 5*time.Second {
		t.Fatalf("summary delay = %v, want default 5s", summaries[0].delay)
	}
}

func TestSweepQuietWhenNothingDue(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	if err := store.CreateSchedule(context.Background(), storage.Schedule{
		ID: "later", GuildID: "g1", Deadline: sweepNow.Add(3 * time.Hour),
	}); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	pub := &fakePublisher{}
	s := New(Config{}, store, pub, logx.Nop(), WithNow(func() time.Time { return sweepNow }))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("published %d tasks, want 0", len(pub.calls))
	}
}

func TestSweepSkipsSummaryWhenCloseFails(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	for _, sc := range []storage.Schedule{
		{ID: "bad", GuildID: "g1", Deadline: sweepNow.Add(-time.Minute)},
		{ID: "good", GuildID: "g1", Deadline: sweepNow.Add(-time.Minute)},
	} {
		if err := store.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule: %v", err)
		}
	}
	pub := &fakePublisher{failSchedule: "bad"}
	s := New(Config{}, store, pub, logx.Nop(), WithNow(func() time.Time { return sweepNow }))

	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep must not fail the pass: %v", err)
	}
	// Nothing for "bad": no close published means no summary either. "good"
	// is unaffected.
	for _, c := range pub.calls {
		if c.task.ScheduleID != "good" {
			t.Fatalf("unexpected publish for %q", c.task.ScheduleID)
		}
	}
	if got := len(pub.byKind(task.KindCloseSchedule)); got != 1 {
		t.Fatalf("closes = %d, want 1", got)
	}
	if got := len(pub.byKind(task.KindSendSummary)); got != 1 {
		t.Fatalf("summaries = %d, want 1", got)
	}
}

func TestSweeperStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Spec: "@every 1h"}, storage.NewMemory(), &fakePublisher{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second Start is a no-op, second Stop too.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestSweeperRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Spec: "not a cron spec"}, storage.NewMemory(), &fakePublisher{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start must reject an unparsable spec")
	}
}
