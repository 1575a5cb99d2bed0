package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/chat"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/admission"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/batch"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/ratelimit"
	"github.com/retoruto-carry/choseichan-sub004/internal/eventbus"
	"github.com/retoruto-carry/choseichan-sub004/internal/queue"
	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
	"github.com/retoruto-carry/choseichan-sub004/internal/summary"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// ReminderOptions tunes the send_reminder fan-out.
type ReminderOptions struct {
	// FanoutSize is the concurrent reminder sends per round. Default 10.
	FanoutSize int
	// FanoutDelay paces fan-out rounds and seeds the retry backoff.
	// Default 200ms.
	FanoutDelay time.Duration
	// MaxRetries bounds retry attempts per reminder. Default 2.
	MaxRetries int
}

func (o ReminderOptions) withDefaults() ReminderOptions {
	if o.FanoutSize <= 0 {
		o.FanoutSize = 10
	}
	if o.FanoutDelay <= 0 {
		o.FanoutDelay = 200 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	return o
}

// ReminderConsumer handles the deadline task family: send_reminder fans out
// notifications, close_schedule flips the schedule and force-refreshes its
// main message, send_summary posts the final tally. Tasks in one batch are
// isolated from each other; every message is acked unconditionally.
type ReminderConsumer struct {
	store     storage.Store
	summaries *summary.Provider
	chat      chat.Client
	gate      *admission.Controller
	limiter   *ratelimit.Limiter
	opts      ReminderOptions
	bus       eventbus.Bus
	log       logx.Logger
}

func NewReminderConsumer(
	store storage.Store,
	summaries *summary.Provider,
	chatClient chat.Client,
	gate *admission.Controller,
	limiter *ratelimit.Limiter,
	opts ReminderOptions,
	bus eventbus.Bus,
	log logx.Logger,
) *ReminderConsumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReminderConsumer{
		store:     store,
		summaries: summaries,
		chat:      chatClient,
		gate:      gate,
		limiter:   limiter,
		opts:      opts.withDefaults(),
		bus:       bus,
		log:       log,
	}
}

func (c *ReminderConsumer) ExecuteBatch(ctx context.Context, msgs []queue.Message) {
	if len(msgs) == 0 {
		return
	}
	defer ackAll(msgs)

	tasks := dedupeLatest(decodeBatch(msgs, c.bus, c.log), c.bus)

	var reminders []task.Task
	for _, t := range tasks {
		switch t.Kind {
		case task.KindSendReminder:
			reminders = append(reminders, t)
		case task.KindCloseSchedule:
			c.runOne(ctx, t, c.closeSchedule)
		case task.KindSendSummary:
			c.runOne(ctx, t, c.sendSummary)
		default:
			c.log.Warn("reminder consumer received foreign kind", logx.String("kind", string(t.Kind)))
		}
	}

	if len(reminders) == 0 {
		return
	}
	out := batch.Process(ctx, reminders, c.sendReminder, batch.Options[task.Task]{
		BatchSize:  c.opts.FanoutSize,
		Delay:      c.opts.FanoutDelay,
		MaxRetries: c.opts.MaxRetries,
		OnError: func(t task.Task, err error, attempt int) bool {
			c.log.Warn("reminder attempt failed",
				logx.String("schedule", t.ScheduleID),
				logx.Int("attempt", attempt),
				logx.Err(err))
			return !errors.Is(err, task.ErrMalformed)
		},
	})
	c.log.Info("reminder fan-out done",
		logx.Int("sent", out.Processed),
		logx.Int("failed_attempts", len(out.Errors)),
		logx.Int("recovered", out.Retried))
	for _, t := range reminders {
		publish(c.bus, EventDispatched, t)
	}
}

// runOne executes fn for one task, recovering panics so a poisoned task never
// takes the consumer down.
func (c *ReminderConsumer) runOne(ctx context.Context, t task.Task, fn func(context.Context, task.Task) error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("task handler panicked",
				logx.String("kind", string(t.Kind)),
				logx.String("schedule", t.ScheduleID),
				logx.Any("panic", r))
			publish(c.bus, EventFailed, t)
		}
	}()
	if err := fn(ctx, t); err != nil {
		c.log.Warn("task failed",
			logx.String("kind", string(t.Kind)),
			logx.String("schedule", t.ScheduleID),
			logx.Err(err))
		publish(c.bus, EventFailed, t)
		return
	}
	publish(c.bus, EventDispatched, t)
}

func (c *ReminderConsumer) sendReminder(ctx context.Context, t task.Task) error {
	sc, err := c.store.GetSchedule(ctx, t.ScheduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", task.ErrMalformed, err)
		}
		return err
	}
	if sc.Closed || sc.ReminderSent {
		return nil
	}

	text := t.CustomMessage
	if text == "" {
		text = fmt.Sprintf("⏰ %s closes at %s. Vote if you haven't!",
			sc.Title, sc.Deadline.UTC().Format("2006-01-02 15:04 MST"))
	}

	h := c.limiter.Add(ctx, func(ctx context.Context) error {
		_, err := c.chat.SendMessage(ctx, sc.ChannelID, text)
		return err
	})
	if err := h.Wait(ctx); err != nil {
		return err
	}
	if err := c.store.MarkReminderSent(ctx, sc.ID); err != nil {
		c.log.Warn("mark reminder sent failed", logx.String("schedule", sc.ID), logx.Err(err))
	}
	return nil
}

func (c *ReminderConsumer) closeSchedule(ctx context.Context, t task.Task) error {
	if err := c.store.CloseSchedule(ctx, t.ScheduleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", task.ErrMalformed, err)
		}
		return err
	}

	sc, err := c.store.GetSchedule(ctx, t.ScheduleID)
	if err != nil {
		return err
	}
	if sc.MessageID == "" {
		return nil
	}

	// The closed state must render even if the key is rate-hot.
	key := task.Task{Kind: task.KindUpdateMessage, ScheduleID: sc.ID, MessageID: sc.MessageID}.Key()
	c.gate.ForceUpdate(ctx, key)

	s, err := c.summaries.GetSummary(ctx, sc.ID, sc.GuildID)
	if err != nil {
		return err
	}
	h := c.limiter.Add(ctx, func(ctx context.Context) error {
		return c.chat.EditMessage(ctx, sc.ChannelID, sc.MessageID, summary.RenderFinal(s))
	})
	if err := h.Wait(ctx); err != nil {
		return err
	}
	c.gate.RecordUpdate(ctx, key)
	return nil
}

func (c *ReminderConsumer) sendSummary(ctx context.Context, t task.Task) error {
	s, err := c.summaries.GetSummary(ctx, t.ScheduleID, t.GuildID)
	if err != nil {
		if errors.Is(err, summary.ErrNotFound) {
			return fmt.Errorf("%w: %v", task.ErrMalformed, err)
		}
		return err
	}

	h := c.limiter.Add(ctx, func(ctx context.Context) error {
		_, err := c.chat.SendMessage(ctx, s.ChannelID, summary.RenderFinal(s))
		return err
	})
	if err := h.Wait(ctx); err != nil {
		return err
	}

	// Secondary note is best effort; its failure never fails the task.
	if t.CustomMessage != "" {
		h := c.limiter.Add(ctx, func(ctx context.Context) error {
			_, err := c.chat.SendMessage(ctx, s.ChannelID, t.CustomMessage)
			return err
		})
		if err := h.Wait(ctx); err != nil {
			c.log.Warn("secondary summary message failed",
				logx.String("schedule", t.ScheduleID), logx.Err(err))
		}
	}
	return nil
}
