package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/retoruto-carry/choseichan-sub004/internal/chat"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/admission"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/ratelimit"
	"github.com/retoruto-carry/choseichan-sub004/internal/eventbus"
	"github.com/retoruto-carry/choseichan-sub004/internal/queue"
	"github.com/retoruto-carry/choseichan-sub004/internal/summary"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// UpdateConsumer refreshes live summary messages. Batches are deduped by key
// (latest timestamp wins), gated by the admission controller, and executed
// through the adaptive rate limiter so a flood of votes degrades gracefully
// instead of hammering the chat API.
type UpdateConsumer struct {
	limiter   *ratelimit.Limiter
	gate      *admission.Controller
	summaries *summary.Provider
	chat      chat.Client
	bus       eventbus.Bus
	log       logx.Logger
}

func NewUpdateConsumer(
	limiter *ratelimit.Limiter,
	gate *admission.Controller,
	summaries *summary.Provider,
	chatClient chat.Client,
	bus eventbus.Bus,
	log logx.Logger,
) *UpdateConsumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UpdateConsumer{
		limiter:   limiter,
		gate:      gate,
		summaries: summaries,
		chat:      chatClient,
		bus:       bus,
		log:       log,
	}
}

// ExecuteBatch handles one received batch. It returns after every surviving
// task finished (or ctx was canceled); individual task failures are logged
// and never propagate to siblings or to the queue.
func (c *UpdateConsumer) ExecuteBatch(ctx context.Context, msgs []queue.Message) {
	if len(msgs) == 0 {
		return
	}
	defer ackAll(msgs)

	tasks := dedupeLatest(decodeBatch(msgs, c.bus, c.log), c.bus)

	type pending struct {
		t task.Task
		h *ratelimit.Handle
	}
	var handles []pending
	for _, t := range tasks {
		if t.Kind != task.KindUpdateMessage {
			c.log.Warn("update consumer received foreign kind", logx.String("kind", string(t.Kind)))
			continue
		}
		key := t.Key()
		if !c.gate.ShouldUpdate(ctx, key) {
			c.log.Debug("update suppressed", logx.String("key", key))
			publish(c.bus, EventSuppressed, t)
			continue
		}
		c.gate.RecordUpdate(ctx, key)

		t := t
		handles = append(handles, pending{t: t, h: c.limiter.Add(ctx, func(ctx context.Context) error {
			return c.refresh(ctx, t)
		})})
	}

	for _, p := range handles {
		if err := p.h.Wait(ctx); err != nil {
			c.log.Warn("update failed",
				logx.String("key", p.t.Key()),
				logx.String("schedule", p.t.ScheduleID),
				logx.Err(err))
			publish(c.bus, EventFailed, p.t)
			continue
		}
		publish(c.bus, EventDispatched, p.t)
	}
}

func (c *UpdateConsumer) refresh(ctx context.Context, t task.Task) error {
	s, err := c.summaries.GetSummary(ctx, t.ScheduleID, t.GuildID)
	if err != nil {
		if errors.Is(err, summary.ErrNotFound) {
			// Schedule deleted after the task was queued; nothing to render.
			return fmt.Errorf("%w: %v", task.ErrMalformed, err)
		}
		return err
	}
	text := summary.Render(s)
	if s.Closed {
		text = summary.RenderFinal(s)
	}
	return c.chat.EditMessage(ctx, t.ChannelID, t.MessageID, text)
}
