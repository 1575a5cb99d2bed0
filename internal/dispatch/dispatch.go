// Package dispatch consumes task batches from the queue and turns them into
// chat API calls. Two consumers exist: updates (live summary edits, gated by
// admission control) and reminders (deadline fan-out, closing, final summary).
//
// Every received message is acked exactly once, unconditionally, after the
// local handling attempt: redelivery would re-run side effects against an
// external API, which is worse than a lost update that the next vote repairs.
package dispatch

import (
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/eventbus"
	"github.com/retoruto-carry/choseichan-sub004/internal/queue"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// Event types published on the bus. Observability only; nothing in the hot
// path depends on delivery.
const (
	EventDispatched = "task.dispatched"
	EventDeduped    = "task.deduped"
	EventSuppressed = "task.suppressed"
	EventFailed     = "task.failed"
	EventMalformed  = "task.malformed"
)

func publish(bus eventbus.Bus, typ string, t task.Task) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: map[string]string{
		"kind":     string(t.Kind),
		"schedule": t.ScheduleID,
		"key":      t.Key(),
	}})
}

// decodeBatch parses every message body, dropping malformed payloads. The
// returned slice is index-aligned with the surviving tasks only; dropped
// messages are logged and counted but still acked by the caller's deferred
// pass.
func decodeBatch(msgs []queue.Message, bus eventbus.Bus, log logx.Logger) []task.Task {
	tasks := make([]task.Task, 0, len(msgs))
	for _, m := range msgs {
		t, err := task.Parse(m.Body())
		if err != nil {
			log.Warn("dropping malformed task", logx.Err(err))
			publish(bus, EventMalformed, t)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// dedupeLatest collapses tasks sharing a Kind and Key, keeping the greatest
// Timestamp. For equal timestamps the earlier entry wins. Input order is
// preserved for the survivors. Kind is part of the identity: the reminder
// family shares scheduleID:guildID keys across kinds, and a close_schedule
// must never swallow the send_summary that follows it.
func dedupeLatest(tasks []task.Task, bus eventbus.Bus) []task.Task {
	if len(tasks) <= 1 {
		return tasks
	}
	best := make(map[string]int, len(tasks)) // kind+key -> index into out
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		k := string(t.Kind) + "\x00" + t.Key()
		if i, ok := best[k]; ok {
			if t.Timestamp > out[i].Timestamp {
				publish(bus, EventDeduped, out[i])
				out[i] = t
			} else {
				publish(bus, EventDeduped, t)
			}
			continue
		}
		best[k] = len(out)
		out = append(out, t)
	}
	return out
}

// ackAll acks every message once. Deferred by the consumers so that panics or
// early returns cannot leave a message to be redelivered.
func ackAll(msgs []queue.Message) {
	for _, m := range msgs {
		m.Ack()
	}
}
