package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/queue"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// BatchHandler is implemented by both consumers.
type BatchHandler interface {
	ExecuteBatch(ctx context.Context, msgs []queue.Message)
}

// Poller pulls batches from a queue and feeds a handler. Run is meant to be
// supervised; it only returns on ctx cancellation or a closed queue.
type Poller struct {
	name     string
	consumer queue.Consumer
	handler  BatchHandler
	interval time.Duration
	maxBatch int
	log      logx.Logger
}

func NewPoller(name string, consumer queue.Consumer, handler BatchHandler, interval time.Duration, maxBatch int, log logx.Logger) *Poller {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		name:     name,
		consumer: consumer,
		handler:  handler,
		interval: interval,
		maxBatch: maxBatch,
		log:      log.With(logx.String("poller", name)),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("poller started", logx.Duration("interval", p.interval), logx.Int("max_batch", p.maxBatch))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-ticker.C:
		}

		// Drain everything currently visible before sleeping again.
		for {
			msgs, err := p.consumer.Receive(ctx, p.maxBatch)
			if err != nil {
				if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
					p.log.Info("poller stopped")
					return nil
				}
				p.log.Warn("receive failed", logx.Err(err))
				break
			}
			if len(msgs) == 0 {
				break
			}
			p.handler.ExecuteBatch(ctx, msgs)
			if len(msgs) < p.maxBatch {
				break
			}
		}
	}
}
