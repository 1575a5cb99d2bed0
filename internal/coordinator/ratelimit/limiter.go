// Package ratelimit implements an adaptive bounded-concurrency job queue.
//
// Jobs are drained FIFO in batches. The batch size shrinks (never grows past
// MaxConcurrent) as the observed error rate climbs, and the pause between
// batches stretches with the error ratio of the batch that just ran. One
// job's failure is surfaced only to its own caller and never aborts the loop
// or sibling jobs.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

var ErrStopped = errors.New("rate limiter stopped")

// Job is one unit of asynchronous work.
type Job func(ctx context.Context) error

// Config controls the limiter.
type Config struct {
	// MaxConcurrent bounds in-flight jobs per batch. Default 5.
	MaxConcurrent int
	// Delay is the base inter-batch pause. Default 100ms.
	Delay time.Duration
	// Policy maps error rates to batch size and delay. Defaults to
	// ThresholdPolicy{}.
	Policy Policy
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.Delay <= 0 {
		c.Delay = 100 * time.Millisecond
	}
	if c.Policy == nil {
		c.Policy = ThresholdPolicy{}
	}
	return c
}

// Stats is a point-in-time view of the limiter's counters. Counters are
// monotonic until Reset.
type Stats struct {
	Success   uint64
	Errors    uint64
	LastError error
	QueueLen  int
}

// Handle tracks one submitted job. The job's outcome is visible only through
// its handle; the limiter itself treats failures as counter updates.
type Handle struct {
	ctx  context.Context
	job  Job
	done chan struct{}
	err  error
}

// Done is closed once the job finished (or was rejected at shutdown).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's outcome. Only valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is canceled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Limiter is the adaptive job queue. Construct with New; the processing loop
// starts lazily on the first Add and parks itself when the queue drains.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	queue   []*Handle
	running bool
	stopped bool
	stopCh  chan struct{}

	success uint64
	failed  uint64
	lastErr atomic.Value // stores error
}

func New(cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Add enqueues a job and returns its handle, starting the drain loop if it
// is idle. The job runs with ctx; cancellation is the job's own concern.
func (l *Limiter) Add(ctx context.Context, job Job) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Handle{ctx: ctx, job: job, done: make(chan struct{})}
	if job == nil {
		h.finish(errors.New("nil job"))
		return h
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		h.finish(ErrStopped)
		return h
	}
	l.queue = append(l.queue, h)
	start := !l.running
	if start {
		l.running = true
	}
	l.mu.Unlock()

	if start {
		go l.run()
	}
	return h
}

// Stats returns current counters and queue length.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	ql := len(l.queue)
	l.mu.Unlock()
	st := Stats{
		Success:  atomic.LoadUint64(&l.success),
		Errors:   atomic.LoadUint64(&l.failed),
		QueueLen: ql,
	}
	if v := l.lastErr.Load(); v != nil {
		st.LastError = v.(errBox).err
	}
	return st
}

// Reset clears counters. Queue and in-flight jobs are unaffected; intended
// for observability windows and test isolation.
func (l *Limiter) Reset() {
	atomic.StoreUint64(&l.success, 0)
	atomic.StoreUint64(&l.failed, 0)
	l.lastErr.Store(errBox{})
}

// Close rejects queued and future jobs with ErrStopped. In-flight jobs are
// left to finish on their own.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	pending := l.queue
	l.queue = nil
	close(l.stopCh)
	l.mu.Unlock()

	for _, h := range pending {
		h.finish(ErrStopped)
	}
}

func (l *Limiter) errorRate() float64 {
	s := atomic.LoadUint64(&l.success)
	f := atomic.LoadUint64(&l.failed)
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}

func (l *Limiter) run() {
	for {
		l.mu.Lock()
		if l.stopped || len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		cfg := l.cfg
		size := cfg.Policy.BatchSize(cfg.MaxConcurrent, l.errorRate())
		if size > len(l.queue) {
			size = len(l.queue)
		}
		batch := l.queue[:size]
		l.queue = append([]*Handle(nil), l.queue[size:]...)
		l.mu.Unlock()

		var wg sync.WaitGroup
		var batchErrs int32
		for _, h := range batch {
			wg.Add(1)
			go func(h *Handle) {
				defer wg.Done()
				err := l.runOne(h)
				if err != nil {
					atomic.AddInt32(&batchErrs, 1)
				}
			}(h)
		}
		wg.Wait()

		delay := cfg.Policy.Delay(cfg.Delay, float64(atomic.LoadInt32(&batchErrs))/float64(len(batch)))

		l.mu.Lock()
		empty := len(l.queue) == 0
		if empty || l.stopped {
			l.running = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if delay > 0 {
			select {
			case <-l.stopCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

func (l *Limiter) runOne(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("job panicked")
			l.log.Error("rate limiter job panicked", logx.Any("panic", r))
		}
		if err != nil {
			atomic.AddUint64(&l.failed, 1)
			l.lastErr.Store(errBox{err})
			l.log.Debug("job failed", logx.Err(err))
		} else {
			atomic.AddUint64(&l.success, 1)
		}
		h.finish(err)
	}()
	return h.job(h.ctx)
}

// errBox gives the lastErr atomic.Value a single concrete type to store.
type errBox struct{ err error }
