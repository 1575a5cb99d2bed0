// Package batch provides one-shot bulk processing of an item list with
// per-item bounded retry and exponential backoff. It is used for fan-out work
// such as sending one reminder to many channels.
package batch

import (
	"context"
	"sync"
	"time"
)

// maxRetryBackoff caps the pause between retry rounds.
const maxRetryBackoff = 10 * time.Second

// ItemError records one failed processing attempt.
type ItemError struct {
	Index   int // position in the input slice
	Attempt int // 0 = initial pass, 1 = first retry, ...
	Err     error
}

// Outcome reports the result of one Process call. Not persisted.
type Outcome struct {
	// Processed counts items that eventually succeeded.
	Processed int
	// Errors holds one entry per failed attempt, including attempts on items
	// that later succeeded.
	Errors []ItemError
	// Retried counts items that succeeded on a retry attempt.
	Retried int
}

// Options tunes Process. The zero value is usable.
type Options[T any] struct {
	// BatchSize is the number of items attempted concurrently. Default 10.
	BatchSize int
	// Delay is the pause between initial batches and the base of the retry
	// backoff. Default 0 (no pause).
	Delay time.Duration
	// MaxRetries bounds retry attempts per item. 0 disables retries.
	MaxRetries int
	// OnProgress, if set, is called after every batch and retry round with
	// (processed, total, errors-so-far).
	OnProgress func(processed, total, errs int)
	// OnError, if set, decides whether a failed item is eligible for retry.
	// Default: always eligible.
	OnError func(item T, err error, attempt int) bool
}

type retryEntry[T any] struct {
	index   int
	item    T
	attempt int // retries already consumed
}

// Process splits items into fixed-size batches, runs each batch concurrently
// through fn, then drains a retry queue with exponential backoff
// (min(Delay * 2^round, 10s)). Item failures never abort the run; ctx
// cancellation stops between rounds and returns what happened so far.
func Process[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error, opts Options[T]) Outcome {
	var out Outcome
	if len(items) == 0 || fn == nil {
		return out
	}
	if ctx == nil {
		ctx = context.Background()
	}
	size := opts.BatchSize
	if size <= 0 {
		size = 10
	}

	var (
		mu    sync.Mutex
		retry []retryEntry[T]
	)

	attemptBatch := func(entries []retryEntry[T]) {
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e retryEntry[T]) {
				defer wg.Done()
				err := fn(ctx, e.item)

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					out.Processed++
					if e.attempt > 0 {
						out.Retried++
					}
					return
				}
				out.Errors = append(out.Errors, ItemError{Index: e.index, Attempt: e.attempt, Err: err})
				eligible := true
				if opts.OnError != nil {
					eligible = opts.OnError(e.item, err, e.attempt)
				}
				if eligible && e.attempt < opts.MaxRetries {
					retry = append(retry, retryEntry[T]{index: e.index, item: e.item, attempt: e.attempt + 1})
				}
			}(e)
		}
		wg.Wait()
	}

	progress := func() {
		if opts.OnProgress == nil {
			return
		}
		mu.Lock()
		p, e := out.Processed, len(out.Errors)
		mu.Unlock()
		opts.OnProgress(p, len(items), e)
	}

	// Initial pass.
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		entries := make([]retryEntry[T], 0, end-start)
		for i := start; i < end; i++ {
			entries = append(entries, retryEntry[T]{index: i, item: items[i]})
		}
		attemptBatch(entries)
		progress()

		if end < len(items) && opts.Delay > 0 {
			if !sleep(ctx, opts.Delay) {
				return out
			}
		}
	}

	// Retry rounds.
	for round := 0; ; round++ {
		mu.Lock()
		pending := retry
		retry = nil
		mu.Unlock()
		if len(pending) == 0 {
			return out
		}

		if d := retryBackoff(opts.Delay, round); d > 0 {
			if !sleep(ctx, d) {
				return out
			}
		}
		attemptBatch(pending)
		progress()
	}
}

func retryBackoff(base time.Duration, round int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < round; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
