package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestProcessAllSucceed(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var ran int64
	out := Process(context.Background(), items, func(ctx context.Context, n int) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}, Options[int]{BatchSize: 3})

	if out.Processed != 7 || len(out.Errors) != 0 || out.Retried != 0 {
		t.Fatalf("outcome = %+v, want 7 processed", out)
	}
	if atomic.LoadInt64(&ran) != 7 {
		t.Fatalf("ran = %d, want 7", ran)
	}
}

func TestProcessPersistentFailure(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3, 4, 5}
	boom := errors.New("boom")
	out := Process(context.Background(), items, func(ctx context.Context, n int) error {
		if n == 3 {
			return boom
		}
		return nil
	}, Options[int]{BatchSize: 2, MaxRetries: 2, Delay: time.Millisecond})

	// Item 3 fails its initial attempt and both retries: four successes,
	// three recorded failures, nothing recovered.
	if out.Processed != 4 {
		t.Fatalf("Processed = %d, want 4", out.Processed)
	}
	if len(out.Errors) != 3 {
		t.Fatalf("Errors = %d, want 3", len(out.Errors))
	}
	if out.Retried != 0 {
		t.Fatalf("Retried = %d, want 0", out.Retried)
	}
	for _, e := range out.Errors {
		if e.Index != 2 {
			t.Fatalf("error index = %d, want 2", e.Index)
		}
		if !errors.Is(e.Err, boom) {
			t.Fatalf("error = %v, want boom", e.Err)
		}
	}
}

func TestProcessRetryRecovers(t *testing.T) {
	t.Parallel()
	items := []string{"a", "b", "c"}
	var mu sync.Mutex
	attempts := map[string]int{}
	out := Process(context.Background(), items, func(ctx context.Context, s string) error {
		mu.Lock()
		attempts[s]++
		n := attempts[s]
		mu.Unlock()
		if s == "b" && n == 1 {
			return errors.New("transient")
		}
		return nil
	}, Options[string]{BatchSize: 3, MaxRetries: 2, Delay: time.Millisecond})

	if out.Processed != 3 {
		t.Fatalf("Processed = %d, want 3", out.Processed)
	}
	if out.Retried != 1 {
		t.Fatalf("Retried = %d, want 1", out.Retried)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(out.Errors))
	}
}

func TestProcessNoRetriesWhenDisabled(t *testing.T) {
	t.Parallel()
	var ran int64
	out := Process(context.Background(), []int{1}, func(ctx context.Context, n int) error {
		atomic.AddInt64(&ran, 1)
		return errors.New("boom")
	}, Options[int]{BatchSize: 1})

	if got := atomic.LoadInt64(&ran); got != 1 {
		t.Fatalf("ran = %d, want 1 (MaxRetries=0 must not retry)", got)
	}
	if out.Processed != 0 || len(out.Errors) != 1 {
		t.Fatalf("outcome = %+v, want single failure", out)
	}
}

func TestProcessOnErrorVetoesRetry(t *testing.T) {
	t.Parallel()
	var ran int64
	out := Process(context.Background(), []int{7}, func(ctx context.Context, n int) error {
		atomic.AddInt64(&ran, 1)
		return errors.New("permanent")
	}, Options[int]{
		BatchSize:  1,
		MaxRetries: 5,
		OnError:    func(item int, err error, attempt int) bool { return false },
	})

	if got := atomic.LoadInt64(&ran); got != 1 {
		t.Fatalf("ran = %d, want 1 (vetoed retry)", got)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(out.Errors))
	}
}

func TestProcessSingleBatchNoDelay(t *testing.T) {
	t.Parallel()
	start := time.Now()
	out := Process(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) error {
		return nil
	}, Options[int]{BatchSize: 10, Delay: 500 * time.Millisecond})

	if out.Processed != 3 {
		t.Fatalf("Processed = %d, want 3", out.Processed)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("single batch took %v; inter-batch delay should not apply", elapsed)
	}
}

func TestProcessOnProgress(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls [][3]int
	out := Process(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, n int) error {
		return nil
	}, Options[int]{
		BatchSize: 2,
		OnProgress: func(processed, total, errs int) {
			mu.Lock()
			calls = append(calls, [3]int{processed, total, errs})
			mu.Unlock()
		},
	})

	if out.Processed != 4 {
		t.Fatalf("Processed = %d, want 4", out.Processed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("OnProgress calls = %d, want 2", len(calls))
	}
	if last := calls[len(calls)-1]; last != [3]int{4, 4, 0} {
		t.Fatalf("final progress = %v, want [4 4 0]", last)
	}
}

func TestProcessContextCancelStopsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var ran int64
	out := Process(ctx, []int{1}, func(ctx context.Context, n int) error {
		atomic.AddInt64(&ran, 1)
		cancel()
		return errors.New("boom")
	}, Options[int]{BatchSize: 1, MaxRetries: 10, Delay: 50 * time.Millisecond})

	if got := atomic.LoadInt64(&ran); got != 1 {
		t.Fatalf("ran = %d, want 1 (cancel must stop retry rounds)", got)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(out.Errors))
	}
}

func TestRetryBackoffCap(t *testing.T) {
	t.Parallel()
	base := 200 * time.Millisecond
	tests := []struct {
		round int
		want  time.Duration
	}{
		{round: 0, want: 200 * time.Millisecond},
		{round: 1, want: 400 * time.Millisecond},
		{round: 2, want: 800 * time.Millisecond},
		{round: 10, want: maxRetryBackoff},
	}
	for _, tt := range tests {
		if got := retryBackoff(base, tt.round); got != tt.want {
			t.Fatalf("retryBackoff(round=%d) = %v, want %v", tt.round, got, tt.want)
		}
	}
	if got := retryBackoff(0, 3); got != 0 {
		t.Fatalf("retryBackoff with zero base = %v, want 0", got)
	}
}

func TestProcessEmptyInput(t *testing.T) {
	t.Parallel()
	out := Process(context.Background(), nil, func(ctx context.Context, n int) error { return nil }, Options[int]{})
	if out.Processed != 0 || len(out.Errors) != 0 || out.Retried != 0 {
		t.Fatalf("outcome = %+v, want zero", out)
	}
}
