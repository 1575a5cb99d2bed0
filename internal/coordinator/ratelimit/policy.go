package ratelimit

import "time"

// Policy decides how aggressively the limiter drains its queue. It is
// injected so thresholds stay testable and tunable instead of being inlined
// in the loop.
type Policy interface {
	// BatchSize returns how many jobs to run concurrently given the overall
	// observed error rate. Must return at least 1.
	BatchSize(maxConcurrent int, errorRate float64) int
	// Delay returns the pause before the next batch given the error ratio of
	// the batch that just finished.
	Delay(base time.Duration, batchErrorRate float64) time.Duration
}

// ThresholdPolicy shrinks batches and stretches delays past two error-rate
// cutoffs. The zero value applies the defaults (0.2 moderate, 0.5 high).
type ThresholdPolicy struct {
	Moderate float64
	High     float64
}

func (p ThresholdPolicy) thresholds() (moderate, high float64) {
	moderate, high = p.Moderate, p.High
	if moderate <= 0 {
		moderate = 0.2
	}
	if high <= 0 {
		high = 0.5
	}
	return moderate, high
}

func (p ThresholdPolicy) BatchSize(maxConcurrent int, errorRate float64) int {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	moderate, high := p.thresholds()

	size := maxConcurrent
	switch {
	case errorRate > high:
		size = maxConcurrent / 4
	case errorRate > moderate:
		size = maxConcurrent / 2
	}
	if size < 1 {
		size = 1
	}
	return size
}

func (p ThresholdPolicy) Delay(base time.Duration, batchErrorRate float64) time.Duration {
	if base <= 0 {
		return 0
	}
	moderate, high := p.thresholds()
	switch {
	case batchErrorRate > high:
		return base * 3
	case batchErrorRate > moderate:
		return base * 2
	default:
		return base
	}
}
