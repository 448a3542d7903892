// Package pacing provides the fixed, context-aware delays used to stay under
// provider rate limits. Delays are pacing only; nothing here retries.
package pacing

import (
	"context"
	"time"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep blocks for d. It returns ctx.Err() if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Recorder is a SleepFunc that records requested delays without sleeping.
type Recorder struct {
	Delays []time.Duration
}

func (r *Recorder) Sleep(ctx context.Context, d time.Duration) error {
	r.Delays = append(r.Delays, d)
	return ctx.Err()
}

// Total returns the sum of all recorded delays.
func (r *Recorder) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Delays {
		total += d
	}
	return total
}
