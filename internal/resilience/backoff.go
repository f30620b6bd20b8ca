// Package resilience provides the retry and degradation primitives used by
// the router core: a bounded exponential [Backoff] for the broker reconnect
// loop and a [ReplyChain] of canned fallback replies for when the LLM peer is
// down.
//
// All types are safe for concurrent use unless noted otherwise.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes bounded exponential delays with jitter. It is not safe for
// concurrent use; each retry loop owns its own instance.
type Backoff struct {
	// Min is the delay before the first retry. Default: 500ms.
	Min time.Duration

	// Max caps the delay growth. Default: 30s.
	Max time.Duration

	// attempt counts completed waits since the last Reset.
	attempt int
}

// NewBackoff creates a [Backoff] bounded by [min, max]. Non-positive values
// are replaced with the defaults.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter. The delay doubles each attempt from Min up to Max, with
// ±25% jitter to avoid thundering-herd reconnects.
func (b *Backoff) Next() time.Duration {
	d := b.Min << b.attempt
	if d > b.Max || d < b.Min { // overflow guard on the shift
		d = b.Max
	} else {
		b.attempt++
	}

	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset restarts the progression from Min. Call after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next backoff delay, returning early with ctx.Err() when
// the context is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
