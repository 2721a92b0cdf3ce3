// Copyright 2024-2026 Aiku AI

package bridge

import (
	"math/rand"
	"time"
)

// backoff computes reconnect delays: base*2^retries plus jitter, capped at
// max. The delay grows monotonically until the cap; Reset is called after a
// successful cycle.
type backoff struct {
	base    time.Duration
	max     time.Duration
	retries int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// Next returns the delay for the current retry and increments the counter.
func (b *backoff) Next() time.Duration {
	delay := b.base << b.retries
	if delay <= 0 || delay > b.max {
		// Shift overflow also lands here.
		delay = b.max
	} else {
		b.retries++
	}
	jitter := time.Duration(rand.Int63n(int64(b.base)))
	if delay+jitter > b.max {
		return b.max
	}
	return delay + jitter
}

// Reset clears the retry counter after a successful cycle.
func (b *backoff) Reset() {
	b.retries = 0
}
