// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle implements the shared aggregate-bandwidth limiter used by
// every worker on one side of a transfer.
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxBurstSize caps the token bucket's burst so a single large block can't
// reserve an unbounded number of tokens in one call.
const maxBurstSize = 256 * 1024

// Throttler is a reference-counted, shared token-bucket limiter. One
// instance is created per receiver (or sender) process and shared by every
// worker of every concurrent transfer on that side via Acquire/Release.
type Throttler struct {
	mu       sync.Mutex
	refCount int

	avgLimiter  *rate.Limiter // nil when avgBytesPerSec <= 0 (unlimited)
	peakLimiter *rate.Limiter // nil when peakBytesPerSec <= 0 (unlimited)
}

// New constructs a Throttler capped at avgBytesPerSec sustained and, if
// positive, peakBytesPerSec instantaneous. Either may be <= 0 to disable
// that cap. The returned Throttler starts with a reference count of zero;
// callers must Acquire before use and Release when their transfer ends.
func New(avgBytesPerSec, peakBytesPerSec int64) *Throttler {
	t := &Throttler{}
	if avgBytesPerSec > 0 {
		t.avgLimiter = rate.NewLimiter(rate.Limit(avgBytesPerSec), burstFor(avgBytesPerSec))
	}
	if peakBytesPerSec > 0 {
		t.peakLimiter = rate.NewLimiter(rate.Limit(peakBytesPerSec), burstFor(peakBytesPerSec))
	}
	return t
}

func burstFor(bytesPerSec int64) int {
	if bytesPerSec > maxBurstSize {
		return maxBurstSize
	}
	return int(bytesPerSec)
}

// Acquire registers one more concurrent transfer sharing this Throttler.
// Pair with a deferred Release.
func (t *Throttler) Acquire() {
	t.mu.Lock()
	t.refCount++
	t.mu.Unlock()
}

// Release unregisters one concurrent transfer. It does not reset the
// underlying limiters; the shared rate caps remain in effect for any
// transfer still holding a reference.
func (t *Throttler) Release() {
	t.mu.Lock()
	if t.refCount > 0 {
		t.refCount--
	}
	t.mu.Unlock()
}

// RefCount reports how many transfers currently share this Throttler.
func (t *Throttler) RefCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount
}

// Limit blocks the caller until the token bucket(s) admit n bytes just
// transferred, splitting n into burst-sized pieces as needed. A disabled cap
// (avg or peak) is skipped entirely. Returns early with ctx.Err() if ctx is
// cancelled (the abort checker's context, in practice) while waiting.
func (t *Throttler) Limit(ctx context.Context, n int) error {
	if t.avgLimiter != nil {
		if err := waitN(ctx, t.avgLimiter, n); err != nil {
			return err
		}
	}
	if t.peakLimiter != nil {
		if err := waitN(ctx, t.peakLimiter, n); err != nil {
			return err
		}
	}
	return nil
}

func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
