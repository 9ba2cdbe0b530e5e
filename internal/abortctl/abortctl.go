// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package abortctl exposes a single cooperative abort flag shared by every
// goroutine in a transfer: workers poll it at loop heads and blocking-call
// boundaries instead of being torn down from the outside.
package abortctl

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Checker is the Abortable implementation shared across a Sender or Receiver
// and all of its workers. The zero value is not usable; construct with New.
type Checker struct {
	aborted atomic.Bool
	reason  atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc

	stopSignals func()
	timerMu     sync.Mutex
	timer       *time.Timer
}

// New returns a Checker that also cancels its Context() when Abort is
// called, so blocking I/O with context support (dialers, ctx-aware reads)
// unblocks immediately instead of waiting on the next poll.
func New() *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{ctx: ctx, cancel: cancel}
}

// Aborted reports whether the transfer has been asked to stop. Implements
// transfer.Abortable.
func (c *Checker) Aborted() bool {
	return c.aborted.Load()
}

// Reason returns the string passed to the Abort call that first tripped the
// flag, or "" if Aborted() is false.
func (c *Checker) Reason() string {
	v := c.reason.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

// Context returns a context.Context cancelled the moment Abort is first
// called.
func (c *Checker) Context() context.Context {
	return c.ctx
}

// Abort trips the flag. Only the first call's reason is retained; subsequent
// calls are no-ops other than being safe to call from multiple goroutines
// (signal handler, watchdog timer, and application code may all race here).
func (c *Checker) Abort(reason string) {
	if c.aborted.CompareAndSwap(false, true) {
		c.reason.Store(reason)
		c.cancel()
	}
}

// WatchSignals installs handlers so SIGINT and SIGTERM trip Abort, and
// SIGPIPE is ignored (a receiver or sender with many worker connections
// expects peers to vanish mid-write; the default SIGPIPE behavior of
// terminating the process is never what's wanted here). Call Stop on the
// returned function to restore default signal handling, typically via defer
// right after construction.
func (c *Checker) WatchSignals() (stop func()) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				c.Abort("received signal " + sig.String())
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	c.stopSignals = func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
	return c.stopSignals
}

// AbortAfter schedules an automatic Abort(reason) if the transfer is still
// running after d elapses. Passing d <= 0 disables the timer. Calling
// AbortAfter again replaces any previously scheduled timer.
func (c *Checker) AbortAfter(d time.Duration, reason string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if d <= 0 {
		c.timer = nil
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.Abort(reason)
	})
}

// Close releases the watchdog timer and signal watcher goroutine, if any.
// Safe to call even if WatchSignals/AbortAfter were never used.
func (c *Checker) Close() {
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerMu.Unlock()
	if c.stopSignals != nil {
		c.stopSignals()
	}
}
