// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diskstat monitors the receiver's destination filesystem so it can
// reject or warn on a transfer before running out of space mid-write.
package diskstat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// Stats is one point-in-time reading of the destination filesystem.
type Stats struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedPct    float64
}

// CheckFreeBytes takes a single, synchronous reading of path's filesystem —
// used by Monitor for each of its samples.
func CheckFreeBytes(path string) (Stats, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return Stats{}, fmt.Errorf("reading disk usage for %q: %w", path, err)
	}
	return Stats{TotalBytes: u.Total, FreeBytes: u.Free, UsedPct: u.UsedPercent}, nil
}

// Monitor periodically samples one filesystem path's free space so the
// receiver's accept loop can consult the latest reading without blocking on
// a syscall per connection: a ticker goroutine refreshing a mutex-protected
// snapshot.
type Monitor struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	stats Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor returns a Monitor for path, sampling every interval (15s if
// interval <= 0).
func NewMonitor(path string, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{path: path, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Start begins periodic sampling, taking one synchronous reading first so
// Stats() is never a zero value once Start returns.
func (m *Monitor) Start() {
	m.collect()
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Stats returns the most recent reading.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Low reports whether the most recent reading has less than minFreeBytes
// free, or the used percentage exceeds maxUsedPct (either bound disabled by
// passing 0).
func (m *Monitor) Low(minFreeBytes uint64, maxUsedPct float64) bool {
	s := m.Stats()
	if minFreeBytes > 0 && s.FreeBytes < minFreeBytes {
		return true
	}
	if maxUsedPct > 0 && s.UsedPct > maxUsedPct {
		return true
	}
	return false
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	s, err := CheckFreeBytes(m.path)
	if err != nil {
		if m.logger != nil {
			m.logger.Debug("failed to collect disk stats", "error", err, "path", m.path)
		}
		return
	}
	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
