// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progress renders a terminal progress bar for a running transfer,
// polled from the Sender/Receiver's TransferReport rather than fed counters
// directly, since neither runtime exposes a push-based progress hook.
package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// Reporter renders a progress bar to stderr on a fixed tick until Stop. It
// polls transfer.Reporter — satisfied by both *sender.Sender and
// *receiver.Receiver — instead of being fed counters directly, since neither
// runtime exposes a push-based progress hook.
type Reporter struct {
	name       string
	totalBytes int64
	src        transfer.Reporter

	startTime time.Time
	done      chan struct{}
	stopOnce  chan struct{}
}

// New starts rendering immediately. totalBytes <= 0 draws a spinner instead
// of a filled bar (the total is unknown, e.g. a manifest with unset sizes).
func New(name string, totalBytes int64, src transfer.Reporter) *Reporter {
	p := &Reporter{
		name:       name,
		totalBytes: totalBytes,
		src:        src,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		stopOnce:   make(chan struct{}),
	}
	go p.renderLoop()
	return p
}

// Stop halts the ticker and prints the final line.
func (p *Reporter) Stop() {
	select {
	case <-p.stopOnce:
		return
	default:
		close(p.stopOnce)
	}
	close(p.done)
	p.render(true)
}

func (p *Reporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render(false)
		}
	}
}

func (p *Reporter) render(final bool) {
	report := p.src.Report()
	bytes := report.Stats.EffectiveDataBytes
	retries := report.Stats.FailedAttempts
	elapsed := time.Since(p.startTime)

	var speed float64
	if s := elapsed.Seconds(); s > 0.1 {
		speed = float64(bytes) / s
	}

	const barWidth = 30
	var bar string
	var pct float64
	if p.totalBytes > 0 {
		pct = float64(bytes) / float64(p.totalBytes)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	eta := "∞"
	if p.totalBytes > 0 && speed > 0 && bytes > 0 {
		remaining := float64(p.totalBytes) - float64(bytes)
		if remaining < 0 {
			remaining = 0
		}
		eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
	}

	retriesStr := ""
	if retries > 0 {
		retriesStr = fmt.Sprintf("  |  retries: %d", retries)
	}

	line := fmt.Sprintf("\r[%s] %s  %s  |  %s/s  |  %s  |  ETA %s%s",
		p.name, bar, formatBytes(bytes), formatBytes(int64(speed)),
		formatDuration(elapsed), eta, retriesStr,
	)
	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}
	if final {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		fmt.Fprint(os.Stderr, line)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
