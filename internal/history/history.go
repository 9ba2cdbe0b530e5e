// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package history implements the per-worker thread transfer history: the
// ordered ledger of blocks sent but not yet acked, with support for
// partial-block acknowledgement and a full rewind on connection loss.
package history

import (
	"sync"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// History is one worker's in-flight ledger. Not safe to share across
// workers — each sender worker owns exactly one.
type History struct {
	mu      sync.Mutex
	records []transfer.InFlightRecord // append order == send order
}

// New returns an empty History.
func New() *History {
	return &History{}
}

// Append records one block as sent but not yet acked.
func (h *History) Append(src transfer.ByteSource, workerSeq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, transfer.InFlightRecord{
		Source:    src,
		WorkerSeq: workerSeq,
		SentAt:    time.Now(),
	})
}

// AckUpTo acknowledges everything up to and including byte offset ackOffset
// of relPath. Records fully covered (End() <= ackOffset) are removed; a
// record straddling the boundary is trimmed in place so only its unacked
// tail remains in the ledger. Returns the acked records for stats
// accounting (EffectiveDataBytes): each fully covered record, plus the
// acked prefix of a straddling one.
func (h *History) AckUpTo(relPath string, ackOffset int64) []transfer.InFlightRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var acked []transfer.InFlightRecord
	kept := h.records[:0]
	for _, rec := range h.records {
		if rec.Source.File.RelPath != relPath {
			kept = append(kept, rec)
			continue
		}
		switch {
		case rec.Source.End() <= ackOffset:
			acked = append(acked, rec)
		case rec.Source.Offset >= ackOffset:
			kept = append(kept, rec)
		default:
			// Partial ack: the receiver persisted [Offset, ackOffset) of this
			// block. Trim the record to its unacked remainder and keep it.
			ackedLen := ackOffset - rec.Source.Offset
			acked = append(acked, transfer.InFlightRecord{
				Source:    transfer.ByteSource{File: rec.Source.File, Offset: rec.Source.Offset, Length: ackedLen},
				WorkerSeq: rec.WorkerSeq,
				SentAt:    rec.SentAt,
			})
			rec.Source.Offset = ackOffset
			rec.Source.Length -= ackedLen
			kept = append(kept, rec)
		}
	}
	h.records = kept
	return acked
}

// DropRange removes the in-flight record covering exactly [offset,
// offset+length) of relPath without returning it. Used when the caller is
// about to requeue that exact range itself (a checksum-mismatch retry, say)
// so RewindAll doesn't hand the same range back a second time at connection
// teardown.
func (h *History) DropRange(relPath string, offset, length int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.records[:0]
	for _, rec := range h.records {
		if rec.Source.File.RelPath == relPath && rec.Source.Offset == offset && rec.Source.Length == length {
			continue
		}
		kept = append(kept, rec)
	}
	h.records = kept
}

// RewindAll clears the ledger and returns every still-in-flight block, in
// original send order, so the caller can push them back onto the source
// queue (retried sources jump ahead of fresh ones there). Called once, when
// a worker's connection dies and it gives up on its in-flight work.
func (h *History) RewindAll() []transfer.ByteSource {
	h.mu.Lock()
	defer h.mu.Unlock()

	sources := make([]transfer.ByteSource, len(h.records))
	for i, rec := range h.records {
		sources[i] = rec.Source
	}
	h.records = nil
	return sources
}

// Len reports the number of records currently in flight.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
