// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package queue implements the directory source queue: the producer/consumer
// structure that turns a directory tree (or a pre-enumerated manifest) into
// a stream of bounded ByteSource blocks for the sender's workers to drain.
package queue

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// DefaultBlockSize is used when a Queue is constructed with blockSize <= 0.
const DefaultBlockSize = 8 << 20 // 8 MiB

// Queue is a FIFO of ByteSource blocks with retry priority: sources returned
// via ReturnToQueue jump ahead of sources not yet emitted once. It is safe
// for concurrent use by any number of producer and consumer goroutines.
type Queue struct {
	blockSize int64
	excludes  []string

	mu      sync.Mutex
	cond    *sync.Cond
	fresh   []transfer.ByteSource // FIFO, appended at the back
	retried []transfer.ByteSource // FIFO, drained before fresh
	closed  bool                  // true once enumeration has finished emitting everything it will

	nextSeq     atomic.Uint64
	totalBytes  atomic.Int64
	totalFiles  atomic.Int64
}

// New constructs an empty Queue. Call one of Enumerate/EnumerateManifest to
// populate it (typically from its own goroutine), and Close once enumeration
// is done so consumers can detect permanent drain.
func New(blockSize int64, excludes []string) *Queue {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	q := &Queue{blockSize: blockSize, excludes: excludes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enumerate walks root, splitting every regular file it finds (and that
// survives the exclude globs) into ByteSource blocks of at most q.blockSize
// bytes, and pushes them onto the queue in discovery order.
func (q *Queue) Enumerate(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if q.isExcluded(relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		q.pushFile(transfer.FileMetadata{
			RelPath: relPath,
			Size:    info.Size(),
			Mode:    info.Mode(),
		})
		return nil
	})
}

// EnumerateManifest splits a pre-enumerated file list (typically from
// --manifest) into blocks instead of walking the filesystem. Entries with
// Size < 0 are statted relative to root first.
func (q *Queue) EnumerateManifest(root string, entries []transfer.ManifestEntry) error {
	for _, e := range entries {
		size := e.Size
		if size < 0 {
			info, err := os.Stat(filepath.Join(root, e.RelPath))
			if err != nil {
				return fmt.Errorf("statting manifest entry %q: %w", e.RelPath, err)
			}
			size = info.Size()
		}
		q.pushFile(transfer.FileMetadata{RelPath: e.RelPath, Size: size})
	}
	return nil
}

// pushFile assigns the next global sequence number and splits one file into
// blocks, appending them to the fresh queue in increasing-offset order.
func (q *Queue) pushFile(meta transfer.FileMetadata) {
	meta.Seq = q.nextSeq.Add(1) - 1
	q.totalBytes.Add(meta.Size)
	q.totalFiles.Add(1)

	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.cond.Broadcast()

	if meta.Size == 0 {
		q.fresh = append(q.fresh, transfer.ByteSource{File: meta, Offset: 0, Length: 0})
		return
	}
	for offset := int64(0); offset < meta.Size; offset += q.blockSize {
		length := q.blockSize
		if offset+length > meta.Size {
			length = meta.Size - offset
		}
		q.fresh = append(q.fresh, transfer.ByteSource{File: meta, Offset: offset, Length: length})
	}
}

// FilterOwned removes blocks the receiver has already reported
// owning (FILE_CHUNKS_INFO at handshake time), so the sender does not
// resend data the peer already persisted. owned maps RelPath to the ranges
// the receiver holds; a block fully covered by an owned range is dropped, a
// block partially covered is left as-is (re-sending a partially-owned block
// is simpler and safer than further splitting it).
func (q *Queue) FilterOwned(owned map[string][]protocol.ByteRange) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.fresh = filterCovered(q.fresh, owned)
}

func filterCovered(sources []transfer.ByteSource, owned map[string][]protocol.ByteRange) []transfer.ByteSource {
	kept := sources[:0]
	for _, src := range sources {
		if !fullyOwned(src, owned[src.File.RelPath]) {
			kept = append(kept, src)
		}
	}
	return kept
}

func fullyOwned(src transfer.ByteSource, ranges []protocol.ByteRange) bool {
	for _, r := range ranges {
		if int64(r.Offset) <= src.Offset && src.End() <= int64(r.Offset+r.Length) {
			return true
		}
	}
	return false
}

// GetNextSource blocks until a block is available, the queue is closed and
// drained, or ctx is cancelled. ok is false only when the queue is
// permanently empty (closed with nothing left); err is non-nil only on
// context cancellation.
func (q *Queue) GetNextSource(ctx context.Context) (src transfer.ByteSource, ok bool, err error) {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.retried) > 0 {
			src = q.retried[0]
			q.retried = q.retried[1:]
			return src, true, nil
		}
		if len(q.fresh) > 0 {
			src = q.fresh[0]
			q.fresh = q.fresh[1:]
			return src, true, nil
		}
		if q.closed {
			return transfer.ByteSource{}, false, nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return transfer.ByteSource{}, false, ctx.Err()
			default:
			}
		}
		q.cond.Wait()
	}
}

// ReturnToQueue re-enqueues a block a worker failed to deliver (connection
// died mid-send, say), at the front of the queue so retries are served
// before any fresh block.
func (q *Queue) ReturnToQueue(src transfer.ByteSource) {
	q.mu.Lock()
	q.retried = append(q.retried, src)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Close marks enumeration complete: once both fresh and retried are
// drained, GetNextSource returns ok=false instead of blocking forever.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of blocks currently queued (retried + fresh),
// useful for tests and progress reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retried) + len(q.fresh)
}

// TotalBytes reports the sum of every file's size seen by Enumerate or
// EnumerateManifest so far, regardless of how much of the queue has since
// been drained — used to size a progress bar's denominator.
func (q *Queue) TotalBytes() int64 { return q.totalBytes.Load() }

// TotalFiles reports how many files Enumerate or EnumerateManifest has
// pushed so far, regardless of consumption state.
func (q *Queue) TotalFiles() int64 { return q.totalFiles.Load() }

// isExcluded implements the glob matching: trailing-slash
// patterns match directory basenames, "/**" suffix patterns match a
// directory and everything under it, and plain patterns match either the
// full relative path or the basename.
func (q *Queue) isExcluded(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	parts := strings.Split(relPath, "/")

	for _, pattern := range q.excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimSuffix(strings.TrimPrefix(pattern, "*/"), "/")
				for _, part := range parts {
					if matched, _ := filepath.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := filepath.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
