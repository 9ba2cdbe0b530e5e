// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package filestore implements the receiver's file creator and file writer:
// a path-keyed map of open descriptors, shared by any worker writing into a
// given relative path, reference-counted so the last writer to finish closes
// (and optionally syncs) the file.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/wdt-go/internal/pathsafe"
)

// Options configures how FileCreator opens files.
type Options struct {
	Preallocate bool // fallocate() the full size up front, when known
	DirectIO    bool // open with O_DIRECT; caller must write aligned blocks
	SyncOnClose bool // fsync before the last reference closes the file
}

// FileCreator is the receiver-side path-to-descriptor map. One instance is
// shared by every worker writing into one transfer's destination directory,
// analogous to how AtomicWriter owns one backup session's temp file — but
// generalized to N concurrently-written files instead of one.
type FileCreator struct {
	root string
	opts Options

	mu    sync.Mutex
	files map[string]*handle
}

type handle struct {
	f        *os.File
	refCount int
	trueSize int64 // the file's declared logical size, for O_DIRECT truncate-on-close
}

// New returns a FileCreator rooted at root (the transfer's destination
// directory). root is created if missing.
func New(root string, opts Options) (*FileCreator, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination root %q: %w", root, err)
	}
	return &FileCreator{root: root, opts: opts, files: make(map[string]*handle)}, nil
}

// Open returns a Writer for relPath, creating the file (and any parent
// directories) on first touch. size is the file's final logical size, used
// for optional pre-allocation and for truncating away O_DIRECT padding on
// the last Close. Every call to Open for the same relPath must agree on
// size; callers increment the shared reference count and must pair each
// Open with exactly one Writer.Close.
func (c *FileCreator) Open(relPath string, size int64) (*Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.files[relPath]
	if !ok {
		if err := pathsafe.ValidateRelPath(relPath); err != nil {
			return nil, fmt.Errorf("rejecting unsafe path: %w", err)
		}
		full, err := pathsafe.ResolveWithinRoot(c.root, relPath)
		if err != nil {
			return nil, fmt.Errorf("rejecting unsafe path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("creating parent directory for %q: %w", relPath, err)
		}
		flags := os.O_RDWR | os.O_CREATE
		if c.opts.DirectIO {
			flags |= unix.O_DIRECT
		}
		f, err := os.OpenFile(full, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating %q: %w", relPath, err)
		}
		if c.opts.Preallocate && size > 0 {
			if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
				// Not fatal: some filesystems (tmpfs, overlayfs variants) reject
				// fallocate outright. The file still works without pre-allocation.
				_ = err
			}
		}
		h = &handle{f: f, trueSize: size}
		c.files[relPath] = h
	}
	h.refCount++
	return &Writer{owner: c, relPath: relPath, h: h}, nil
}

// closeHandle decrements the reference count for relPath and, if it was the
// last reference, syncs (if requested) and closes the underlying file,
// truncating away any O_DIRECT alignment padding beyond the declared size.
func (c *FileCreator) closeHandle(relPath string) error {
	c.mu.Lock()
	h, ok := c.files[relPath]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("closeHandle: %q not open", relPath)
	}
	h.refCount--
	last := h.refCount == 0
	if last {
		delete(c.files, relPath)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}

	var errs []error
	if c.opts.DirectIO && h.trueSize >= 0 {
		if err := h.f.Truncate(h.trueSize); err != nil {
			errs = append(errs, fmt.Errorf("truncating %q to true size: %w", relPath, err))
		}
	}
	if c.opts.SyncOnClose {
		if err := h.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("syncing %q: %w", relPath, err))
		}
	}
	if err := h.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing %q: %w", relPath, err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Writer is a single worker's handle to one shared, path-keyed file.
type Writer struct {
	owner   *FileCreator
	relPath string
	h       *handle
}

// WriteAt writes data at the given absolute offset. Concurrent WriteAt calls
// from different Writers sharing the same handle are safe: os.File.WriteAt
// is a pwrite under the hood and does not move a shared file position.
func (w *Writer) WriteAt(data []byte, offset int64) (int, error) {
	n, err := w.h.f.WriteAt(data, offset)
	if err != nil {
		return n, fmt.Errorf("writing %q at offset %d: %w", w.relPath, offset, err)
	}
	return n, nil
}

// Close releases this Writer's reference. The underlying file is only
// actually closed (and optionally synced/truncated) once every Writer
// sharing it has closed.
func (w *Writer) Close() error {
	return w.owner.closeHandle(w.relPath)
}
