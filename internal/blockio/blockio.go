// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blockio implements the sender's file byte source: reading one
// (path, offset, length) ByteSource region off disk, optionally through
// O_DIRECT for callers that want to bypass the page cache.
package blockio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// directAlignment is the block size O_DIRECT reads must be aligned to on
// essentially every Linux filesystem in practice (a conservative multiple of
// the common 512-byte and 4096-byte sector sizes).
const directAlignment = 4096

// Options configures how FileByteSource opens its backing files.
type Options struct {
	// DirectIO requests O_DIRECT when the block's offset and length are
	// already alignment-sized; FileByteSource silently falls back to
	// buffered I/O for a block that isn't (a trailing, non-aligned block at
	// end-of-file, for instance), since forcing padding on read would hand
	// the caller bytes past EOF.
	DirectIO bool
}

// FileByteSource reads the bytes of one ByteSource from its backing file.
type FileByteSource struct {
	opts Options
}

// New returns a FileByteSource using opts for every Read call.
func New(opts Options) *FileByteSource {
	return &FileByteSource{opts: opts}
}

// Read returns the bytes of src.Length starting at src.Offset within the
// file at absPath (root directory joined with src.File.RelPath is the
// caller's responsibility). dst is reused when it has enough capacity.
func (s *FileByteSource) Read(absPath string, src transfer.ByteSource, dst []byte) ([]byte, error) {
	if src.Length == 0 {
		return dst[:0], nil
	}

	useDirect := s.opts.DirectIO && aligned(src.Offset) && aligned(src.Length)

	flags := os.O_RDONLY
	if useDirect {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(absPath, flags, 0)
	if err != nil {
		if useDirect {
			// Fall back to buffered I/O: some filesystems reject O_DIRECT
			// outright (tmpfs, some overlay/network mounts).
			f, err = os.OpenFile(absPath, os.O_RDONLY, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("opening %q: %w", absPath, err)
		}
	}
	defer f.Close()

	if int64(cap(dst)) < src.Length {
		dst = make([]byte, src.Length)
	} else {
		dst = dst[:src.Length]
	}

	n, err := f.ReadAt(dst, src.Offset)
	if err != nil {
		return nil, fmt.Errorf("reading %q at offset %d length %d: %w", absPath, src.Offset, src.Length, err)
	}
	return dst[:n], nil
}

func aligned(n int64) bool {
	return n%directAlignment == 0
}
