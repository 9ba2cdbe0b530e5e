// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package translog implements the receiver's transfer log: an append-only,
// crash-safe record of what has been durably written, used both to survive
// a receiver restart mid-transfer and as an operator diagnostic via its
// parse-and-print mode.
package translog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nishisan-dev/wdt-go/internal/protocol"
)

const (
	magic = "WDTL"

	// FormatVersion gates interpretation of the entry stream; bumping it is
	// how a future rewrite of the on-disk layout stays safe to read back.
	// Bit-exact compatibility with any prior log format is a non-goal.
	FormatVersion byte = 1
)

// Kind tags the variant of one log entry.
type Kind byte

const (
	KindHeader          Kind = 1
	KindFileInvalidated Kind = 2
	KindFileResized     Kind = 3
	KindBlockWritten    Kind = 4
)

// Header is the first entry of every log: format version, the sender that
// produced the data, and the negotiated block size.
type Header struct {
	SenderID  string
	BlockSize uint64
}

// BlockWritten records one durably-persisted byte range, plus the
// destination file's mtime observed immediately after the write — the value
// resumption compares against a fresh stat to decide whether the file is
// still trustworthy.
type BlockWritten struct {
	RelPath       string
	Offset        int64
	Length        int64
	ModTimeUnixNs int64
}

// FileInvalidated marks relPath's previously-logged ranges as no longer
// trustworthy (written when resumption finds the destination file missing,
// or its size or mtime no longer matching what the log recorded).
type FileInvalidated struct {
	RelPath string
}

// FileResized records that relPath's expected final size changed mid-transfer
// (the sender re-stat'd a growing file, say).
type FileResized struct {
	RelPath string
	NewSize int64
}

// Manager appends entries to one on-disk log. Safe for concurrent use; all
// writers serialize through mu, matching spec.md's single-writer discipline
// for the transfer log.
type Manager struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// Create truncates (or creates) the log at path and writes its header entry.
func Create(path string, header Header) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating transfer log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating transfer log %q: %w", path, err)
	}
	m := &Manager{f: f, w: bufio.NewWriter(f)}
	if err := m.appendHeader(header); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) appendHeader(h Header) error {
	buf := []byte{byte(KindHeader), FormatVersion}
	buf = appendString(buf, magic)
	buf = appendString(buf, h.SenderID)
	buf = appendUvarint(buf, h.BlockSize)
	return m.writeEntry(buf)
}

// AppendBlockWritten logs one durably-persisted byte range. When sync is
// true the log is fsynced before returning — the caller decides the
// fsync granularity (per-block or per-file) per spec.md §4.7.
func (m *Manager) AppendBlockWritten(e BlockWritten, sync bool) error {
	buf := []byte{byte(KindBlockWritten)}
	buf = appendString(buf, e.RelPath)
	buf = appendUvarint(buf, uint64(e.Offset))
	buf = appendUvarint(buf, uint64(e.Length))
	buf = appendUvarint(buf, uint64(e.ModTimeUnixNs))
	if err := m.writeEntry(buf); err != nil {
		return err
	}
	if sync {
		return m.Sync()
	}
	return nil
}

// AppendFileInvalidated logs that relPath's ranges should no longer be
// trusted.
func (m *Manager) AppendFileInvalidated(e FileInvalidated) error {
	buf := []byte{byte(KindFileInvalidated)}
	buf = appendString(buf, e.RelPath)
	return m.writeEntry(buf)
}

// AppendFileResized logs a change in relPath's expected final size.
func (m *Manager) AppendFileResized(e FileResized) error {
	buf := []byte{byte(KindFileResized)}
	buf = appendString(buf, e.RelPath)
	buf = appendUvarint(buf, uint64(e.NewSize))
	return m.writeEntry(buf)
}

func (m *Manager) writeEntry(body []byte) error {
	lenPrefix := appendUvarint(nil, uint64(len(body)))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(lenPrefix); err != nil {
		return fmt.Errorf("writing transfer log entry length: %w", err)
	}
	if _, err := m.w.Write(body); err != nil {
		return fmt.Errorf("writing transfer log entry body: %w", err)
	}
	return nil
}

// Sync flushes buffered entries and fsyncs the log file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("flushing transfer log: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("fsyncing transfer log: %w", err)
	}
	return nil
}

// Close flushes, syncs, and closes the log.
func (m *Manager) Close() error {
	if err := m.Sync(); err != nil {
		return err
	}
	return m.f.Close()
}

// FileState is the reconciled view of one file as of the last entry
// referencing it.
type FileState struct {
	Owned         []protocol.ByteRange
	Invalidated   bool
	ExpectedSize  int64 // from the most recent FileResized entry, 0 if none seen
	LastModTimeNs int64 // mtime observed at the most recent BlockWritten
}

// Reconciliation is the result of replaying a transfer log: one FileState
// per relative path it mentions.
type Reconciliation struct {
	Header Header
	Files  map[string]*FileState
}

// Reconcile reads the log at path back into memory and folds its entries
// into per-file owned-range sets. Used both for resumption and, printed in
// a human-readable form, as an operator diagnostic (parse-and-print mode).
func Reconcile(path string) (Reconciliation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("opening transfer log %q: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	result := Reconciliation{Files: make(map[string]*FileState)}

	first := true
	for {
		kind, body, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading transfer log entry: %w", err)
		}

		switch kind {
		case KindHeader:
			if !first {
				return result, fmt.Errorf("transfer log %q: unexpected header entry mid-stream", path)
			}
			h, err := parseHeader(body)
			if err != nil {
				return result, err
			}
			result.Header = h

		case KindBlockWritten:
			e, err := parseBlockWritten(body)
			if err != nil {
				return result, err
			}
			st := result.fileState(e.RelPath)
			st.Owned = append(st.Owned, protocol.ByteRange{Offset: uint64(e.Offset), Length: uint64(e.Length)})
			st.LastModTimeNs = e.ModTimeUnixNs

		case KindFileInvalidated:
			e, err := parseFileInvalidated(body)
			if err != nil {
				return result, err
			}
			st := result.fileState(e.RelPath)
			st.Invalidated = true
			st.Owned = nil

		case KindFileResized:
			e, err := parseFileResized(body)
			if err != nil {
				return result, err
			}
			st := result.fileState(e.RelPath)
			st.ExpectedSize = e.NewSize

		default:
			return result, fmt.Errorf("transfer log %q: unknown entry kind %d", path, kind)
		}
		first = false
	}
	return result, nil
}

func (r Reconciliation) fileState(relPath string) *FileState {
	st, ok := r.Files[relPath]
	if !ok {
		st = &FileState{}
		r.Files[relPath] = st
	}
	return st
}

// Print writes a human-readable rendering of a reconciled log to w — the
// operator diagnostic half of parse-and-print mode.
func Print(w io.Writer, r Reconciliation) error {
	if _, err := fmt.Fprintf(w, "sender-id: %s, block-size: %d\n", r.Header.SenderID, r.Header.BlockSize); err != nil {
		return err
	}
	for relPath, st := range r.Files {
		status := "ok"
		if st.Invalidated {
			status = "invalidated"
		}
		if _, err := fmt.Fprintf(w, "%s: %s, ranges=%v, expected_size=%d\n", relPath, status, st.Owned, st.ExpectedSize); err != nil {
			return err
		}
	}
	return nil
}

func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:l]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readEntry(r *bufio.Reader) (Kind, []byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading entry body: %w", err)
	}
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("empty transfer log entry")
	}
	return Kind(body[0]), body[1:], nil
}

func parseHeader(body []byte) (Header, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	version, err := r.ReadByte()
	if err != nil {
		return Header{}, fmt.Errorf("reading header format version: %w", err)
	}
	if version != FormatVersion {
		return Header{}, fmt.Errorf("transfer log format version %d unsupported (want %d)", version, FormatVersion)
	}
	gotMagic, err := readString(r)
	if err != nil {
		return Header{}, fmt.Errorf("reading header magic: %w", err)
	}
	if gotMagic != magic {
		return Header{}, fmt.Errorf("transfer log magic %q mismatch (want %q)", gotMagic, magic)
	}
	senderID, err := readString(r)
	if err != nil {
		return Header{}, fmt.Errorf("reading header sender id: %w", err)
	}
	blockSize, err := binary.ReadUvarint(r)
	if err != nil {
		return Header{}, fmt.Errorf("reading header block size: %w", err)
	}
	return Header{SenderID: senderID, BlockSize: blockSize}, nil
}

func parseBlockWritten(body []byte) (BlockWritten, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	relPath, err := readString(r)
	if err != nil {
		return BlockWritten{}, fmt.Errorf("reading block-written rel path: %w", err)
	}
	offset, err := binary.ReadUvarint(r)
	if err != nil {
		return BlockWritten{}, fmt.Errorf("reading block-written offset: %w", err)
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return BlockWritten{}, fmt.Errorf("reading block-written length: %w", err)
	}
	modTime, err := binary.ReadUvarint(r)
	if err != nil {
		return BlockWritten{}, fmt.Errorf("reading block-written mod time: %w", err)
	}
	return BlockWritten{RelPath: relPath, Offset: int64(offset), Length: int64(length), ModTimeUnixNs: int64(modTime)}, nil
}

func parseFileInvalidated(body []byte) (FileInvalidated, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	relPath, err := readString(r)
	if err != nil {
		return FileInvalidated{}, fmt.Errorf("reading file-invalidated rel path: %w", err)
	}
	return FileInvalidated{RelPath: relPath}, nil
}

func parseFileResized(body []byte) (FileResized, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	relPath, err := readString(r)
	if err != nil {
		return FileResized{}, fmt.Errorf("reading file-resized rel path: %w", err)
	}
	newSize, err := binary.ReadUvarint(r)
	if err != nil {
		return FileResized{}, fmt.Errorf("reading file-resized new size: %w", err)
	}
	return FileResized{RelPath: relPath, NewSize: int64(newSize)}, nil
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
