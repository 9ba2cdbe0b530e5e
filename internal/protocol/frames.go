// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the WDT wire protocol: a sequence of framed
// opcodes exchanged between a Sender and a Receiver over one TCP connection.
// Multi-byte integers are little-endian; lengths and offsets use the same
// variable-length unsigned encoding as encoding/binary.Uvarint (7 bits per
// byte, high bit continues).
package protocol

import "errors"

// Opcode identifies the layout of the frame body that follows it.
type Opcode byte

const (
	OpSettings        Opcode = 0x01
	OpFileChunk       Opcode = 0x02
	OpFileChunksInfo  Opcode = 0x03
	OpAck             Opcode = 0x04
	OpSizeCmd         Opcode = 0x05
	OpAbort           Opcode = 0x06
	OpDone            Opcode = 0x07
	OpWait            Opcode = 0x08
	OpErrCmd          Opcode = 0x09
)

// ProtocolVersion is the current protocol version, carried in the handshake
// and stable for the lifetime of one connection once negotiated.
const ProtocolVersion byte = 1

// FileChunk flag bits (the varint "flags" field of a FILE_CHUNK header).
const (
	FlagLastChunkOfFile uint64 = 1 << 0 // this is the final block of its file
	FlagChunkChecksum   uint64 = 1 << 1 // Checksum carries the CRC-32C of this chunk's body
)

// ErrCmd error codes.
const (
	ErrCodeGeneric          byte = 0
	ErrCodeChecksumMismatch byte = 1
)

var (
	ErrUnknownOpcode  = errors.New("protocol: unknown opcode")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrStringTooLong  = errors.New("protocol: string exceeds maximum frame length")
)

// maxStringLen bounds length-prefixed strings (paths, ids) to guard against a
// corrupt or hostile peer forcing an unbounded allocation.
const maxStringLen = 64 * 1024

// Settings is sent first by the sender: negotiated protocol version, the
// sender's tunables, and the transfer id. The receiver replies with a
// Settings frame confirming version and echoing any constrained-down values.
type Settings struct {
	Version                  byte
	SenderID                 string
	ReadTimeoutMs            uint64
	WriteTimeoutMs           uint64
	TransferID               string
	EnableChecksum           bool
	EnableDownloadResumption bool
	BlockSize                uint64
}

// ByteRange is one (offset, length) span the receiver already owns for a
// file, used inside FileChunksInfo.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// FileChunksInfoEntry describes one file's already-owned ranges.
type FileChunksInfoEntry struct {
	RelPath string
	Size    uint64
	Owned   []ByteRange
}

// FileChunksInfo is sent receiver -> sender at handshake time when download
// resumption is enabled, enumerating what the receiver already has so the
// sender can skip or resume.
type FileChunksInfo struct {
	Files []FileChunksInfoEntry
}

// FileChunkHeader precedes the raw chunk bytes on the wire.
type FileChunkHeader struct {
	Seq      uint64
	FileSize uint64
	Offset   uint64
	Length   uint64
	Flags    uint64
	Checksum uint32 // CRC-32C of the chunk body, valid only if HasChecksum()
	RelPath  string
}

// LastChunkOfFile reports whether this chunk is the file's final block.
func (h FileChunkHeader) LastChunkOfFile() bool {
	return h.Flags&FlagLastChunkOfFile != 0
}

// HasChecksum reports whether Checksum carries a verifiable CRC-32C for this
// chunk's body.
func (h FileChunkHeader) HasChecksum() bool {
	return h.Flags&FlagChunkChecksum != 0
}

// AckEntry carries the last-persisted seq and byte offset for one file.
type AckEntry struct {
	RelPath   string
	LastSeq   uint64
	Offset    uint64
}

// Ack is sent receiver -> sender, one or more AckEntry per frame.
type Ack struct {
	Entries []AckEntry
}

// SizeCmd optionally pre-announces the total transfer size for progress
// reporting on the receiver.
type SizeCmd struct {
	TotalBytes uint64
}

// Abort may be sent by either side; the peer must close the connection and
// propagate failure.
type Abort struct {
	ErrorCode       byte
	ProtocolVersion byte
}

// Done is the final frame sent by the sender on one connection. Per-chunk
// checksums (FileChunkHeader.Checksum) replaced the earlier connection-wide
// running checksum once it became clear a single connection interleaves
// blocks from many files off the shared send queue, so a value spanning the
// whole connection couldn't identify which block, if any, was corrupted.
type Done struct {
	TotalBlocksSent uint64
}

// Wait is a receiver keep-alive sent while still flushing buffered writes.
type Wait struct{}

// ErrCmd is an in-band, non-fatal error report for one file (used for
// transient per-file issues without tearing down the connection). Offset,
// Length and FileSize are populated when the error pinpoints one chunk (a
// checksum mismatch, say) so the peer can reconstruct and retry exactly that
// range instead of the whole file.
type ErrCmd struct {
	ErrorCode byte
	RelPath   string
	Message   string
	Offset    uint64
	Length    uint64
	FileSize  uint64
}
