// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadOpcode reads the single leading opcode byte of the next frame. Callers
// drive their own parse loop: read the opcode, then dispatch to the matching
// ReadX below.
func ReadOpcode(r *bufio.Reader) (Opcode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("reading opcode: %w", err)
	}
	op := Opcode(b)
	switch op {
	case OpSettings, OpFileChunk, OpFileChunksInfo, OpAck, OpSizeCmd, OpAbort, OpDone, OpWait, OpErrCmd:
		return op, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, b)
	}
}

// ReadSettings reads a SETTINGS body. The opcode byte must already be consumed.
func ReadSettings(r *bufio.Reader) (Settings, error) {
	var s Settings
	version, err := r.ReadByte()
	if err != nil {
		return s, fmt.Errorf("reading settings version: %w", err)
	}
	s.Version = version
	if s.SenderID, err = readString(r); err != nil {
		return s, fmt.Errorf("reading settings sender id: %w", err)
	}
	if s.ReadTimeoutMs, err = readUvarint(r); err != nil {
		return s, fmt.Errorf("reading settings read timeout: %w", err)
	}
	if s.WriteTimeoutMs, err = readUvarint(r); err != nil {
		return s, fmt.Errorf("reading settings write timeout: %w", err)
	}
	if s.TransferID, err = readString(r); err != nil {
		return s, fmt.Errorf("reading settings transfer id: %w", err)
	}
	enableChecksum, err := r.ReadByte()
	if err != nil {
		return s, fmt.Errorf("reading settings checksum flag: %w", err)
	}
	s.EnableChecksum = enableChecksum != 0
	enableResume, err := r.ReadByte()
	if err != nil {
		return s, fmt.Errorf("reading settings resume flag: %w", err)
	}
	s.EnableDownloadResumption = enableResume != 0
	if s.BlockSize, err = readUvarint(r); err != nil {
		return s, fmt.Errorf("reading settings block size: %w", err)
	}
	return s, nil
}

// ReadFileChunkHeader reads a FILE_CHUNK header. The caller reads the
// following h.Length bytes itself (typically straight into a pooled buffer or
// a block destination writer) rather than via io.ReadFull into a throwaway
// slice here.
func ReadFileChunkHeader(r *bufio.Reader) (FileChunkHeader, error) {
	var h FileChunkHeader
	var err error
	if h.Seq, err = readUvarint(r); err != nil {
		return h, fmt.Errorf("reading file chunk seq: %w", err)
	}
	if h.FileSize, err = readUvarint(r); err != nil {
		return h, fmt.Errorf("reading file chunk file size: %w", err)
	}
	if h.Offset, err = readUvarint(r); err != nil {
		return h, fmt.Errorf("reading file chunk offset: %w", err)
	}
	if h.Length, err = readUvarint(r); err != nil {
		return h, fmt.Errorf("reading file chunk length: %w", err)
	}
	if h.Flags, err = readUvarint(r); err != nil {
		return h, fmt.Errorf("reading file chunk flags: %w", err)
	}
	if h.HasChecksum() {
		var crc [4]byte
		if _, err := io.ReadFull(r, crc[:]); err != nil {
			return h, fmt.Errorf("reading file chunk checksum: %w", err)
		}
		h.Checksum = binary.LittleEndian.Uint32(crc[:])
	}
	if h.RelPath, err = readString(r); err != nil {
		return h, fmt.Errorf("reading file chunk rel path: %w", err)
	}
	return h, nil
}

// ReadFileChunkBody reads exactly h.Length bytes of chunk data into dst,
// growing dst if needed. It is split from ReadFileChunkHeader so callers can
// stream straight into a destination file without an intermediate copy.
func ReadFileChunkBody(r io.Reader, h FileChunkHeader, dst []byte) ([]byte, error) {
	if uint64(cap(dst)) < h.Length {
		dst = make([]byte, h.Length)
	} else {
		dst = dst[:h.Length]
	}
	if h.Length > 0 {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, fmt.Errorf("reading file chunk body: %w", err)
		}
	}
	return dst, nil
}

// ReadFileChunksInfo reads a FILE_CHUNKS_INFO body.
func ReadFileChunksInfo(r *bufio.Reader) (FileChunksInfo, error) {
	var info FileChunksInfo
	n, err := readUvarint(r)
	if err != nil {
		return info, fmt.Errorf("reading file chunks info count: %w", err)
	}
	info.Files = make([]FileChunksInfoEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var entry FileChunksInfoEntry
		if entry.RelPath, err = readString(r); err != nil {
			return info, fmt.Errorf("reading file chunks info[%d] rel path: %w", i, err)
		}
		if entry.Size, err = readUvarint(r); err != nil {
			return info, fmt.Errorf("reading file chunks info[%d] size: %w", i, err)
		}
		rangeCount, err := readUvarint(r)
		if err != nil {
			return info, fmt.Errorf("reading file chunks info[%d] range count: %w", i, err)
		}
		entry.Owned = make([]ByteRange, rangeCount)
		for j := range entry.Owned {
			if entry.Owned[j].Offset, err = readUvarint(r); err != nil {
				return info, fmt.Errorf("reading file chunks info[%d] range[%d] offset: %w", i, j, err)
			}
			if entry.Owned[j].Length, err = readUvarint(r); err != nil {
				return info, fmt.Errorf("reading file chunks info[%d] range[%d] length: %w", i, j, err)
			}
		}
		info.Files = append(info.Files, entry)
	}
	return info, nil
}

// ReadAck reads an ACK body.
func ReadAck(r *bufio.Reader) (Ack, error) {
	var a Ack
	n, err := readUvarint(r)
	if err != nil {
		return a, fmt.Errorf("reading ack count: %w", err)
	}
	a.Entries = make([]AckEntry, n)
	for i := range a.Entries {
		if a.Entries[i].RelPath, err = readString(r); err != nil {
			return a, fmt.Errorf("reading ack[%d] rel path: %w", i, err)
		}
		if a.Entries[i].LastSeq, err = readUvarint(r); err != nil {
			return a, fmt.Errorf("reading ack[%d] last seq: %w", i, err)
		}
		if a.Entries[i].Offset, err = readUvarint(r); err != nil {
			return a, fmt.Errorf("reading ack[%d] offset: %w", i, err)
		}
	}
	return a, nil
}

// ReadSizeCmd reads a SIZE_CMD body.
func ReadSizeCmd(r *bufio.Reader) (SizeCmd, error) {
	var s SizeCmd
	var err error
	if s.TotalBytes, err = readUvarint(r); err != nil {
		return s, fmt.Errorf("reading size cmd total bytes: %w", err)
	}
	return s, nil
}

// ReadAbort reads an ABORT body.
func ReadAbort(r *bufio.Reader) (Abort, error) {
	var a Abort
	code, err := r.ReadByte()
	if err != nil {
		return a, fmt.Errorf("reading abort error code: %w", err)
	}
	a.ErrorCode = code
	version, err := r.ReadByte()
	if err != nil {
		return a, fmt.Errorf("reading abort protocol version: %w", err)
	}
	a.ProtocolVersion = version
	return a, nil
}

// ReadDone reads a DONE body.
func ReadDone(r *bufio.Reader) (Done, error) {
	var d Done
	blocks, err := readUvarint(r)
	if err != nil {
		return d, fmt.Errorf("reading done total blocks: %w", err)
	}
	d.TotalBlocksSent = blocks
	return d, nil
}

// ReadErrCmd reads an ERR_CMD body.
func ReadErrCmd(r *bufio.Reader) (ErrCmd, error) {
	var e ErrCmd
	code, err := r.ReadByte()
	if err != nil {
		return e, fmt.Errorf("reading err cmd error code: %w", err)
	}
	e.ErrorCode = code
	if e.RelPath, err = readString(r); err != nil {
		return e, fmt.Errorf("reading err cmd rel path: %w", err)
	}
	if e.Message, err = readString(r); err != nil {
		return e, fmt.Errorf("reading err cmd message: %w", err)
	}
	if e.Offset, err = readUvarint(r); err != nil {
		return e, fmt.Errorf("reading err cmd offset: %w", err)
	}
	if e.Length, err = readUvarint(r); err != nil {
		return e, fmt.Errorf("reading err cmd length: %w", err)
	}
	if e.FileSize, err = readUvarint(r); err != nil {
		return e, fmt.Errorf("reading err cmd file size: %w", err)
	}
	return e, nil
}
