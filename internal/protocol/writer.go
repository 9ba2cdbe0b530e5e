// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeOpcode writes the single-byte opcode that precedes every frame body.
func writeOpcode(w io.Writer, op Opcode) error {
	if _, err := w.Write([]byte{byte(op)}); err != nil {
		return fmt.Errorf("writing opcode %v: %w", op, err)
	}
	return nil
}

// WriteSettings writes a SETTINGS frame (sender -> receiver on connect,
// receiver -> sender in reply).
func WriteSettings(w io.Writer, s Settings) error {
	if err := writeOpcode(w, OpSettings); err != nil {
		return err
	}
	buf := []byte{s.Version}
	buf = writeString(buf, s.SenderID)
	buf = writeUvarint(buf, s.ReadTimeoutMs)
	buf = writeUvarint(buf, s.WriteTimeoutMs)
	buf = writeString(buf, s.TransferID)
	buf = append(buf, boolByte(s.EnableChecksum), boolByte(s.EnableDownloadResumption))
	buf = writeUvarint(buf, s.BlockSize)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing settings body: %w", err)
	}
	return nil
}

// WriteFileChunk writes a FILE_CHUNK header followed by the raw data body.
func WriteFileChunk(w io.Writer, h FileChunkHeader, data []byte) error {
	if uint64(len(data)) != h.Length {
		return fmt.Errorf("file chunk length mismatch: header says %d, data is %d bytes", h.Length, len(data))
	}
	if err := writeOpcode(w, OpFileChunk); err != nil {
		return err
	}
	buf := writeUvarint(nil, h.Seq)
	buf = writeUvarint(buf, h.FileSize)
	buf = writeUvarint(buf, h.Offset)
	buf = writeUvarint(buf, h.Length)
	buf = writeUvarint(buf, h.Flags)
	if h.HasChecksum() {
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], h.Checksum)
		buf = append(buf, crc[:]...)
	}
	buf = writeString(buf, h.RelPath)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing file chunk header: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing file chunk body: %w", err)
		}
	}
	return nil
}

// WriteFileChunksInfo writes a FILE_CHUNKS_INFO frame enumerating what the
// receiver already owns, for resumption.
func WriteFileChunksInfo(w io.Writer, info FileChunksInfo) error {
	if err := writeOpcode(w, OpFileChunksInfo); err != nil {
		return err
	}
	buf := writeUvarint(nil, uint64(len(info.Files)))
	for _, f := range info.Files {
		buf = writeString(buf, f.RelPath)
		buf = writeUvarint(buf, f.Size)
		buf = writeUvarint(buf, uint64(len(f.Owned)))
		for _, rng := range f.Owned {
			buf = writeUvarint(buf, rng.Offset)
			buf = writeUvarint(buf, rng.Length)
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing file chunks info body: %w", err)
	}
	return nil
}

// WriteAck writes an ACK frame carrying the last-persisted (seq, offset) per
// file.
func WriteAck(w io.Writer, a Ack) error {
	if err := writeOpcode(w, OpAck); err != nil {
		return err
	}
	buf := writeUvarint(nil, uint64(len(a.Entries)))
	for _, e := range a.Entries {
		buf = writeString(buf, e.RelPath)
		buf = writeUvarint(buf, e.LastSeq)
		buf = writeUvarint(buf, e.Offset)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing ack body: %w", err)
	}
	return nil
}

// WriteSizeCmd writes a SIZE_CMD frame pre-announcing the total transfer size.
func WriteSizeCmd(w io.Writer, s SizeCmd) error {
	if err := writeOpcode(w, OpSizeCmd); err != nil {
		return err
	}
	buf := writeUvarint(nil, s.TotalBytes)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing size cmd body: %w", err)
	}
	return nil
}

// WriteAbort writes an ABORT frame. The peer must close the connection on
// receipt.
func WriteAbort(w io.Writer, a Abort) error {
	if err := writeOpcode(w, OpAbort); err != nil {
		return err
	}
	if _, err := w.Write([]byte{a.ErrorCode, a.ProtocolVersion}); err != nil {
		return fmt.Errorf("writing abort body: %w", err)
	}
	return nil
}

// WriteDone writes the final per-connection frame: the total number of
// blocks sent on it.
func WriteDone(w io.Writer, d Done) error {
	if err := writeOpcode(w, OpDone); err != nil {
		return err
	}
	buf := writeUvarint(nil, d.TotalBlocksSent)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing done body: %w", err)
	}
	return nil
}

// WriteWait writes a keep-alive frame (no body).
func WriteWait(w io.Writer) error {
	return writeOpcode(w, OpWait)
}

// WriteErrCmd writes an in-band, non-fatal per-file error report.
func WriteErrCmd(w io.Writer, e ErrCmd) error {
	if err := writeOpcode(w, OpErrCmd); err != nil {
		return err
	}
	buf := []byte{e.ErrorCode}
	buf = writeString(buf, e.RelPath)
	buf = writeString(buf, e.Message)
	buf = writeUvarint(buf, e.Offset)
	buf = writeUvarint(buf, e.Length)
	buf = writeUvarint(buf, e.FileSize)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing err cmd body: %w", err)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
