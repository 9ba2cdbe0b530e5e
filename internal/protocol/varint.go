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

// writeUvarint appends a varint-encoded n to buf. Go's encoding/binary
// already implements the exact 7-bit-continuation scheme spec'd for this
// wire format, so no hand-rolled or third-party varint codec is needed.
func writeUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:l]...)
}

// readUvarint reads one varint from r. r must support ReadByte (callers wrap
// plain io.Readers in a *bufio.Reader once per connection).
func readUvarint(r io.ByteReader) (uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return 0, ErrTruncatedFrame
		}
		return 0, err
	}
	return n, nil
}

// writeString appends a varint length prefix followed by the raw UTF-8 bytes.
func writeString(buf []byte, s string) []byte {
	buf = writeUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// readString reads a varint-length-prefixed string from r.
func readString(r *bufio.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	if n > maxStringLen {
		return "", ErrStringTooLong
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string body: %w", err)
	}
	return string(buf), nil
}

// asByteReader adapts an io.Reader lacking ReadByte by wrapping it in a
// *bufio.Reader; callers that already hold one (the common path, since every
// parse loop reads an opcode byte from a bufio.Reader first) pass it through
// unchanged.
func asByteReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}
