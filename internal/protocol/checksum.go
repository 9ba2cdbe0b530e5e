// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "hash/crc32"

// castagnoliTable is the CRC-32C polynomial table. The Go runtime dispatches
// crc32.Update to SSE4.2 (amd64) or the CRC32 extension (arm64) whenever this
// table is used, giving the hardware-accelerated checksum the wire protocol
// calls for without a third-party codec.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ChunkChecksum returns the CRC-32C of one chunk's body. Checksums are
// computed and verified per FILE_CHUNK rather than accumulated across a
// connection: one connection drains blocks from a shared queue that any
// number of files can be interleaved on, so a value spanning the whole
// connection can't identify which block, if any, arrived corrupted.
func ChunkChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}
