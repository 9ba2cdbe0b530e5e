// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package history

import (
	"testing"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

func block(path string, offset, length int64) transfer.ByteSource {
	return transfer.ByteSource{File: transfer.FileMetadata{RelPath: path}, Offset: offset, Length: length}
}

func TestAckUpToFullyCoveredRecordRemoved(t *testing.T) {
	h := New()
	h.Append(block("a.bin", 0, 10), 1)
	h.Append(block("a.bin", 10, 10), 2)

	acked := h.AckUpTo("a.bin", 10)
	if len(acked) != 1 || acked[0].Source.Offset != 0 {
		t.Fatalf("acked = %+v, want one record at offset 0", acked)
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
}

func TestAckUpToPartialTrimsRecord(t *testing.T) {
	h := New()
	h.Append(block("a.bin", 0, 10), 1)

	acked := h.AckUpTo("a.bin", 4)
	if len(acked) != 1 || acked[0].Source.Length != 4 {
		t.Fatalf("acked = %+v, want 4 bytes acked", acked)
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (unacked remainder still tracked)", h.Len())
	}

	// The remaining record should now cover [4, 10).
	remaining := h.RewindAll()
	if len(remaining) != 1 || remaining[0].Offset != 4 || remaining[0].Length != 6 {
		t.Fatalf("remaining = %+v, want offset=4 length=6", remaining)
	}
}

func TestAckUpToIgnoresOtherFiles(t *testing.T) {
	h := New()
	h.Append(block("a.bin", 0, 10), 1)
	h.Append(block("b.bin", 0, 10), 2)

	h.AckUpTo("a.bin", 10)
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (b.bin untouched)", h.Len())
	}
}

func TestRewindAllClearsHistory(t *testing.T) {
	h := New()
	h.Append(block("a.bin", 0, 10), 1)
	h.Append(block("b.bin", 0, 5), 2)

	rewound := h.RewindAll()
	if len(rewound) != 2 {
		t.Fatalf("rewound = %d sources, want 2", len(rewound))
	}
	if h.Len() != 0 {
		t.Fatalf("Len() after RewindAll = %d, want 0", h.Len())
	}
}
