// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manifest

import (
	"strings"
	"testing"
)

func TestParseReaderWithAndWithoutSize(t *testing.T) {
	in := "a.txt\t100\nb.txt\nc/d.bin\t0\n"
	entries, err := parseReader(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parseReader: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].RelPath != "a.txt" || entries[0].Size != 100 {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].RelPath != "b.txt" || entries[1].Size != -1 {
		t.Errorf("entries[1] = %+v, want size -1 (unknown)", entries[1])
	}
	if entries[2].RelPath != "c/d.bin" || entries[2].Size != 0 {
		t.Errorf("entries[2] = %+v", entries[2])
	}
}

func TestParseReaderRejectsEmptyLine(t *testing.T) {
	if _, err := parseReader(strings.NewReader("a.txt\t1\n\nb.txt\n")); err == nil {
		t.Fatal("expected error for empty line")
	}
}

func TestParseReaderRejectsBadSize(t *testing.T) {
	if _, err := parseReader(strings.NewReader("a.txt\tnotanumber\n")); err == nil {
		t.Fatal("expected error for non-numeric size")
	}
}
