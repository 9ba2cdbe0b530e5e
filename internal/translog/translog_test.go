// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package translog

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateAndReconcileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.log")
	m, err := Create(path, Header{SenderID: "host-a", BlockSize: 1024})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.AppendBlockWritten(BlockWritten{RelPath: "a.bin", Offset: 0, Length: 512, ModTimeUnixNs: 1000}, false); err != nil {
		t.Fatalf("AppendBlockWritten: %v", err)
	}
	if err := m.AppendBlockWritten(BlockWritten{RelPath: "a.bin", Offset: 512, Length: 512, ModTimeUnixNs: 1001}, true); err != nil {
		t.Fatalf("AppendBlockWritten: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if r.Header.SenderID != "host-a" || r.Header.BlockSize != 1024 {
		t.Errorf("header = %+v, want sender-id=host-a block-size=1024", r.Header)
	}
	st, ok := r.Files["a.bin"]
	if !ok {
		t.Fatal("expected a.bin in reconciliation")
	}
	if len(st.Owned) != 2 {
		t.Fatalf("owned ranges = %d, want 2", len(st.Owned))
	}
	if st.LastModTimeNs != 1001 {
		t.Errorf("LastModTimeNs = %d, want 1001", st.LastModTimeNs)
	}
}

func TestInvalidatedClearsOwnedRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.log")
	m, err := Create(path, Header{SenderID: "host-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.AppendBlockWritten(BlockWritten{RelPath: "a.bin", Offset: 0, Length: 100}, false); err != nil {
		t.Fatalf("AppendBlockWritten: %v", err)
	}
	if err := m.AppendFileInvalidated(FileInvalidated{RelPath: "a.bin"}); err != nil {
		t.Fatalf("AppendFileInvalidated: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	st := r.Files["a.bin"]
	if !st.Invalidated {
		t.Error("expected Invalidated = true")
	}
	if len(st.Owned) != 0 {
		t.Errorf("owned ranges = %d, want 0 after invalidation", len(st.Owned))
	}
}

func TestFileResizedRecordsExpectedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.log")
	m, err := Create(path, Header{SenderID: "host-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.AppendFileResized(FileResized{RelPath: "a.bin", NewSize: 2048}); err != nil {
		t.Fatalf("AppendFileResized: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if r.Files["a.bin"].ExpectedSize != 2048 {
		t.Errorf("ExpectedSize = %d, want 2048", r.Files["a.bin"].ExpectedSize)
	}
}

func TestPrintRendersHumanReadableOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.log")
	m, err := Create(path, Header{SenderID: "host-a", BlockSize: 4096})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.AppendBlockWritten(BlockWritten{RelPath: "a.bin", Offset: 0, Length: 10}, true); err != nil {
		t.Fatalf("AppendBlockWritten: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	var sb strings.Builder
	if err := Print(&sb, r); err != nil {
		t.Fatalf("Print: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "host-a") || !strings.Contains(out, "a.bin") {
		t.Errorf("Print output missing expected fields: %q", out)
	}
}
