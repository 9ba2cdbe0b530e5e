// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package filestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFileAndParentDirs(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w, err := fc.Open("nested/dir/file.bin", 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "nested/dir/file.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q, want %q", got, "data")
	}
}

func TestConcurrentWritersShareOneHandleAndRefcount(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w1, err := fc.Open("shared.bin", 8)
	if err != nil {
		t.Fatalf("Open w1: %v", err)
	}
	w2, err := fc.Open("shared.bin", 8)
	if err != nil {
		t.Fatalf("Open w2: %v", err)
	}

	if _, err := w1.WriteAt([]byte("AAAA"), 0); err != nil {
		t.Fatalf("WriteAt w1: %v", err)
	}
	if _, err := w2.WriteAt([]byte("BBBB"), 4); err != nil {
		t.Fatalf("WriteAt w2: %v", err)
	}

	if err := w1.Close(); err != nil {
		t.Fatalf("Close w1: %v", err)
	}
	// File must still be usable: w2 holds the last reference.
	if _, err := os.Stat(filepath.Join(root, "shared.bin")); err != nil {
		t.Fatalf("file missing before last Close: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close w2: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "shared.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "AAAABBBB" {
		t.Errorf("content = %q, want %q", got, "AAAABBBB")
	}
}

func TestDirectIOTruncatesPaddingOnClose(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, Options{DirectIO: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const trueSize = 10 // not a multiple of any common O_DIRECT alignment
	w, err := fc.Open("odirect.bin", trueSize)
	if err != nil {
		t.Skipf("O_DIRECT unsupported on this filesystem, skipping: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "odirect.bin"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != trueSize {
		t.Errorf("size = %d, want %d (O_DIRECT padding should be truncated away)", info.Size(), trueSize)
	}
}

func TestOpenRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	fc, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := fc.Open("../../etc/passwd", 4); err == nil {
		t.Fatal("expected Open to reject a path escaping the destination root")
	}
}

func TestCloseUnopenedPathErrors(t *testing.T) {
	fc, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fc.closeHandle("never-opened.bin"); err == nil {
		t.Fatal("expected error closing a path that was never opened")
	}
}
