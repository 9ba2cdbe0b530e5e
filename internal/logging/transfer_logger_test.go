// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

func TestNewTransferLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewTransferLogger(base, "", "sender", "xfer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when transferLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewTransferLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewTransferLogger(base, dir, "sender", "xfer-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verifica que o diretório do side foi criado
	sideDir := filepath.Join(dir, "sender")
	if _, err := os.Stat(sideDir); os.IsNotExist(err) {
		t.Fatalf("side dir not created: %s", sideDir)
	}

	// Verifica que o path retornado está correto
	expectedPath := filepath.Join(sideDir, "xfer-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading transfer log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in transfer file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in transfer file: %s", content)
	}
}

func TestNewTransferLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	// Base logger com nível INFO — não aceita DEBUG
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewTransferLogger(base, dir, "receiver", "xfer-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from transfer file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from transfer file: %s", content)
	}
}

func TestFinalizeTransferLog_RemovesCleanTransfer(t *testing.T) {
	dir := t.TempDir()
	sideDir := filepath.Join(dir, "sender")
	os.MkdirAll(sideDir, 0755)

	logPath := filepath.Join(sideDir, "xfer-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	FinalizeTransferLog(dir, "sender", "xfer-to-remove", transfer.TransferReport{Summary: transfer.OK})

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("clean transfer's log file should have been removed")
	}
}

func TestFinalizeTransferLog_KeepsFailedTransfer(t *testing.T) {
	dir := t.TempDir()
	sideDir := filepath.Join(dir, "sender")
	os.MkdirAll(sideDir, 0755)

	logPath := filepath.Join(sideDir, "xfer-to-keep.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	FinalizeTransferLog(dir, "sender", "xfer-to-keep", transfer.TransferReport{
		Summary:       transfer.OK,
		PerFileErrors: []transfer.FileError{{RelPath: "a.txt", Code: transfer.ErrChecksumMismatch}},
	})

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("original log path should no longer exist after rename")
	}
	failedPath := filepath.Join(sideDir, "xfer-to-keep.failed.log")
	if _, err := os.Stat(failedPath); os.IsNotExist(err) {
		t.Error("failed transfer's log should have been kept under a .failed.log suffix")
	}
}

func TestFinalizeTransferLog_NoOpWhenEmpty(t *testing.T) {
	FinalizeTransferLog("", "sender", "xfer", transfer.TransferReport{Summary: transfer.OK})
}

func TestFinalizeTransferLog_NoOpWhenFileMissing(t *testing.T) {
	FinalizeTransferLog(t.TempDir(), "sender", "nonexistent-xfer", transfer.TransferReport{Summary: transfer.ErrAbort})
}

func TestNewTransferLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewTransferLogger(base, dir, "sender", "xfer-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("transfer_id", "xfer-attrs", "mode", "multi-conn")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "xfer-attrs") {
		t.Error("transfer_id attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "xfer-attrs") {
		t.Errorf("transfer_id attr missing from transfer file: %s", content)
	}
	if !strings.Contains(content, "multi-conn") {
		t.Errorf("mode attr missing from transfer file: %s", content)
	}
}
