// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers, so a transfer's logger can write to both the global handler
// and its dedicated per-transfer file handler at once.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Checks each handler's own Enabled() before dispatching, so a DEBUG
	// record isn't sent to the primary handler when it only accepts INFO
	// or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the transfer file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewTransferLogger creates a logger that writes to both the base (global)
// logger and a dedicated file for one transfer. The file is created at:
//
//	{transferLogDir}/{side}/{transferID}.log
//
// where side is "sender" or "receiver". Returns the enriched logger, an
// io.Closer for the dedicated file, and its path (joined onto
// transferLogDir, so relative when transferLogDir is). The Closer MUST
// be called (defer) when the transfer ends.
//
// If transferLogDir is empty, returns the base logger unmodified (no-op).
func NewTransferLogger(baseLogger *slog.Logger, transferLogDir, side, transferID string) (*slog.Logger, io.Closer, string, error) {
	if transferLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(transferLogDir, side)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating transfer log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, transferID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening transfer log file %s: %w", logPath, err)
	}

	// The transfer file always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan out to both the base logger's handler and the file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// FinalizeTransferLog decides what becomes of one transfer's dedicated debug
// log once the transfer has finished. A transfer that completed cleanly
// (Summary == transfer.OK and no PerFileErrors — which now includes
// checksum mismatches the wire protocol recovered from automatically) has
// its log removed, same as before. A transfer that saw any failure has
// the file renamed with a ".failed.log" suffix, so an operator
// scanning transferLogDir for trouble doesn't have to open every file to
// tell which transfers are worth reading; if that rename fails, the log is
// removed instead.
//
// No-op if transferLogDir is empty.
func FinalizeTransferLog(transferLogDir, side, transferID string, report transfer.TransferReport) {
	if transferLogDir == "" {
		return
	}
	logPath := filepath.Join(transferLogDir, side, transferID+".log")
	if report.Summary == transfer.OK && len(report.PerFileErrors) == 0 {
		os.Remove(logPath)
		return
	}
	failedPath := filepath.Join(transferLogDir, side, transferID+".failed.log")
	if err := os.Rename(logPath, failedPath); err != nil && !os.IsNotExist(err) {
		os.Remove(logPath)
	}
}
