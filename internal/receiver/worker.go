// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/filestore"
	"github.com/nishisan-dev/wdt-go/internal/netutil"
	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
	"github.com/nishisan-dev/wdt-go/internal/translog"
)

// acceptAndServe accepts exactly one connection on ln, negotiates SETTINGS,
// and runs the parse loop on it. One goroutine per bound port, each serving
// its own independent connection.
func (rv *Receiver) acceptAndServe(ctx context.Context, workerIdx int, ln net.Listener, creator *filestore.FileCreator, tlog *translog.Manager, owned map[string][]protocol.ByteRange, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := rv.logger.With("worker", workerIdx)

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		return
	case <-rv.abort.Context().Done():
		return
	case res := <-acceptCh:
		if res.err != nil {
			logger.Error("accepting connection", "error", res.err)
			rv.foldWorkerResult(transfer.TransferStats{}, transfer.ErrConnError, nil)
			return
		}
		conn = res.conn
	}
	defer conn.Close()

	applyAccept(conn, netutil.WorkerDSCP(rv.cfg.DSCPValue, workerIdx), logger)

	bufR := bufio.NewReader(conn)
	settingsIn, err := rv.negotiate(conn, bufR, owned, logger)
	if err != nil {
		logger.Error("negotiating settings", "error", err)
		rv.foldWorkerResult(transfer.TransferStats{}, transfer.ErrProtocol, nil)
		return
	}

	stats, code, fileErrs := rv.parseLoop(ctx, conn, bufR, creator, tlog, settingsIn, logger)
	rv.foldWorkerResult(stats, code, fileErrs)
}

// negotiate reads the sender's SETTINGS, replies with this receiver's own
// (possibly constrained-down) settings, and — when both sides agree on
// resumption — writes FILE_CHUNKS_INFO built from owned.
func (rv *Receiver) negotiate(conn net.Conn, bufR *bufio.Reader, owned map[string][]protocol.ByteRange, logger *slog.Logger) (protocol.Settings, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	op, err := protocol.ReadOpcode(bufR)
	if err != nil {
		return protocol.Settings{}, fmt.Errorf("reading settings opcode: %w", err)
	}
	if op != protocol.OpSettings {
		return protocol.Settings{}, fmt.Errorf("expected SETTINGS, got opcode 0x%02x", op)
	}
	in, err := protocol.ReadSettings(bufR)
	if err != nil {
		return protocol.Settings{}, fmt.Errorf("reading settings: %w", err)
	}

	version := in.Version
	if version != protocol.ProtocolVersion {
		version = protocol.ProtocolVersion
	}
	out := protocol.Settings{
		Version:                  version,
		SenderID:                 in.SenderID,
		ReadTimeoutMs:            in.ReadTimeoutMs,
		WriteTimeoutMs:           in.WriteTimeoutMs,
		TransferID:               rv.transferID,
		EnableChecksum:           in.EnableChecksum && rv.cfg.EnableChecksum,
		EnableDownloadResumption: in.EnableDownloadResumption && rv.cfg.EnableDownloadResumption,
		BlockSize:                in.BlockSize,
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteSettings(conn, out); err != nil {
		return protocol.Settings{}, fmt.Errorf("writing settings reply: %w", err)
	}

	if out.EnableDownloadResumption {
		info := protocol.FileChunksInfo{}
		for relPath, ranges := range owned {
			info.Files = append(info.Files, protocol.FileChunksInfoEntry{RelPath: relPath, Owned: ranges})
		}
		if err := protocol.WriteFileChunksInfo(conn, info); err != nil {
			return protocol.Settings{}, fmt.Errorf("writing file chunks info: %w", err)
		}
	}

	return out, nil
}

// parseLoop reads FILE_CHUNK/DONE/ABORT/ERR_CMD frames until the connection
// ends, writing chunk bodies via creator and logging each durable write to
// tlog.
func (rv *Receiver) parseLoop(ctx context.Context, conn net.Conn, bufR *bufio.Reader, creator *filestore.FileCreator, tlog *translog.Manager, settings protocol.Settings, logger *slog.Logger) (transfer.TransferStats, transfer.ErrorCode, []transfer.FileError) {
	var stats transfer.TransferStats
	var fileErrs []transfer.FileError

	readTimeout := rv.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := rv.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	var buf []byte

	for {
		if rv.abort.Aborted() {
			return stats, transfer.ErrAbortedByApplication, fileErrs
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		op, err := protocol.ReadOpcode(bufR)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Warn("connection closed before DONE", "error", err)
				return stats, transfer.ErrConnError, fileErrs
			}
			logger.Error("reading opcode", "error", err)
			return stats, transfer.ErrSocketRead, fileErrs
		}

		switch op {
		case protocol.OpFileChunk:
			hdr, err := protocol.ReadFileChunkHeader(bufR)
			if err != nil {
				logger.Error("reading file chunk header", "error", err)
				return stats, transfer.ErrSocketRead, fileErrs
			}
			buf, err = protocol.ReadFileChunkBody(bufR, hdr, buf)
			if err != nil {
				logger.Error("reading file chunk body", "error", err)
				return stats, transfer.ErrSocketRead, fileErrs
			}

			if rv.cfg.Throttler != nil {
				if err := rv.cfg.Throttler.Limit(ctx, len(buf)); err != nil {
					return stats, transfer.ErrAbortedByApplication, fileErrs
				}
			}

			if hdr.HasChecksum() && protocol.ChunkChecksum(buf) != hdr.Checksum {
				logger.Error("chunk checksum mismatch", "path", hdr.RelPath, "offset", hdr.Offset, "length", hdr.Length)
				fileErrs = append(fileErrs, transfer.FileError{RelPath: hdr.RelPath, Code: transfer.ErrChecksumMismatch})
				stats.FailedAttempts++
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := protocol.WriteErrCmd(conn, protocol.ErrCmd{
					ErrorCode: protocol.ErrCodeChecksumMismatch,
					RelPath:   hdr.RelPath,
					Message:   "chunk checksum mismatch",
					Offset:    hdr.Offset,
					Length:    hdr.Length,
					FileSize:  hdr.FileSize,
				}); err != nil {
					logger.Error("writing err cmd", "error", err)
					return stats, transfer.ErrSocketWrite, fileErrs
				}
				continue
			}

			if err := rv.writeChunk(creator, tlog, hdr, buf); err != nil {
				logger.Error("writing file chunk", "path", hdr.RelPath, "error", err)
				fileErrs = append(fileErrs, transfer.FileError{RelPath: hdr.RelPath, Code: transfer.ErrFileWrite, Err: err})
				stats.FailedAttempts++
				continue
			}
			stats.DataBytesSent += int64(len(buf))
			stats.EffectiveDataBytes += int64(len(buf))

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteAck(conn, protocol.Ack{Entries: []protocol.AckEntry{
				{RelPath: hdr.RelPath, LastSeq: hdr.Seq, Offset: hdr.Offset + hdr.Length},
			}}); err != nil {
				logger.Error("writing ack", "error", err)
				return stats, transfer.ErrSocketWrite, fileErrs
			}

		case protocol.OpDone:
			if _, err := protocol.ReadDone(bufR); err != nil {
				logger.Error("reading done", "error", err)
				return stats, transfer.ErrSocketRead, fileErrs
			}
			return stats, transfer.OK, fileErrs

		case protocol.OpAbort:
			a, err := protocol.ReadAbort(bufR)
			if err != nil {
				logger.Warn("reading abort", "error", err)
			} else {
				logger.Warn("sender sent abort", "code", a.ErrorCode)
			}
			return stats, transfer.ErrAbort, fileErrs

		case protocol.OpErrCmd:
			e, err := protocol.ReadErrCmd(bufR)
			if err != nil {
				logger.Warn("reading err cmd", "error", err)
				return stats, transfer.ErrSocketRead, fileErrs
			}
			logger.Warn("sender reported file error", "path", e.RelPath, "message", e.Message)
			fileErrs = append(fileErrs, transfer.FileError{RelPath: e.RelPath, Code: transfer.ErrFileRead})

		default:
			logger.Warn("unexpected opcode in parse loop", "opcode", op)
			return stats, transfer.ErrProtocol, fileErrs
		}
	}
}

// writeChunk persists one FILE_CHUNK body and logs the durable write. If
// hdr.FileSize disagrees with the size most recently seen for this relPath
// (shared across every worker connection in this transfer, since a single
// file's blocks can land on any of them), it records a FileResized entry
// before writing so a crash mid-transfer doesn't leave resumption believing
// the file's old, now-stale expected size.
func (rv *Receiver) writeChunk(creator *filestore.FileCreator, tlog *translog.Manager, hdr protocol.FileChunkHeader, body []byte) error {
	rv.sizeMu.Lock()
	prev, seen := rv.expectedSizes[hdr.RelPath]
	if !seen {
		rv.expectedSizes[hdr.RelPath] = int64(hdr.FileSize)
	} else if prev != int64(hdr.FileSize) {
		rv.expectedSizes[hdr.RelPath] = int64(hdr.FileSize)
	}
	rv.sizeMu.Unlock()
	if seen && prev != int64(hdr.FileSize) {
		if err := tlog.AppendFileResized(translog.FileResized{RelPath: hdr.RelPath, NewSize: int64(hdr.FileSize)}); err != nil {
			rv.logger.Warn("recording file resize", "path", hdr.RelPath, "error", err)
		}
	}

	w, err := creator.Open(hdr.RelPath, int64(hdr.FileSize))
	if err != nil {
		return fmt.Errorf("opening destination for %q: %w", hdr.RelPath, err)
	}
	defer w.Close()

	if _, err := w.WriteAt(body, int64(hdr.Offset)); err != nil {
		return err
	}

	full := filepath.Join(rv.cfg.Request.Directory, filepath.FromSlash(hdr.RelPath))
	var modTime int64
	if info, err := os.Stat(full); err == nil {
		modTime = info.ModTime().UnixNano()
	}
	return tlog.AppendBlockWritten(translog.BlockWritten{
		RelPath:       hdr.RelPath,
		Offset:        int64(hdr.Offset),
		Length:        int64(hdr.Length),
		ModTimeUnixNs: modTime,
	}, hdr.LastChunkOfFile())
}
