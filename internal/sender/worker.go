// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/history"
	"github.com/nishisan-dev/wdt-go/internal/netutil"
	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// workerState is the mutable, ack-loop-and-send-loop shared state for one
// worker connection. effectiveBytes is updated only by the ack loop;
// everything else is set once before both loops start.
type workerState struct {
	effectiveBytes int64 // atomic
}

// runWorker owns one TCP connection to one negotiated receiver port: a send
// loop draining the shared queue onto the wire, and a concurrent ack loop
// reading frames back on the same connection.
func (s *Sender) runWorker(ctx context.Context, workerIdx int, port int, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := s.logger.With("worker", workerIdx, "port", port)

	dialTimeout := s.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := dialPort(ctx, s.cfg.Request.Destination, port, dialTimeout)
	if err != nil {
		logger.Error("dialing worker connection", "error", err)
		s.foldWorkerResult(transfer.TransferStats{}, transfer.ErrConnError, nil)
		return
	}
	defer conn.Close()
	if err := netutil.ApplyDSCP(conn, netutil.WorkerDSCP(s.cfg.DSCPValue, workerIdx)); err != nil {
		logger.Warn("applying DSCP", "error", err)
	}

	bufR := bufio.NewReader(conn)
	hist := history.New()
	st := &workerState{}

	ackDone := make(chan struct{})
	go s.ackLoop(conn, bufR, hist, st, logger, ackDone)

	stats, code, fileErrs := s.sendLoop(ctx, conn, hist, logger)

	// Give the receiver a moment to flush its last ACKs, then tear down so
	// the ack loop's blocked Read unblocks via a connection error.
	select {
	case <-ackDone:
	case <-time.After(2 * time.Second):
		conn.Close()
		<-ackDone
	}

	stats.EffectiveDataBytes = atomic.LoadInt64(&st.effectiveBytes)
	s.foldWorkerResult(stats, code, fileErrs)
}

// sendLoop pulls ByteSources off the shared queue until it is drained, the
// transfer is aborted, or a socket/file error forces this worker to give up.
func (s *Sender) sendLoop(ctx context.Context, conn net.Conn, hist *history.History, logger *slog.Logger) (transfer.TransferStats, transfer.ErrorCode, []transfer.FileError) {
	var stats transfer.TransferStats
	var fileErrs []transfer.FileError
	var workerSeq uint64

	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	var buf []byte
	code := transfer.OK

sendLoop:
	for {
		if s.abort.Aborted() {
			code = transfer.ErrAbortedByApplication
			break
		}

		src, ok, err := s.queue.GetNextSource(ctx)
		if err != nil {
			if s.abort.Aborted() {
				code = transfer.ErrAbortedByApplication
			} else {
				code = transfer.ErrAbort
			}
			break
		}
		if !ok {
			break // queue permanently drained: normal completion
		}

		path := absPath(s.cfg.Request.Directory, src.File.RelPath)
		buf, err = s.reader.Read(path, src, buf)
		if err != nil {
			logger.Warn("reading source block", "path", src.File.RelPath, "error", err)
			fileErrs = append(fileErrs, transfer.FileError{RelPath: src.File.RelPath, Code: transfer.ErrFileRead, Err: err})
			stats.FailedAttempts++
			continue
		}

		if s.cfg.Throttler != nil {
			if err := s.cfg.Throttler.Limit(ctx, len(buf)); err != nil {
				s.queue.ReturnToQueue(src)
				code = transfer.ErrAbortedByApplication
				break
			}
		}

		flags := uint64(0)
		if src.End() == src.File.Size {
			flags |= protocol.FlagLastChunkOfFile
		}
		var crc uint32
		if s.cfg.EnableChecksum {
			flags |= protocol.FlagChunkChecksum
			crc = protocol.ChunkChecksum(buf)
		}
		hdr := protocol.FileChunkHeader{
			Seq:      workerSeq,
			FileSize: uint64(src.File.Size),
			Offset:   uint64(src.Offset),
			Length:   uint64(len(buf)),
			Flags:    flags,
			Checksum: crc,
			RelPath:  src.File.RelPath,
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFileChunk(conn, hdr, buf); err != nil {
			logger.Error("writing file chunk", "error", err)
			s.queue.ReturnToQueue(src)
			for _, rec := range hist.RewindAll() {
				s.queue.ReturnToQueue(rec)
			}
			code = transfer.ErrSocketWrite
			break sendLoop
		}
		hist.Append(src, workerSeq)
		workerSeq++
		stats.HeaderBytesSent += chunkHeaderOverhead(hdr)
		stats.DataBytesSent += int64(len(buf))
	}

	// Best-effort: send DONE so the receiver can finalize this connection.
	// A failure here does not change the worker's already-decided code.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = protocol.WriteDone(conn, protocol.Done{TotalBlocksSent: workerSeq})

	// Anything still unacked at this point (receiver never got to it) goes
	// back to the queue so another worker can pick it up.
	for _, rec := range hist.RewindAll() {
		s.queue.ReturnToQueue(rec)
	}

	return stats, code, fileErrs
}

// ackLoop reads ACK/WAIT/ERR_CMD/ABORT frames from the receiver for the
// lifetime of the connection, applying ACKs to hist and folding acked bytes
// into st.effectiveBytes. Returns (by closing done) once the connection
// errors out — the normal way this loop ends, since the protocol has no
// explicit "stop acking" frame.
func (s *Sender) ackLoop(conn net.Conn, bufR *bufio.Reader, hist *history.History, st *workerState, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	for {
		if s.abort.Aborted() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readLoopPoll))
		op, err := protocol.ReadOpcode(bufR)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) || isClosedConn(err) {
				return
			}
			logger.Warn("ack loop read error", "error", err)
			return
		}
		switch op {
		case protocol.OpAck:
			a, err := protocol.ReadAck(bufR)
			if err != nil {
				logger.Warn("reading ack frame", "error", err)
				return
			}
			for _, e := range a.Entries {
				acked := hist.AckUpTo(e.RelPath, int64(e.Offset))
				var n int64
				for _, rec := range acked {
					n += rec.Source.Length
				}
				atomic.AddInt64(&st.effectiveBytes, n)
			}
		case protocol.OpWait:
			// keep-alive, nothing to do
		case protocol.OpErrCmd:
			e, err := protocol.ReadErrCmd(bufR)
			if err != nil {
				logger.Warn("reading err cmd frame", "error", err)
				return
			}
			if e.ErrorCode == protocol.ErrCodeChecksumMismatch {
				logger.Warn("receiver reported checksum mismatch, retrying block", "path", e.RelPath, "offset", e.Offset, "length", e.Length)
				hist.DropRange(e.RelPath, int64(e.Offset), int64(e.Length))
				s.queue.ReturnToQueue(transfer.ByteSource{
					File:   transfer.FileMetadata{RelPath: e.RelPath, Size: int64(e.FileSize)},
					Offset: int64(e.Offset),
					Length: int64(e.Length),
				})
				continue
			}
			logger.Warn("receiver reported file error", "path", e.RelPath, "message", e.Message)
		case protocol.OpAbort:
			s.abort.Abort("receiver sent ABORT")
			return
		default:
			logger.Warn("unexpected frame on ack loop", "opcode", op)
			return
		}
	}
}

// readLoopPoll bounds how long the ack loop blocks in one Read call so it
// can re-check the abort flag even when the receiver has nothing to say.
const readLoopPoll = 2 * time.Second

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// chunkHeaderOverhead estimates the on-wire byte cost of a FILE_CHUNK header
// (opcode + varints + path), used only for TransferStats.HeaderBytesSent
// bookkeeping, never for wire framing itself.
func chunkHeaderOverhead(h protocol.FileChunkHeader) int64 {
	return int64(1 + 10 + 10 + 10 + 10 + 10 + len(h.RelPath) + 2)
}
