// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/abortctl"
	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// runFakeSender is a minimal counterpart to sender_test's fakeReceiver: dials a
// single receiver port, performs the SETTINGS handshake, then writes one
// file's content as a sequence of FILE_CHUNK frames followed by DONE,
// draining ACKs as they arrive.
func runFakeSender(t *testing.T, addr string, relPath string, content []byte, blockSize int) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteSettings(conn, protocol.Settings{Version: protocol.ProtocolVersion}); err != nil {
		t.Fatalf("writing settings: %v", err)
	}

	bufR := bufio.NewReader(conn)
	op, err := protocol.ReadOpcode(bufR)
	if err != nil || op != protocol.OpSettings {
		t.Fatalf("reading settings reply: op=%v err=%v", op, err)
	}
	if _, err := protocol.ReadSettings(bufR); err != nil {
		t.Fatalf("reading settings reply body: %v", err)
	}

	var seq uint64
	for offset := 0; offset < len(content); offset += blockSize {
		end := offset + blockSize
		if end > len(content) {
			end = len(content)
		}
		chunk := content[offset:end]
		hdr := protocol.FileChunkHeader{
			Seq:      seq,
			FileSize: uint64(len(content)),
			Offset:   uint64(offset),
			Length:   uint64(len(chunk)),
			RelPath:  relPath,
		}
		if end == len(content) {
			hdr.Flags |= protocol.FlagLastChunkOfFile
		}
		if err := protocol.WriteFileChunk(conn, hdr, chunk); err != nil {
			t.Fatalf("writing file chunk: %v", err)
		}
		seq++

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		op, err := protocol.ReadOpcode(bufR)
		if err != nil || op != protocol.OpAck {
			t.Fatalf("reading ack: op=%v err=%v", op, err)
		}
		if _, err := protocol.ReadAck(bufR); err != nil {
			t.Fatalf("reading ack body: %v", err)
		}
	}

	if err := protocol.WriteDone(conn, protocol.Done{TotalBlocksSent: seq}); err != nil {
		t.Fatalf("writing done: %v", err)
	}
}

func TestReceiverRunPersistsFileContent(t *testing.T) {
	destDir := t.TempDir()

	rv := New(Config{
		Request: transfer.TransferRequest{
			StartPort: 0,
			NumPorts:  1,
			Directory: destDir,
		},
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Abort:        abortctl.New(),
	})

	// Use a known, fixed port rather than StartPort 0: bind manually via a
	// listener first to learn a free port, then point the request at it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()
	rv.cfg.Request.StartPort = port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rv.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rv.Close()

	content := []byte("the quick brown fox jumps over the lazy dog, twice over")
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeSender(t, rv.listeners[0].Addr().String(), "a.txt", content, 8)
	}()

	report, err := rv.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if report.Summary != transfer.OK {
		t.Errorf("Summary = %v, want OK", report.Summary)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received %q, want %q", got, content)
	}
}

// TestReceiverRejectsCorruptedChunkThenAcceptsRetry sends one FILE_CHUNK
// with a checksum that doesn't match its (corrupted) body, confirms the
// receiver replies with an ERR_CMD pinpointing that exact range instead of
// tearing down the connection, then resends the same range intact and
// checks the file ends up byte-correct — the per-chunk analogue of a
// sender noticing the ERR_CMD and retrying just that block.
func TestReceiverRejectsCorruptedChunkThenAcceptsRetry(t *testing.T) {
	destDir := t.TempDir()

	rv := New(Config{
		Request: transfer.TransferRequest{
			StartPort: 0,
			NumPorts:  1,
			Directory: destDir,
		},
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		EnableChecksum: true,
		Abort:          abortctl.New(),
	})

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()
	rv.cfg.Request.StartPort = port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rv.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rv.Close()

	content := []byte("checksums catch corruption before it ever reaches the log")
	recvDone := make(chan transfer.TransferReport, 1)
	go func() {
		report, err := rv.Run(ctx)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		recvDone <- report
	}()

	conn, err := net.Dial("tcp", rv.listeners[0].Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteSettings(conn, protocol.Settings{Version: protocol.ProtocolVersion, EnableChecksum: true}); err != nil {
		t.Fatalf("writing settings: %v", err)
	}
	bufR := bufio.NewReader(conn)
	if op, err := protocol.ReadOpcode(bufR); err != nil || op != protocol.OpSettings {
		t.Fatalf("reading settings reply: op=%v err=%v", op, err)
	}
	if _, err := protocol.ReadSettings(bufR); err != nil {
		t.Fatalf("reading settings reply body: %v", err)
	}

	hdr := protocol.FileChunkHeader{
		Seq:      0,
		FileSize: uint64(len(content)),
		Offset:   0,
		Length:   uint64(len(content)),
		Flags:    protocol.FlagLastChunkOfFile | protocol.FlagChunkChecksum,
		Checksum: protocol.ChunkChecksum(content),
		RelPath:  "a.txt",
	}

	corrupted := append([]byte(nil), content...)
	corrupted[0] ^= 0xff
	if err := protocol.WriteFileChunk(conn, hdr, corrupted); err != nil {
		t.Fatalf("writing corrupted chunk: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	op, err := protocol.ReadOpcode(bufR)
	if err != nil || op != protocol.OpErrCmd {
		t.Fatalf("reading err cmd: op=%v err=%v", op, err)
	}
	e, err := protocol.ReadErrCmd(bufR)
	if err != nil {
		t.Fatalf("ReadErrCmd: %v", err)
	}
	if e.ErrorCode != protocol.ErrCodeChecksumMismatch || e.RelPath != "a.txt" || e.Offset != 0 || e.Length != hdr.Length {
		t.Fatalf("unexpected err cmd: %+v", e)
	}

	if err := protocol.WriteFileChunk(conn, hdr, content); err != nil {
		t.Fatalf("writing retried chunk: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if op, err := protocol.ReadOpcode(bufR); err != nil || op != protocol.OpAck {
		t.Fatalf("reading ack: op=%v err=%v", op, err)
	}
	if _, err := protocol.ReadAck(bufR); err != nil {
		t.Fatalf("reading ack body: %v", err)
	}

	if err := protocol.WriteDone(conn, protocol.Done{TotalBlocksSent: 1}); err != nil {
		t.Fatalf("writing done: %v", err)
	}

	report := <-recvDone
	if report.Summary != transfer.OK {
		t.Errorf("Summary = %v, want OK", report.Summary)
	}
	foundMismatch := false
	for _, fe := range report.PerFileErrors {
		if fe.Code == transfer.ErrChecksumMismatch {
			foundMismatch = true
		}
	}
	if !foundMismatch {
		t.Error("report.PerFileErrors does not record the checksum mismatch")
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received %q, want %q", got, content)
	}
}

func TestBindPortsFewerPortsError(t *testing.T) {
	// Occupy one port so the receiver's own bind of it fails, simulating a
	// taken port within the requested range.
	blocked, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("blocked listen: %v", err)
	}
	blockedPort := blocked.Addr().(*net.TCPAddr).Port
	defer blocked.Close()

	dir := t.TempDir()
	rv := New(Config{
		Request: transfer.TransferRequest{
			StartPort:              blockedPort,
			NumPorts:               2,
			Directory:              dir,
			TreatFewerPortsAsError: true,
		},
		Abort: abortctl.New(),
	})

	err = rv.Init(context.Background())
	if err == nil {
		rv.Close()
		t.Fatal("expected fewer-ports error")
	}
	var coded *transfer.CodedError
	for e := err; e != nil; {
		if c, ok := e.(*transfer.CodedError); ok {
			coded = c
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if coded == nil {
		t.Fatalf("expected CodedError, got %T: %v", err, err)
	}
	if coded.Code != transfer.ErrFewerPorts {
		t.Errorf("code = %v, want ErrFewerPorts", coded.Code)
	}
}
