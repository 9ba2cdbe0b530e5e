// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package integration drives a real Sender against a real Receiver over
// real loopback TCP connections, end to end: bind, connection-URL handoff,
// multi-port negotiation, directory enumeration, and on-disk verification.
package integration

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/abortctl"
	"github.com/nishisan-dev/wdt-go/internal/receiver"
	"github.com/nishisan-dev/wdt-go/internal/sender"
	"github.com/nishisan-dev/wdt-go/internal/throttle"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// freePorts claims n consecutive free TCP ports by briefly listening on
// each, the same way the front-end would locate a starting port to bind.
func freePorts(t *testing.T, n int) int {
	t.Helper()
	var lns []net.Listener
	defer func() {
		for _, ln := range lns {
			ln.Close()
		}
	}()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	start := ln.Addr().(*net.TCPAddr).Port
	lns = append(lns, ln)
	for i := 1; i < n; i++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", start+i))
		if err != nil {
			t.Skipf("could not claim consecutive port %d: %v", start+i, err)
		}
		lns = append(lns, l)
	}
	return start
}

func TestEndToEndMultiPortDirectoryTransfer(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	files := map[string]int{
		"small.txt":       37,
		"nested/mid.bin":  1 << 16,
		"nested/deep/big": 5*(8<<20) + 123, // spans multiple blocks per worker
	}
	for rel, size := range files {
		full := filepath.Join(srcDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		if err := os.WriteFile(full, buf, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	startPort := freePorts(t, 3)

	rv := receiver.New(receiver.Config{
		Request: transfer.TransferRequest{
			StartPort: startPort,
			NumPorts:  3,
			Directory: dstDir,
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Abort:        abortctl.New(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rv.Init(ctx); err != nil {
		t.Fatalf("receiver Init: %v", err)
	}
	defer rv.Close()

	url := rv.ConnectionURL()

	recvDone := make(chan struct {
		report transfer.TransferReport
		err    error
	}, 1)
	go func() {
		report, err := rv.Run(ctx)
		recvDone <- struct {
			report transfer.TransferReport
			err    error
		}{report, err}
	}()

	s := sender.New(sender.Config{
		Request: transfer.TransferRequest{
			ConnectionURL: url,
			Directory:     srcDir,
		},
		NumWorkers:   3,
		BlockSize:    64 * 1024,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		DialTimeout:  5 * time.Second,
		Abort:        abortctl.New(),
	})
	if err := s.Init(ctx); err != nil {
		t.Fatalf("sender Init: %v", err)
	}
	sendReport, err := s.Transfer(ctx)
	if err != nil {
		t.Fatalf("sender Transfer: %v", err)
	}
	if sendReport.Summary != transfer.OK {
		t.Errorf("sender summary = %v, want OK", sendReport.Summary)
	}

	result := <-recvDone
	if result.err != nil {
		t.Fatalf("receiver Run: %v", result.err)
	}
	if result.report.Summary != transfer.OK {
		t.Errorf("receiver summary = %v, want OK", result.report.Summary)
	}

	for rel := range files {
		want, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("reading source %q: %v", rel, err)
		}
		got, err := os.ReadFile(filepath.Join(dstDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("reading destination %q: %v", rel, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s: got %d bytes, want %d", rel, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: content mismatch at byte %d", rel, i)
			}
		}
	}
}

// TestResumedTransferAfterInterruptionIsByteIdentical simulates a sender
// that dies partway through a transfer (throttled so an AbortAfter watchdog
// reliably trips mid-stream instead of racing a transfer that finishes
// first), leaving a truncated destination file and a transfer log recording
// exactly what was durably persisted. It then starts a second, independent
// sender/receiver pair against the same directories with resumption and
// checksums enabled and checks the destination ends up byte-identical to
// the source — spec.md §8 scenario 4 (kill mid-transfer, restart with the
// same recovery id, resulting file byte-identical).
func TestResumedTransferAfterInterruptionIsByteIdentical(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	const relPath = "resumed.bin"
	content := make([]byte, 320*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, relPath), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	firstPort := freePorts(t, 1)
	rv1 := receiver.New(receiver.Config{
		Request: transfer.TransferRequest{
			StartPort: firstPort,
			NumPorts:  1,
			Directory: dstDir,
		},
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		EnableDownloadResumption: true,
		EnableChecksum:           true,
		Abort:                    abortctl.New(),
	})
	ctx1, cancel1 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel1()
	if err := rv1.Init(ctx1); err != nil {
		t.Fatalf("receiver1 Init: %v", err)
	}
	url1 := rv1.ConnectionURL()
	recv1Done := make(chan struct{})
	go func() {
		defer close(recv1Done)
		rv1.Run(ctx1)
	}()

	// Throttled to about one block per second, with a watchdog set to trip
	// well before the full file could have been sent at that rate — the
	// sender's own simulated-crash mechanism (AbortAfter), not a context
	// deadline racing the transfer.
	sendCtx, cancelSend := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSend()
	throttler := throttle.New(32*1024, 0)
	sendAbort := abortctl.New()
	sendAbort.AbortAfter(150*time.Millisecond, "simulated crash")
	defer sendAbort.Close()
	s1 := sender.New(sender.Config{
		Request: transfer.TransferRequest{
			ConnectionURL: url1,
			Directory:     srcDir,
		},
		NumWorkers:               1,
		BlockSize:                32 * 1024,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		DialTimeout:              5 * time.Second,
		EnableDownloadResumption: true,
		EnableChecksum:           true,
		Throttler:                throttler,
		Abort:                    sendAbort,
	})
	if err := s1.Init(sendCtx); err != nil {
		t.Fatalf("sender1 Init: %v", err)
	}
	s1.Transfer(sendCtx) // expected to end early once the watchdog trips

	rv1.Close()
	<-recv1Done

	partial, err := os.ReadFile(filepath.Join(dstDir, relPath))
	if err != nil {
		t.Fatalf("reading partial destination: %v", err)
	}
	if len(partial) >= len(content) {
		t.Fatalf("partial transfer wrote the whole file (%d bytes); throttle/timeout didn't interrupt it", len(partial))
	}

	secondPort := freePorts(t, 1)
	rv2 := receiver.New(receiver.Config{
		Request: transfer.TransferRequest{
			StartPort: secondPort,
			NumPorts:  1,
			Directory: dstDir,
		},
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		EnableDownloadResumption: true,
		EnableChecksum:           true,
		Abort:                    abortctl.New(),
	})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()
	if err := rv2.Init(ctx2); err != nil {
		t.Fatalf("receiver2 Init: %v", err)
	}
	defer rv2.Close()
	url2 := rv2.ConnectionURL()
	recv2Done := make(chan struct {
		report transfer.TransferReport
		err    error
	}, 1)
	go func() {
		report, err := rv2.Run(ctx2)
		recv2Done <- struct {
			report transfer.TransferReport
			err    error
		}{report, err}
	}()

	s2 := sender.New(sender.Config{
		Request: transfer.TransferRequest{
			ConnectionURL: url2,
			Directory:     srcDir,
		},
		NumWorkers:               1,
		BlockSize:                32 * 1024,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		DialTimeout:              5 * time.Second,
		EnableDownloadResumption: true,
		EnableChecksum:           true,
		Abort:                    abortctl.New(),
	})
	if err := s2.Init(ctx2); err != nil {
		t.Fatalf("sender2 Init: %v", err)
	}
	sendReport, err := s2.Transfer(ctx2)
	if err != nil {
		t.Fatalf("sender2 Transfer: %v", err)
	}
	if sendReport.Summary != transfer.OK {
		t.Errorf("sender2 summary = %v, want OK", sendReport.Summary)
	}

	result := <-recv2Done
	if result.err != nil {
		t.Fatalf("receiver2 Run: %v", result.err)
	}
	if result.report.Summary != transfer.OK {
		t.Errorf("receiver2 summary = %v, want OK", result.report.Summary)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, relPath))
	if err != nil {
		t.Fatalf("reading final destination: %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("got %d bytes, want %d", len(got), len(content))
	}
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
}
