// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implements the receiver runtime: init() binds N
// consecutive ports (falling back to fewer when some are taken), emits a
// wdt:// connection URL, then one goroutine per bound port accepts exactly
// one inbound connection, negotiates SETTINGS, and parses frames into the
// destination directory via the file creator and transfer log.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/abortctl"
	"github.com/nishisan-dev/wdt-go/internal/diskstat"
	"github.com/nishisan-dev/wdt-go/internal/filestore"
	"github.com/nishisan-dev/wdt-go/internal/netutil"
	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/throttle"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
	"github.com/nishisan-dev/wdt-go/internal/translog"
)

// Config configures one Receiver instance, built by the front-end from its
// flags/config file.
type Config struct {
	Request transfer.TransferRequest

	BlockSize    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	EnableChecksum           bool
	EnableDownloadResumption bool
	Preallocate              bool
	DirectIO                 bool
	SyncOnClose              bool
	DSCPValue                int
	RunAsDaemon              bool

	MinFreeBytes uint64
	MaxUsedPct   float64

	Throttler *throttle.Throttler
	Abort     *abortctl.Checker
	Logger    *slog.Logger
}

// Receiver owns the bound listeners, destination file creator, and transfer
// log for one transfer (or, in daemon mode, a sequence of transfers).
type Receiver struct {
	cfg    Config
	logger *slog.Logger
	abort  *abortctl.Checker

	listeners  []net.Listener
	ports      []int
	transferID string

	disk *diskstat.Monitor

	mu     sync.Mutex
	report transfer.TransferReport

	sizeMu        sync.Mutex
	expectedSizes map[string]int64 // relPath -> most recently seen FileChunkHeader.FileSize, shared across worker connections
}

// New constructs a Receiver. Call Init before Run.
func New(cfg Config) *Receiver {
	if cfg.Abort == nil {
		cfg.Abort = abortctl.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{cfg: cfg, logger: cfg.Logger, abort: cfg.Abort}
}

// Aborted implements transfer.Abortable.
func (rv *Receiver) Aborted() bool { return rv.abort.Aborted() }

// Report implements transfer.Reporter. Only meaningful after Run returns.
func (rv *Receiver) Report() transfer.TransferReport {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.report
}

// Init validates the request, binds as many of the requested ports as it
// can starting at StartPort, and starts the disk-space monitor.
func (rv *Receiver) Init(ctx context.Context) error {
	req := &rv.cfg.Request
	if err := req.Init(); err != nil {
		return fmt.Errorf("validating transfer request: %w", err)
	}

	rv.transferID = req.TransferID
	if rv.transferID == "" {
		rv.transferID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	if err := os.MkdirAll(req.Directory, 0o755); err != nil {
		return fmt.Errorf("creating destination directory %q: %w", req.Directory, err)
	}

	if err := rv.bindPorts(req); err != nil {
		return err
	}

	rv.disk = diskstat.NewMonitor(req.Directory, 15*time.Second, rv.logger)
	rv.disk.Start()

	return nil
}

// bindPorts listens on req.NumPorts consecutive ports starting at
// req.StartPort, tolerating individual bind failures unless
// TreatFewerPortsAsError demands the full count.
func (rv *Receiver) bindPorts(req *transfer.TransferRequest) error {
	var listeners []net.Listener
	var ports []int
	for i := 0; i < req.NumPorts; i++ {
		port := req.StartPort + i
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			rv.logger.Warn("failed to bind receiver port", "port", port, "error", err)
			continue
		}
		listeners = append(listeners, ln)
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return transfer.NewCodedError(transfer.ErrFewerPorts, fmt.Errorf("could not bind any of %d requested ports starting at %d", req.NumPorts, req.StartPort))
	}
	if len(ports) < req.NumPorts && req.TreatFewerPortsAsError {
		for _, ln := range listeners {
			ln.Close()
		}
		return transfer.NewCodedError(transfer.ErrFewerPorts, fmt.Errorf("wanted %d ports, only bound %d", req.NumPorts, len(ports)))
	}
	rv.listeners = listeners
	rv.ports = ports
	return nil
}

// TransferID returns the id assigned to the current transfer, valid only
// after Init succeeds.
func (rv *Receiver) TransferID() string { return rv.transferID }

// ConnectionURL returns the wdt:// token the sender needs to reach this
// receiver, valid only after Init succeeds.
func (rv *Receiver) ConnectionURL() string {
	return transfer.BuildConnectionURL(transfer.ConnectionInfo{
		Host:            localHostname(),
		Ports:           rv.ports,
		TransferID:      rv.transferID,
		ProtocolVersion: rv.cfg.Request.ProtocolVersion,
	})
}

// Run accepts exactly one connection per bound port, processes every
// frame on it via one goroutine per port, and returns the folded
// TransferReport once every port's connection has finished (or the
// transfer is aborted). When RunAsDaemon is set, Run instead loops forever,
// resetting the per-transfer state and re-accepting after each completed
// transfer, until the abort checker fires.
func (rv *Receiver) Run(ctx context.Context) (transfer.TransferReport, error) {
	defer func() {
		if rv.disk != nil {
			rv.disk.Stop()
		}
	}()

	for {
		if err := rv.runOnce(ctx); err != nil {
			return rv.Report(), err
		}
		if !rv.cfg.RunAsDaemon || rv.abort.Aborted() {
			return rv.Report(), nil
		}
		rv.resetForNextTransfer()
	}
}

func (rv *Receiver) runOnce(ctx context.Context) error {
	blockSize := rv.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 8 << 20
	}

	if rv.disk != nil && rv.disk.Low(rv.cfg.MinFreeBytes, rv.cfg.MaxUsedPct) {
		s := rv.disk.Stats()
		rv.logger.Warn("destination filesystem low on space", "free_bytes", s.FreeBytes, "used_pct", s.UsedPct)
	}

	logPath := filepath.Join(rv.cfg.Request.Directory, ".wdt-transfer-log")
	var reconciled translog.Reconciliation
	var haveReconciled bool
	if rv.cfg.EnableDownloadResumption {
		if r, err := translog.Reconcile(logPath); err == nil {
			reconciled, haveReconciled = r, true
		}
	}

	tlog, err := translog.Create(logPath, translog.Header{SenderID: "", BlockSize: uint64(blockSize)})
	if err != nil {
		return fmt.Errorf("creating transfer log: %w", err)
	}
	defer tlog.Close()

	var owned map[string][]protocol.ByteRange
	if haveReconciled {
		owned = rv.reconcileAgainstDisk(reconciled, tlog)
	}

	rv.sizeMu.Lock()
	rv.expectedSizes = make(map[string]int64)
	rv.sizeMu.Unlock()

	creator, err := filestore.New(rv.cfg.Request.Directory, filestore.Options{
		Preallocate: rv.cfg.Preallocate,
		DirectIO:    rv.cfg.DirectIO,
		SyncOnClose: rv.cfg.SyncOnClose,
	})
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}

	var wg sync.WaitGroup
	for i, ln := range rv.listeners {
		wg.Add(1)
		go rv.acceptAndServe(ctx, i, ln, creator, tlog, owned, &wg)
	}
	wg.Wait()
	return nil
}

// reconcileAgainstDisk stats every file the log mentions and drops its
// owned ranges if the on-disk size or mtime disagrees — spec.md §4.7's
// stat-based invalidation on mismatch. Every invalidation decision is
// persisted to tlog (the freshly-created log for this transfer) before the
// ranges are dropped, so a crash immediately afterward doesn't re-offer
// ranges the receiver already decided not to trust.
func (rv *Receiver) reconcileAgainstDisk(r translog.Reconciliation, tlog *translog.Manager) map[string][]protocol.ByteRange {
	owned := make(map[string][]protocol.ByteRange, len(r.Files))
	for relPath, st := range r.Files {
		if st.Invalidated {
			continue
		}
		full := filepath.Join(rv.cfg.Request.Directory, filepath.FromSlash(relPath))
		info, err := os.Stat(full)
		if err != nil {
			rv.logger.Warn("resumption: file missing, invalidating", "path", relPath, "error", err)
			rv.invalidate(tlog, relPath)
			continue
		}
		if st.ExpectedSize > 0 && info.Size() != st.ExpectedSize {
			rv.logger.Warn("resumption: size mismatch, invalidating", "path", relPath, "want", st.ExpectedSize, "got", info.Size())
			rv.invalidate(tlog, relPath)
			continue
		}
		if info.ModTime().UnixNano() != st.LastModTimeNs {
			rv.logger.Warn("resumption: mtime mismatch, invalidating", "path", relPath)
			rv.invalidate(tlog, relPath)
			continue
		}
		owned[relPath] = st.Owned
	}
	return owned
}

// invalidate persists a FileInvalidated entry, logging but not failing the
// reconciliation on a write error — the in-memory decision (the range being
// dropped from owned) still holds for this session even if it couldn't be
// made durable.
func (rv *Receiver) invalidate(tlog *translog.Manager, relPath string) {
	if err := tlog.AppendFileInvalidated(translog.FileInvalidated{RelPath: relPath}); err != nil {
		rv.logger.Warn("recording invalidation", "path", relPath, "error", err)
	}
}

// resetForNextTransfer clears per-transfer bookkeeping between daemon-mode
// iterations. Listeners stay bound; only the report and transfer id reset.
func (rv *Receiver) resetForNextTransfer() {
	rv.mu.Lock()
	rv.report = transfer.TransferReport{}
	rv.mu.Unlock()
	rv.transferID = strconv.FormatInt(time.Now().UnixNano(), 36)
}

func (rv *Receiver) foldWorkerResult(stats transfer.TransferStats, code transfer.ErrorCode, fileErrs []transfer.FileError) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.report.AddWorkerResult(stats, code)
	rv.report.PerFileErrors = append(rv.report.PerFileErrors, fileErrs...)
}

// Close releases every bound listener. Call once the receiver (daemon or
// not) is fully done.
func (rv *Receiver) Close() error {
	var firstErr error
	for _, ln := range rv.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// applyAccept sets up one accepted connection's socket options before
// handing it to the parse loop.
func applyAccept(conn net.Conn, dscp int, logger *slog.Logger) {
	if err := netutil.ApplyDSCP(conn, dscp); err != nil {
		logger.Warn("applying DSCP", "error", err)
	}
}
