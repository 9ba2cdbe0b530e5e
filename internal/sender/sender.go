// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implements the sender runtime: init() negotiates with the
// receiver over a probe connection, then N worker goroutines each own one
// TCP connection to a negotiated port, draining the shared directory source
// queue and framing bytes onto the wire.
package sender

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/abortctl"
	"github.com/nishisan-dev/wdt-go/internal/blockio"
	"github.com/nishisan-dev/wdt-go/internal/netutil"
	"github.com/nishisan-dev/wdt-go/internal/protocol"
	"github.com/nishisan-dev/wdt-go/internal/queue"
	"github.com/nishisan-dev/wdt-go/internal/throttle"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// Config configures one Sender instance, built by the front-end from its
// flags/config file and the negotiated TransferRequest.
type Config struct {
	Request transfer.TransferRequest

	NumWorkers   int
	BlockSize    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	EnableChecksum           bool
	EnableDownloadResumption bool
	Excludes                 []string
	DirectIO                 bool
	DSCPValue                int

	Throttler *throttle.Throttler
	Abort     *abortctl.Checker
	Logger    *slog.Logger
}

// Sender owns one transfer's source queue and the worker pool draining it.
type Sender struct {
	cfg    Config
	logger *slog.Logger
	abort  *abortctl.Checker
	queue  *queue.Queue
	reader *blockio.FileByteSource

	ports    []int
	senderID string

	mu     sync.Mutex
	report transfer.TransferReport
}

// New constructs a Sender. Call Init before Transfer.
func New(cfg Config) *Sender {
	if cfg.Abort == nil {
		cfg.Abort = abortctl.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return &Sender{
		cfg:    cfg,
		logger: cfg.Logger,
		abort:  cfg.Abort,
		reader: blockio.New(blockio.Options{DirectIO: cfg.DirectIO}),
	}
}

// Aborted implements transfer.Abortable.
func (s *Sender) Aborted() bool { return s.abort.Aborted() }

// TransferID returns the id assigned to (or negotiated for) the current
// transfer, valid only after Init succeeds.
func (s *Sender) TransferID() string { return s.senderID }

// QueueTotals reports the total bytes and file count enumerated into the
// source queue, valid only after Init succeeds. Used to size a progress
// bar's denominator.
func (s *Sender) QueueTotals() (totalBytes, totalFiles int64) {
	return s.queue.TotalBytes(), s.queue.TotalFiles()
}

// Report implements transfer.Reporter. Only meaningful after Transfer
// returns.
func (s *Sender) Report() transfer.TransferReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Init validates the request, probes the receiver's first port, negotiates
// SETTINGS, optionally ingests FILE_CHUNKS_INFO, test-dials the remaining
// negotiated ports, and builds the source queue.
func (s *Sender) Init(ctx context.Context) error {
	req := &s.cfg.Request
	if err := req.Init(); err != nil {
		return fmt.Errorf("validating transfer request: %w", err)
	}

	dialTimeout := s.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	probeConn, err := dialPort(ctx, req.Destination, req.StartPort, dialTimeout)
	if err != nil {
		return fmt.Errorf("probing receiver at %s:%d: %w", req.Destination, req.StartPort, err)
	}
	if err := netutil.ApplyDSCP(probeConn, s.cfg.DSCPValue); err != nil {
		s.logger.Warn("applying DSCP to probe connection", "error", err)
	}

	s.senderID = req.TransferID
	if s.senderID == "" {
		s.senderID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	owned, err := s.negotiate(probeConn, req)
	probeConn.Close()
	if err != nil {
		return err
	}

	reachable := []int{req.StartPort}
	for i := 1; i < req.NumPorts; i++ {
		port := req.StartPort + i
		c, err := dialPort(ctx, req.Destination, port, dialTimeout)
		if err != nil {
			s.logger.Warn("receiver port unreachable", "port", port, "error", err)
			continue
		}
		c.Close()
		reachable = append(reachable, port)
	}
	if len(reachable) < req.NumPorts && req.TreatFewerPortsAsError {
		return transfer.NewCodedError(transfer.ErrFewerPorts, fmt.Errorf("wanted %d ports, only %d reachable", req.NumPorts, len(reachable)))
	}
	s.ports = reachable

	blockSize := s.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = queue.DefaultBlockSize
	}
	s.queue = queue.New(blockSize, s.cfg.Excludes)

	if len(req.FileList) > 0 {
		if err := s.queue.EnumerateManifest(req.Directory, req.FileList); err != nil {
			return fmt.Errorf("enumerating manifest: %w", err)
		}
	} else {
		if err := s.queue.Enumerate(ctx, req.Directory); err != nil {
			return fmt.Errorf("enumerating directory %q: %w", req.Directory, err)
		}
	}
	s.queue.Close()

	if owned != nil {
		s.queue.FilterOwned(owned)
	}
	return nil
}

// negotiate exchanges SETTINGS on conn and, when resumption is requested and
// confirmed, reads the receiver's FILE_CHUNKS_INFO reply.
func (s *Sender) negotiate(conn net.Conn, req *transfer.TransferRequest) (map[string][]protocol.ByteRange, error) {
	version := req.ProtocolVersion
	if version == 0 {
		version = protocol.ProtocolVersion
	}
	blockSize := s.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = queue.DefaultBlockSize
	}
	out := protocol.Settings{
		Version:                  version,
		SenderID:                 s.senderID,
		ReadTimeoutMs:            uint64(s.cfg.ReadTimeout.Milliseconds()),
		WriteTimeoutMs:           uint64(s.cfg.WriteTimeout.Milliseconds()),
		TransferID:               req.TransferID,
		EnableChecksum:           s.cfg.EnableChecksum,
		EnableDownloadResumption: s.cfg.EnableDownloadResumption,
		BlockSize:                uint64(blockSize),
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteSettings(conn, out); err != nil {
		return nil, fmt.Errorf("writing settings: %w", err)
	}

	bufR := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	op, err := protocol.ReadOpcode(bufR)
	if err != nil {
		return nil, fmt.Errorf("reading settings reply opcode: %w", err)
	}
	if op != protocol.OpSettings {
		return nil, transfer.NewCodedError(transfer.ErrProtocol, fmt.Errorf("expected SETTINGS reply, got opcode 0x%02x", op))
	}
	in, err := protocol.ReadSettings(bufR)
	if err != nil {
		return nil, fmt.Errorf("reading settings reply: %w", err)
	}
	if in.Version != version {
		return nil, transfer.NewCodedError(transfer.ErrVersionMismatch, fmt.Errorf("receiver negotiated version %d, sender wanted %d", in.Version, version))
	}

	if !s.cfg.EnableDownloadResumption || !in.EnableDownloadResumption {
		return nil, nil
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	op, err = protocol.ReadOpcode(bufR)
	if err != nil {
		return nil, fmt.Errorf("reading file chunks info opcode: %w", err)
	}
	if op != protocol.OpFileChunksInfo {
		return nil, transfer.NewCodedError(transfer.ErrProtocol, fmt.Errorf("expected FILE_CHUNKS_INFO, got opcode 0x%02x", op))
	}
	info, err := protocol.ReadFileChunksInfo(bufR)
	if err != nil {
		return nil, fmt.Errorf("reading file chunks info: %w", err)
	}
	owned := make(map[string][]protocol.ByteRange, len(info.Files))
	for _, f := range info.Files {
		owned[f.RelPath] = f.Owned
	}
	return owned, nil
}

// Transfer launches one worker per negotiated port and blocks until the
// source queue is drained (or the transfer is aborted), returning the
// folded TransferReport.
func (s *Sender) Transfer(ctx context.Context) (transfer.TransferReport, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.abort.Context().Done():
			cancel()
		case <-workCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i, port := range s.ports {
		wg.Add(1)
		go s.runWorker(workCtx, i, port, &wg)
	}
	wg.Wait()

	return s.Report(), nil
}

func (s *Sender) foldWorkerResult(stats transfer.TransferStats, code transfer.ErrorCode, fileErrs []transfer.FileError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.AddWorkerResult(stats, code)
	s.report.PerFileErrors = append(s.report.PerFileErrors, fileErrs...)
}

// dialPort dials host:port with a bounded timeout, honoring ctx cancellation.
func dialPort(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return d.DialContext(ctx, "tcp", addr)
}

func absPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}
