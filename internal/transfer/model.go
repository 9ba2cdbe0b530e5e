// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ManifestEntry is one pre-enumerated file as supplied by the front-end
// (either from a --manifest file or the receiver's discovery reply), prior to
// being split into blocks by the directory source queue.
type ManifestEntry struct {
	RelPath string
	Size    int64 // -1 when unknown (must be statted)
}

// FileMetadata describes one source file. Seq is assigned by the source
// queue on first emission and is globally unique and monotonic within one
// transfer.
type FileMetadata struct {
	RelPath string
	Size    int64
	Mode    fs.FileMode
	Seq     uint64
}

// ByteSource is a bounded byte range of one file — the unit of transfer and
// of ACK granularity. A zero-length block denotes an empty file.
type ByteSource struct {
	File   FileMetadata
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the block.
func (b ByteSource) End() int64 { return b.Offset + b.Length }

// InFlightRecord is a ByteSource plus the worker-local send position,
// recorded by ThreadTransferHistory until acked.
type InFlightRecord struct {
	Source    ByteSource
	WorkerSeq uint64
	SentAt    time.Time
}

// FileError retains a per-file failure for TransferReport.PerFileErrors.
type FileError struct {
	RelPath string
	Code    ErrorCode
	Err     error
}

// TransferStats aggregates header/data/effective bytes and failure counts.
// The same struct is used per-source, per-thread (worker), and per-transfer;
// per-transfer stats are the sum of all worker stats at transfer end.
type TransferStats struct {
	HeaderBytesSent     int64
	DataBytesSent       int64
	EffectiveDataBytes  int64 // post-ack bytes
	FailedAttempts      int64
	RetransmittedBytes  int64
}

// Add accumulates other into s (used to fold worker stats bottom-up).
func (s *TransferStats) Add(other TransferStats) {
	s.HeaderBytesSent += other.HeaderBytesSent
	s.DataBytesSent += other.DataBytesSent
	s.EffectiveDataBytes += other.EffectiveDataBytes
	s.FailedAttempts += other.FailedAttempts
	s.RetransmittedBytes += other.RetransmittedBytes
}

// TransferReport is returned to the front-end at the end of transfer().
type TransferReport struct {
	Stats         TransferStats
	PerFileErrors []FileError
	Summary       ErrorCode
}

// AddWorkerResult folds one worker's stats and error code into the report.
func (r *TransferReport) AddWorkerResult(stats TransferStats, code ErrorCode) {
	r.Stats.Add(stats)
	r.Summary = Combine(r.Summary, code)
}

// Abortable is the single-method capability for anything that can be
// cooperatively aborted — implemented by *abortctl.Checker and embedded by
// Sender/Receiver so callers need only depend on the interface.
type Abortable interface {
	Aborted() bool
}

// Reporter is the single-method capability for anything that can produce a
// TransferReport once transfer() completes.
type Reporter interface {
	Report() TransferReport
}

// TransferRequest configures one transfer. Destination empty means this side
// is a Receiver. Created by the front-end, consumed once by Sender/Receiver
// Init(), which fills in negotiated ports/ID; immutable thereafter.
type TransferRequest struct {
	Destination            string // empty => receiver
	StartPort              int
	NumPorts               int
	Directory              string
	TransferID             string
	ProtocolVersion        byte // 0 => use default
	FileList               []ManifestEntry
	TreatFewerPortsAsError bool

	// ConnectionURL is the sender's input used to reach the receiver
	// (mutually exclusive with Destination/StartPort/NumPorts being set
	// directly); Init() parses it into those fields. The receiver leaves it
	// empty: its emitted token comes from Receiver.ConnectionURL.
	ConnectionURL string

	initialized bool
}

// IsReceiver reports whether this request configures a receiver.
func (r *TransferRequest) IsReceiver() bool { return r.Destination == "" }

// Init validates the request and, if ConnectionURL was supplied instead of
// discrete fields, parses it to fill Destination/StartPort/NumPorts/TransferID.
// Safe to call once; subsequent calls are no-ops.
func (r *TransferRequest) Init() error {
	if r.initialized {
		return nil
	}
	if r.ConnectionURL != "" && r.Destination == "" {
		// sender case: parse the receiver-emitted URL
		parsed, err := ParseConnectionURL(r.ConnectionURL)
		if err != nil {
			return fmt.Errorf("parsing connection url: %w", err)
		}
		r.Destination = parsed.Host
		r.StartPort = parsed.Ports[0]
		r.NumPorts = len(parsed.Ports)
		r.TransferID = parsed.TransferID
		if parsed.ProtocolVersion != 0 {
			r.ProtocolVersion = parsed.ProtocolVersion
		}
	}
	if r.NumPorts <= 0 {
		return fmt.Errorf("num_ports must be positive, got %d", r.NumPorts)
	}
	if r.Directory == "" {
		return fmt.Errorf("directory is required")
	}
	r.initialized = true
	return nil
}

// ConnectionInfo is the parsed form of a wdt:// connection URL.
type ConnectionInfo struct {
	Host            string
	Ports           []int
	TransferID      string
	ProtocolVersion byte
}

// BuildConnectionURL serialises host/ports/id/version into the token the
// sender uses to reach the receiver: wdt://<host>?ports=p1,p2,...&id=<id>&num_ports=<n>&protocol_version=<v>
func BuildConnectionURL(info ConnectionInfo) string {
	portStrs := make([]string, len(info.Ports))
	for i, p := range info.Ports {
		portStrs[i] = strconv.Itoa(p)
	}
	v := url.Values{}
	v.Set("ports", strings.Join(portStrs, ","))
	v.Set("id", info.TransferID)
	v.Set("num_ports", strconv.Itoa(len(info.Ports)))
	if info.ProtocolVersion != 0 {
		v.Set("protocol_version", strconv.Itoa(int(info.ProtocolVersion)))
	}
	return fmt.Sprintf("wdt://%s?%s", info.Host, v.Encode())
}

// ParseConnectionURL parses a wdt:// token emitted by a receiver.
func ParseConnectionURL(raw string) (ConnectionInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("invalid connection url: %w", err)
	}
	if u.Scheme != "wdt" {
		return ConnectionInfo{}, fmt.Errorf("unexpected scheme %q, want \"wdt\"", u.Scheme)
	}
	q := u.Query()
	portsRaw := q.Get("ports")
	if portsRaw == "" {
		return ConnectionInfo{}, fmt.Errorf("connection url missing ports")
	}
	var ports []int
	for _, p := range strings.Split(portsRaw, ",") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ConnectionInfo{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	info := ConnectionInfo{
		Host:       u.Host,
		Ports:      ports,
		TransferID: q.Get("id"),
	}
	if v := q.Get("protocol_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ConnectionInfo{}, fmt.Errorf("invalid protocol_version %q: %w", v, err)
		}
		info.ProtocolVersion = byte(n)
	}
	return info, nil
}
