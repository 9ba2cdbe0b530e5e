// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nishisan-dev/wdt-go/internal/abortctl"
	"github.com/nishisan-dev/wdt-go/internal/logging"
	"github.com/nishisan-dev/wdt-go/internal/manifest"
	"github.com/nishisan-dev/wdt-go/internal/netutil"
	"github.com/nishisan-dev/wdt-go/internal/progress"
	"github.com/nishisan-dev/wdt-go/internal/receiver"
	"github.com/nishisan-dev/wdt-go/internal/sender"
	"github.com/nishisan-dev/wdt-go/internal/throttle"
	"github.com/nishisan-dev/wdt-go/internal/transfer"
	"github.com/nishisan-dev/wdt-go/internal/translog"
	"github.com/nishisan-dev/wdt-go/internal/wdtconfig"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "receive":
		os.Exit(runReceive(os.Args[2:]))
	case "send":
		os.Exit(runSend(os.Args[2:]))
	case "inspect-log":
		os.Exit(runInspectLog(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wdt receive --directory DIR [flags]")
	fmt.Fprintln(os.Stderr, "       wdt send --directory DIR --url wdt://... [flags]")
	fmt.Fprintln(os.Stderr, "       wdt inspect-log PATH")
}

// runInspectLog is the operator-facing entry point for transfer-log
// parse-and-print mode: reconcile one --transfer-log-dir file on disk and
// render its per-file owned ranges and invalidation/resize state, without
// running a transfer.
func runInspectLog(args []string) int {
	fs := flag.NewFlagSet("inspect-log", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wdt inspect-log PATH")
		return 1
	}

	reconciled, err := translog.Reconcile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading transfer log: %v\n", err)
		return 1
	}
	if err := translog.Print(os.Stdout, reconciled); err != nil {
		fmt.Fprintf(os.Stderr, "error printing transfer log: %v\n", err)
		return 1
	}
	return 0
}

// commonFlags are shared by both subcommands; each variant wires the
// resulting values into its own Config after loading the optional
// wdt.yaml defaults.
type commonFlags struct {
	configPath     *string
	directory      *string
	numWorkers     *int
	blockSize      *string
	readTimeout    *time.Duration
	writeTimeout   *time.Duration
	dialTimeout    *time.Duration
	checksum       *bool
	resumption     *bool
	preallocate    *bool
	directIO       *bool
	dscp           *string
	avgRate        *string
	peakRate       *string
	logLevel       *string
	logFormat      *string
	logFile        *string
	transferLogDir *string
	abortAfter     *time.Duration
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath:     fs.String("config", "", "path to wdt.yaml defaults file"),
		directory:      fs.String("directory", "", "local directory to read from (send) or write into (receive)"),
		numWorkers:     fs.Int("workers", 0, "number of worker connections (send only; the sender opens one per reachable receiver port whatever this is set to)"),
		blockSize:      fs.String("block-size", "", "block size, e.g. 4mb (0/empty => 8mb default)"),
		readTimeout:    fs.Duration("read-timeout", 0, "per-read socket timeout (0 => 30s default)"),
		writeTimeout:   fs.Duration("write-timeout", 0, "per-write socket timeout (0 => 30s default)"),
		dialTimeout:    fs.Duration("dial-timeout", 0, "per-connection dial timeout (send only; 0 => 10s default)"),
		checksum:       fs.Bool("checksum", false, "attach a CRC-32C to each file chunk, verified by the receiver on arrival"),
		resumption:     fs.Bool("resume", false, "enable download resumption via the on-disk transfer log"),
		preallocate:    fs.Bool("preallocate", false, "preallocate destination files (receive only)"),
		directIO:       fs.Bool("direct-io", false, "use O_DIRECT for file I/O where supported"),
		dscp:           fs.String("dscp", "", "DSCP class to mark outgoing/accepted sockets with, e.g. af41"),
		avgRate:        fs.String("avg-rate", "", "sustained aggregate bandwidth cap, e.g. 50mb"),
		peakRate:       fs.String("peak-rate", "", "instantaneous aggregate bandwidth cap, e.g. 80mb"),
		logLevel:       fs.String("log-level", "", "debug|info|warn|error (default info)"),
		logFormat:      fs.String("log-format", "", "json|text (default json)"),
		logFile:        fs.String("log-file", "", "also append logs to this file"),
		transferLogDir: fs.String("transfer-log-dir", "", "directory for per-transfer debug logs (empty => disabled)"),
		abortAfter:     fs.Duration("abort-after", 0, "abort the transfer if still running after this long (0 => disabled)"),
	}
}

// loadDefaults reads the optional wdt.yaml file named by -config and applies
// any value a flag left at its zero value, so CLI flags always win.
func loadDefaults(cf *commonFlags) (wdtconfig.Config, error) {
	if *cf.configPath == "" {
		return wdtconfig.Config{}, nil
	}
	return wdtconfig.Load(*cf.configPath)
}

func runReceive(args []string) int {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	cf := registerCommonFlags(fs)
	startPort := fs.Int("start-port", 0, "first port to bind")
	numPorts := fs.Int("num-ports", 0, "number of consecutive ports to bind")
	treatFewerPortsAsError := fs.Bool("require-all-ports", false, "fail instead of degrading when fewer ports bind than requested")
	daemon := fs.Bool("daemon", false, "keep accepting transfers on the bound ports until interrupted")
	minFreeBytes := fs.Uint64("min-free-bytes", 0, "warn when the destination filesystem has fewer free bytes than this")
	maxUsedPct := fs.Float64("max-used-pct", 0, "warn when the destination filesystem is more full than this percentage")
	fs.Parse(args)

	cfg, err := loadDefaults(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	logger, logCloser := logging.NewLogger(
		firstNonEmpty(*cf.logLevel, cfg.Logging.Level),
		firstNonEmpty(*cf.logFormat, cfg.Logging.Format),
		firstNonEmpty(*cf.logFile, cfg.Logging.File),
	)
	defer logCloser.Close()

	if *cf.directory == "" {
		fmt.Fprintln(os.Stderr, "error: --directory is required")
		return 1
	}
	if *startPort <= 0 {
		*startPort = cfg.Ports.Start
	}
	if *numPorts <= 0 {
		*numPorts = cfg.Ports.NumPorts
	}
	if *numPorts <= 0 {
		*numPorts = 1
	}

	dscpVal, err := netutil.ParseDSCP(firstNonEmpty(*cf.dscp, cfg.Network.DSCP))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	abort := abortctl.New()
	defer abort.Close()
	stopSignals := abort.WatchSignals()
	defer stopSignals()
	applyAbortAfter(abort, cf, cfg)

	rv := receiver.New(receiver.Config{
		Request: transfer.TransferRequest{
			StartPort:              *startPort,
			NumPorts:               *numPorts,
			Directory:              *cf.directory,
			TreatFewerPortsAsError: boolOr(*treatFewerPortsAsError, cfg.Transfer.TreatFewerPortsAsError),
		},
		BlockSize:                blockSizeOf(cf, cfg),
		ReadTimeout:              durationOr(*cf.readTimeout, cfg.Transfer.ReadTimeout),
		WriteTimeout:             durationOr(*cf.writeTimeout, cfg.Transfer.WriteTimeout),
		EnableChecksum:           boolOr(*cf.checksum, cfg.Transfer.EnableChecksum),
		EnableDownloadResumption: boolOr(*cf.resumption, cfg.Transfer.EnableDownloadResumption),
		Preallocate:              boolOr(*cf.preallocate, cfg.Transfer.PreallocateFiles),
		DirectIO:                 boolOr(*cf.directIO, cfg.Transfer.DirectIO),
		DSCPValue:                dscpVal,
		RunAsDaemon:              *daemon,
		MinFreeBytes:             *minFreeBytes,
		MaxUsedPct:               *maxUsedPct,
		Throttler:                throttlerFrom(cf, cfg),
		Abort:                    abort,
		Logger:                   logger,
	})

	ctx := context.Background()
	if err := rv.Init(ctx); err != nil {
		logger.Error("receiver init failed", "error", err)
		return exitCodeOf(err)
	}
	defer rv.Close()

	var tCloser io.Closer
	if *cf.transferLogDir != "" {
		var tLogger *slog.Logger
		var err error
		tLogger, tCloser, _, err = logging.NewTransferLogger(logger, *cf.transferLogDir, "receiver", rv.TransferID())
		if err != nil {
			logger.Warn("could not open per-transfer log", "error", err)
			tCloser = nil
		} else {
			logger = tLogger
		}
	}

	fmt.Println(rv.ConnectionURL())

	report, err := rv.Run(ctx)
	if tCloser != nil {
		tCloser.Close()
		logging.FinalizeTransferLog(*cf.transferLogDir, "receiver", rv.TransferID(), report)
	}
	if err != nil {
		logger.Error("receiver run failed", "error", err)
		return exitCodeOf(err)
	}
	logPerFileErrors(logger, report)
	return report.Summary.ExitCode()
}

func runSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cf := registerCommonFlags(fs)
	url := fs.String("url", "", "wdt:// connection url printed by the receiver")
	manifestPath := fs.String("manifest", "", "tab-separated file list to send instead of walking --directory (use - for stdin)")
	excludes := fs.String("exclude", "", "comma-separated glob patterns to skip while walking --directory")
	showProgress := fs.Bool("progress", false, "show a progress bar on stderr while sending")
	fs.Parse(args)

	cfg, err := loadDefaults(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	logger, logCloser := logging.NewLogger(
		firstNonEmpty(*cf.logLevel, cfg.Logging.Level),
		firstNonEmpty(*cf.logFormat, cfg.Logging.Format),
		firstNonEmpty(*cf.logFile, cfg.Logging.File),
	)
	defer logCloser.Close()

	if *cf.directory == "" {
		fmt.Fprintln(os.Stderr, "error: --directory is required")
		return 1
	}
	if *url == "" {
		fmt.Fprintln(os.Stderr, "error: --url is required")
		return 1
	}

	var fileList []transfer.ManifestEntry
	if *manifestPath != "" {
		fileList, err = manifest.Parse(*manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error parsing manifest: %v\n", err)
			return 1
		}
	}

	dscpVal, err := netutil.ParseDSCP(firstNonEmpty(*cf.dscp, cfg.Network.DSCP))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	abort := abortctl.New()
	defer abort.Close()
	stopSignals := abort.WatchSignals()
	defer stopSignals()
	applyAbortAfter(abort, cf, cfg)

	s := sender.New(sender.Config{
		Request: transfer.TransferRequest{
			ConnectionURL:          *url,
			Directory:              *cf.directory,
			FileList:               fileList,
			TreatFewerPortsAsError: cfg.Transfer.TreatFewerPortsAsError,
		},
		NumWorkers:               intOr(*cf.numWorkers, cfg.Transfer.NumWorkers),
		BlockSize:                blockSizeOf(cf, cfg),
		ReadTimeout:              durationOr(*cf.readTimeout, cfg.Transfer.ReadTimeout),
		WriteTimeout:             durationOr(*cf.writeTimeout, cfg.Transfer.WriteTimeout),
		DialTimeout:              *cf.dialTimeout,
		EnableChecksum:           boolOr(*cf.checksum, cfg.Transfer.EnableChecksum),
		EnableDownloadResumption: boolOr(*cf.resumption, cfg.Transfer.EnableDownloadResumption),
		Excludes:                 splitExcludes(*excludes),
		DirectIO:                 boolOr(*cf.directIO, cfg.Transfer.DirectIO),
		DSCPValue:                dscpVal,
		Throttler:                throttlerFrom(cf, cfg),
		Abort:                    abort,
		Logger:                   logger,
	})

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		logger.Error("sender init failed", "error", err)
		return exitCodeOf(err)
	}

	var tCloser io.Closer
	if *cf.transferLogDir != "" {
		var tLogger *slog.Logger
		var err error
		tLogger, tCloser, _, err = logging.NewTransferLogger(logger, *cf.transferLogDir, "sender", s.TransferID())
		if err != nil {
			logger.Warn("could not open per-transfer log", "error", err)
			tCloser = nil
		} else {
			logger = tLogger
		}
	}

	if *showProgress {
		totalBytes, _ := s.QueueTotals()
		bar := progress.New("send", totalBytes, s)
		defer bar.Stop()
	}

	report, err := s.Transfer(ctx)
	if tCloser != nil {
		tCloser.Close()
		logging.FinalizeTransferLog(*cf.transferLogDir, "sender", s.TransferID(), report)
	}
	if err != nil {
		logger.Error("sender transfer failed", "error", err)
		return exitCodeOf(err)
	}
	logPerFileErrors(logger, report)
	return report.Summary.ExitCode()
}

func throttlerFrom(cf *commonFlags, cfg wdtconfig.Config) *throttle.Throttler {
	avg := sizeOr(*cf.avgRate, cfg.Throttle.AvgRateRaw)
	peak := sizeOr(*cf.peakRate, cfg.Throttle.PeakRateRaw)
	if avg <= 0 && peak <= 0 {
		return nil
	}
	t := throttle.New(avg, peak)
	t.Acquire()
	return t
}

func applyAbortAfter(abort *abortctl.Checker, cf *commonFlags, cfg wdtconfig.Config) {
	if *cf.abortAfter > 0 {
		abort.AbortAfter(*cf.abortAfter, "abort-after deadline reached")
	}
}

func blockSizeOf(cf *commonFlags, cfg wdtconfig.Config) int64 {
	return sizeOr(*cf.blockSize, cfg.Transfer.BlockSizeRaw)
}

func sizeOr(flagVal string, cfgVal int64) int64 {
	if flagVal == "" {
		return cfgVal
	}
	n, err := wdtconfig.ParseByteSize(flagVal)
	if err != nil {
		return cfgVal
	}
	return n
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func boolOr(a, b bool) bool { return a || b }

func intOr(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func durationOr(a, b time.Duration) time.Duration {
	if a > 0 {
		return a
	}
	return b
}

func splitExcludes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func logPerFileErrors(logger *slog.Logger, report transfer.TransferReport) {
	for _, fe := range report.PerFileErrors {
		logger.Warn("per-file error", "path", fe.RelPath, "code", fe.Code, "error", fe.Err)
	}
}

func exitCodeOf(err error) int {
	for e := err; e != nil; {
		if ce, ok := e.(*transfer.CodedError); ok {
			return ce.Code.ExitCode()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return transfer.ErrGeneric.ExitCode()
}
