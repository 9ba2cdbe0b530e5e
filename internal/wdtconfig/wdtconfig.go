// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wdtconfig is the ambient configuration layer: an optional YAML
// defaults file for operators who want to pin tunables across runs instead
// of passing every flag. CLI flags always override these defaults.
package wdtconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of operator-pinnable defaults. All fields are
// optional; zero values mean "let the front-end flag default apply".
type Config struct {
	Ports     PortsConfig     `yaml:"ports"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Logging   LoggingConfig   `yaml:"logging"`
	Network   NetworkConfig   `yaml:"network"`
}

// PortsConfig pins the receiver's bind range.
type PortsConfig struct {
	Start    int `yaml:"start"`
	NumPorts int `yaml:"num_ports"`
}

// TransferConfig pins per-transfer tunables.
type TransferConfig struct {
	BlockSize                string        `yaml:"block_size"` // human-readable, e.g. "4mb"
	BlockSizeRaw             int64         `yaml:"-"`
	EnableChecksum           bool          `yaml:"enable_checksum"`
	EnableDownloadResumption bool          `yaml:"enable_download_resumption"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
	NumWorkers               int           `yaml:"num_workers"`
	TreatFewerPortsAsError   bool          `yaml:"treat_fewer_ports_as_error"`
	PreallocateFiles         bool          `yaml:"preallocate_files"`
	DirectIO                 bool          `yaml:"direct_io"`
}

// ThrottleConfig pins the shared throttler's caps.
type ThrottleConfig struct {
	AvgRate    string `yaml:"avg_rate"` // human-readable, e.g. "50mb"
	AvgRateRaw int64  `yaml:"-"`
	PeakRate    string `yaml:"peak_rate"`
	PeakRateRaw int64  `yaml:"-"`
}

// LoggingConfig pins the ambient structured-logging defaults.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// NetworkConfig pins socket-level tunables.
type NetworkConfig struct {
	DSCP string `yaml:"dscp"` // e.g. "ef", "af31", "cs0"
}

// Load reads and validates a wdt.yaml defaults file. A missing file is not
// an error: Load returns a zero-valued Config so the front-end's flag
// defaults apply unchanged.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("validating config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Ports.NumPorts < 0 {
		return fmt.Errorf("ports.num_ports must not be negative, got %d", c.Ports.NumPorts)
	}
	if c.Transfer.NumWorkers < 0 {
		return fmt.Errorf("transfer.num_workers must not be negative, got %d", c.Transfer.NumWorkers)
	}

	if c.Transfer.BlockSize != "" {
		n, err := ParseByteSize(c.Transfer.BlockSize)
		if err != nil {
			return fmt.Errorf("transfer.block_size: %w", err)
		}
		c.Transfer.BlockSizeRaw = n
	}
	if c.Throttle.AvgRate != "" {
		n, err := ParseByteSize(c.Throttle.AvgRate)
		if err != nil {
			return fmt.Errorf("throttle.avg_rate: %w", err)
		}
		c.Throttle.AvgRateRaw = n
	}
	if c.Throttle.PeakRate != "" {
		n, err := ParseByteSize(c.Throttle.PeakRate)
		if err != nil {
			return fmt.Errorf("throttle.peak_rate: %w", err)
		}
		c.Throttle.PeakRateRaw = n
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ParseByteSize converts a human-readable size string ("256mb", "1gb", "512")
// into bytes. Longest-suffix-first so "mb" is never mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
