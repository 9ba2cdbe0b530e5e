// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package manifest parses the pre-enumerated file list a sender may be given
// instead of walking its directory itself.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nishisan-dev/wdt-go/internal/transfer"
)

// Stdin is the conventional path value meaning "read the manifest from
// standard input" instead of a file.
const Stdin = "-"

// Parse reads a tab-separated manifest: one file per line, `<relative_path>`
// optionally followed by `\t<size>`. Empty lines are rejected. path may be
// Stdin.
func Parse(path string) ([]transfer.ManifestEntry, error) {
	var r io.Reader
	if path == Stdin {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening manifest %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	return parseReader(r)
}

func parseReader(r io.Reader) ([]transfer.ManifestEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []transfer.ManifestEntry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			return nil, fmt.Errorf("manifest line %d: empty line not allowed", lineNo)
		}
		fields := strings.SplitN(line, "\t", 2)
		entry := transfer.ManifestEntry{RelPath: fields[0], Size: -1}
		if entry.RelPath == "" {
			return nil, fmt.Errorf("manifest line %d: empty relative path", lineNo)
		}
		if len(fields) == 2 && fields[1] != "" {
			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("manifest line %d: invalid size %q: %w", lineNo, fields[1], err)
			}
			entry.Size = size
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return entries, nil
}
