// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pathsafe validates the relative paths a sender puts on the wire
// before the receiver ever touches the filesystem with them. A FILE_CHUNK's
// RelPath is attacker-controlled input: nothing stops a hostile or buggy
// sender from framing "../../etc/passwd" as a relative path.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxComponentLength bounds any single path segment, matching common
// filesystem limits (NAME_MAX on Linux is 255 bytes).
const maxComponentLength = 255

// ValidateRelPath rejects a FILE_CHUNK's relative path outright: empty,
// absolute, containing a NUL byte, containing a ".." segment, or with any
// segment exceeding maxComponentLength. It does not touch the filesystem —
// call ResolveWithinRoot afterward for the filesystem-level check.
func ValidateRelPath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("relative path cannot be empty")
	}
	if strings.ContainsRune(relPath, 0) {
		return fmt.Errorf("relative path %q contains a null byte", relPath)
	}
	clean := filepath.ToSlash(relPath)
	if strings.HasPrefix(clean, "/") {
		return fmt.Errorf("relative path %q must not be absolute", relPath)
	}
	for _, seg := range strings.Split(clean, "/") {
		switch seg {
		case "":
			return fmt.Errorf("relative path %q contains an empty segment", relPath)
		case ".", "..":
			return fmt.Errorf("relative path %q contains a traversal segment %q", relPath, seg)
		}
		if len(seg) > maxComponentLength {
			return fmt.Errorf("relative path %q has a segment longer than %d bytes", relPath, maxComponentLength)
		}
	}
	return nil
}

// ResolveWithinRoot joins relPath onto root and, as defense in depth beyond
// ValidateRelPath's segment check, confirms the resolved absolute path still
// falls under root before returning it.
func ResolveWithinRoot(root, relPath string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(relPath))

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %q: %w", root, err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", full, err)
	}
	rel, err := filepath.Rel(absRoot, absFull)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes destination root %q", relPath, root)
	}
	return full, nil
}
