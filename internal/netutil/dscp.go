// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the WDT License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package netutil holds socket-level helpers shared by the sender and the
// receiver.
package netutil

import (
	"fmt"
	"net"
	"strings"
	"syscall"
)

// dscpValues maps DSCP names (RFC 2474/4594) to their 6-bit code points.
// The value is the DSCP code point, NOT the full TOS byte — setting it on a
// socket requires shifting left by 2 (TOS = DSCP<<2 | ECN).
var dscpValues = map[string]int{
	// Expedited Forwarding — low-latency, real-time traffic.
	"EF": 46,

	// Assured Forwarding — classes 1-4, drop precedence 1-3.
	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	// Class Selector, backward compatible with IP Precedence.
	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// afDropPrecedence decodes an Assured Forwarding code point into its class
// (1-4) and drop precedence (1-3). ok is false for anything that isn't one
// of the twelve AFxy code points (EF, CS*, 0, or an unrecognized value).
func afDropPrecedence(codepoint int) (class, precedence int, ok bool) {
	for name, val := range dscpValues {
		if val != codepoint || len(name) != 4 || name[:2] != "AF" {
			continue
		}
		class = int(name[2] - '0')
		precedence = int(name[3] - '0')
		return class, precedence, true
	}
	return 0, 0, false
}

// ParseDSCP converts a DSCP name (e.g. "AF41", "EF") to its numeric code
// point. Returns 0, nil for an empty string (DSCP disabled).
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil // disabled
	}

	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
	return val, nil
}

// WorkerDSCP derives the code point one worker connection should mark its
// packets with, given the transfer's configured base class and that
// worker's index among the N connections opened for one transfer.
//
// A single WDT transfer fans its blocks out across NumPorts independent TCP
// connections pulled from a shared queue, so a congestion event that hits
// every worker at once (a synchronized AQM drop at the configured class)
// stalls the whole transfer rather than one stream. When the base class is
// an Assured Forwarding class, workers are staggered across that class's
// three drop precedences round-robin by index: worker 0 keeps the
// configured (lowest-drop) precedence, later workers get progressively
// higher drop precedence. Congestion then sheds the higher-index workers'
// blocks first instead of all of them together, so the queue always has at
// least one low-drop-precedence connection still making progress to resume
// the rest from. EF and Class Selector code points have no drop-precedence
// axis to stagger and are returned unchanged, as is 0 (DSCP disabled).
func WorkerDSCP(base, workerIdx int) int {
	if base == 0 || workerIdx <= 0 {
		return base
	}
	class, precedence, ok := afDropPrecedence(base)
	if !ok {
		return base
	}
	staggered := ((precedence - 1 + workerIdx) % 3) + 1
	return dscpValues[fmt.Sprintf("AF%d%d", class, staggered)]
}

// ApplyDSCP sets the TOS (DSCP) field on a TCP connection. dscp is the code
// point (0-63), shifted into place for the TOS byte. A no-op if dscp == 0.
func ApplyDSCP(conn net.Conn, dscp int) error {
	if dscp == 0 {
		return nil
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot apply DSCP: conn is %T, not *net.TCPConn", conn)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for DSCP: %w", err)
	}

	// TOS byte = DSCP (6 bits) << 2 | ECN (2 bits, left as 0).
	tosValue := dscp << 2

	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tosValue)
	}); err != nil {
		return fmt.Errorf("control fd for DSCP: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("setsockopt IP_TOS=%d: %w", tosValue, sysErr)
	}

	return nil
}
