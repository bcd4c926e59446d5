// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestBridgeCopiesBothDirections(t *testing.T) {
	clientA, relayA := net.Pipe()
	clientB, relayB := net.Pipe()

	result := make(chan error, 1)
	statsCh := make(chan BridgeStats, 1)
	go func() {
		stats, err := Bridge(relayA, relayB)
		statsCh <- stats
		result <- err
	}()

	// A → B.
	go func() {
		clientA.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(clientB, buf); err != nil {
		t.Fatalf("reading on B: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("B received %q, want %q", buf, "ping")
	}

	// B → A.
	go func() {
		clientB.Write([]byte("pong!"))
	}()
	buf = make([]byte, 5)
	if _, err := io.ReadFull(clientA, buf); err != nil {
		t.Fatalf("reading on A: %v", err)
	}
	if string(buf) != "pong!" {
		t.Errorf("A received %q, want %q", buf, "pong!")
	}

	// Closing one side terminates the bridge without error.
	clientA.Close()
	if err := <-result; err != nil {
		t.Errorf("Bridge returned %v, want nil on normal closure", err)
	}

	stats := <-statsCh
	if stats.AToB != 4 {
		t.Errorf("AToB = %d, want 4", stats.AToB)
	}
	if stats.BToA != 5 {
		t.Errorf("BToA = %d, want 5", stats.BToA)
	}
}

func TestBridgeClosesPeerWhenOneSideCloses(t *testing.T) {
	clientA, relayA := net.Pipe()
	clientB, relayB := net.Pipe()

	done := make(chan struct{})
	go func() {
		Bridge(relayA, relayB)
		close(done)
	}()

	clientB.Close()
	<-done

	// The bridge must have closed relayA, so the client's read
	// unblocks with EOF (or a close error) rather than hanging.
	buf := make([]byte, 1)
	if _, err := clientA.Read(buf); err == nil {
		t.Error("read on surviving side succeeded, want closure")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EOF", io.EOF, true},
		{"closed", net.ErrClosed, true},
		{"EPIPE", syscall.EPIPE, true},
		{"ECONNRESET", syscall.ECONNRESET, true},
		{"wrapped EPIPE", &net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		{"other errno", syscall.EACCES, false},
		{"other error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsExpectedCloseError(tc.err); got != tc.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
