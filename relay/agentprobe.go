// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

// VerifySSHAgent connects to the relayed SSH agent socket and issues
// a request-identities call, confirming a real agent answers on the
// far side of the relay (not merely that the socket accepts). The
// identity list itself is discarded.
//
// This check is advisory — callers log a failure and keep the relay
// running, since the Windows agent may simply be locked or empty.
func VerifySSHAgent(socketPath string, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return fmt.Errorf("dialing agent socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	client := agent.NewClient(conn)
	if _, err := client.List(); err != nil {
		return fmt.Errorf("listing agent identities: %w", err)
	}
	return nil
}
