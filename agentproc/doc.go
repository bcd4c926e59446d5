// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentproc supervises the GPG agent and its bridge process.
//
// The [Supervisor] owns the stop and restart sequences: kill the
// bridge, ask gpgconf to shut the agent down (force-killing when it
// refuses), wait for sockets to settle, then bring the agent back
// with a liveness handshake before the bridge restarts. Operations
// run on a background worker and are polled, never awaited — the
// Supervisor implements the touch watcher's controller contract.
package agentproc
