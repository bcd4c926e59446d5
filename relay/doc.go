// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay provides the Linux-side agent relay: Unix-domain
// listening sockets that forward SSH-agent and GPG-agent traffic to a
// Windows host.
//
// An [Endpoint] is one forwarding rule — a Unix socket path plus a
// [Target]. Targets come in two forms: [TCPTarget] dials a loopback
// port populated by SSH RemoteForward (remote mode), and [ExecTarget]
// spawns a helper subprocess whose stdin/stdout speak to a Windows
// named pipe (WSL2 mode). Each accepted connection gets an independent
// bidirectional forwarding session; sessions share no state.
//
// The [Supervisor] decides at startup which endpoints to enable. It
// classifies the environment (WSL2 versus remote SSH), probes each
// relay path's availability with bounded timeouts, provisions the
// named-pipe helper when missing (download, SHA-256 verify, install),
// and creates the socket alias GPG tooling expects. Probe failures
// disable individual relay paths; only zero enabled relays is a hard
// failure.
package relay
