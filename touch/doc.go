// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package touch implements the hardware-key watcher: a polling state
// machine that probes the local GPG agent's card status on a fixed
// interval and classifies what it sees.
//
// A card-status command that hangs past the hang timeout means the
// hardware is waiting for a human touch — the probe is killed and the
// user notified. A recognized "no device" failure means the key is
// unplugged. Any other failure drives an automatic agent restart
// through an [AgentController], with a bounded retry budget so a
// genuinely broken environment surfaces "manual restart required"
// instead of looping forever.
//
// The [Machine] runs on a single-goroutine event loop: a clock ticker
// drives non-blocking ticks, user commands (stop, resume, restart,
// exit) are queued and drained at the start of each tick, and at most
// one state transition fires per tick. Probe execution and agent
// restarts never block the loop — probes are polled child processes,
// restarts run on the controller's background worker.
package touch
