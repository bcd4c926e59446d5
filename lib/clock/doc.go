// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for deterministic tests. The
// touch-detection state machine and the agent process supervisor are
// driven entirely by injected Clock values so their timing behavior
// (hang timeouts, force resets, restart budgets) can be exercised
// without real sleeps.
package clock
