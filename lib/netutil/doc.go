// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the byte-level plumbing shared by relay
// sessions: a bidirectional connection bridge with transfer counters,
// classification of errors that occur during normal bridge teardown,
// and bounded response-body reads for the helper download path.
package netutil
