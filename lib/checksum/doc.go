// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package checksum verifies downloaded helper binaries against a
// published SHA-256 manifest (sha256sum output format). Verification
// failure is fatal to helper provisioning: an unverified binary is
// never installed.
package checksum
