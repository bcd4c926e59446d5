// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
)

// MaxManifestSize bounds checksum manifest reads: 1 MB. A release
// checksum file is a handful of lines; the limit only exists so a
// misbehaving server cannot exhaust memory.
const MaxManifestSize int64 = 1 << 20

// ReadBounded reads from r up to limit bytes. Use instead of
// io.ReadAll when reading HTTP response bodies whose size the server
// controls.
func ReadBounded(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
