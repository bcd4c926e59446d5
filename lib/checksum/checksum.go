// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package checksum

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// HashFile computes the SHA256 digest of the file at path. The file is
// streamed through the hash function in chunks (via io.Copy) to keep
// memory usage constant regardless of file size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// FormatDigest returns the hex-encoded string representation of a
// SHA256 digest. This is the format used in checksum manifests and
// log output.
func FormatDigest(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a hex-encoded SHA256 digest string into a
// 32-byte array. Returns an error if the string is not a valid
// 64-character hex encoding of 32 bytes.
func ParseDigest(hexString string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("hash digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Entry is one line of a checksum manifest: a digest and the filename
// it covers.
type Entry struct {
	Digest   [32]byte
	Filename string
}

// Manifest is a parsed checksum manifest (sha256sum output format).
type Manifest struct {
	entries []Entry
}

// ParseManifest parses the sha256sum output format: one
// "<sha256-hex>  <filename>" entry per line, fields separated by
// whitespace. Blank lines are skipped; any other malformed line is an
// error — a manifest that cannot be parsed completely must not be
// trusted partially.
func ParseManifest(r io.Reader) (*Manifest, error) {
	manifest := &Manifest{}
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("manifest line %d: want \"<digest>  <filename>\", got %q", lineNumber, line)
		}
		digest, err := ParseDigest(fields[0])
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNumber, err)
		}
		// sha256sum marks binary-mode entries with a leading '*'.
		filename := strings.TrimPrefix(fields[1], "*")
		if filename == "" {
			return nil, fmt.Errorf("manifest line %d: empty filename", lineNumber)
		}
		manifest.entries = append(manifest.entries, Entry{Digest: digest, Filename: filename})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if len(manifest.entries) == 0 {
		return nil, fmt.Errorf("manifest contains no entries")
	}
	return manifest, nil
}

// DigestFor returns the digest of the manifest entry whose filename
// ends with name. Release manifests list artifacts with path prefixes
// that vary by packaging, so matching is by suffix. Returns false when
// no entry matches.
func (m *Manifest) DigestFor(name string) ([32]byte, bool) {
	for _, entry := range m.entries {
		if strings.HasSuffix(entry.Filename, name) {
			return entry.Digest, true
		}
	}
	return [32]byte{}, false
}

// VerifyFile hashes the file at path and compares it against the
// manifest entry matching name. Any failure — no matching entry,
// unreadable file, digest mismatch — is an error. Callers treat a
// mismatch as fatal: an artifact that fails verification must never
// be installed.
func VerifyFile(path string, manifest *Manifest, name string) error {
	want, ok := manifest.DigestFor(name)
	if !ok {
		return fmt.Errorf("manifest has no entry matching %q", name)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s",
			name, FormatDigest(got), FormatDigest(want))
	}
	return nil
}
