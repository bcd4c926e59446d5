// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"strings"
)

// Mode classifies the Linux environment the relay runs in.
type Mode int

const (
	// ModeRemote targets TCP loopback addresses populated by SSH
	// RemoteForward. This is the default when detection is ambiguous
	// — the less invasive assumption.
	ModeRemote Mode = iota

	// ModeWSL2 targets Windows named pipes reached through the
	// pipe-relay helper subprocess.
	ModeWSL2
)

func (m Mode) String() string {
	if m == ModeWSL2 {
		return "wsl2"
	}
	return "remote"
}

// DetectMode inspects the kernel release string for a WSL marker and
// classifies the environment. Any failure to read the kernel version
// resolves to remote mode.
func DetectMode(logger *slog.Logger) Mode {
	if logger == nil {
		logger = slog.Default()
	}
	release, err := kernelRelease()
	if err != nil {
		logger.Warn("kernel release unavailable, assuming remote mode", "error", err)
		return ModeRemote
	}
	mode := ModeFromKernelRelease(release)
	logger.Info("environment detected", "kernel_release", release, "mode", mode.String())
	return mode
}

// ModeFromKernelRelease classifies a kernel release string. WSL2
// kernels carry a "microsoft" (older: "Microsoft") or "WSL" marker,
// e.g. "5.15.167.4-microsoft-standard-WSL2".
func ModeFromKernelRelease(release string) Mode {
	lowered := strings.ToLower(release)
	if strings.Contains(lowered, "microsoft") || strings.Contains(lowered, "wsl") {
		return ModeWSL2
	}
	return ModeRemote
}
