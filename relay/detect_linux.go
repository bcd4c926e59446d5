// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package relay

import "golang.org/x/sys/unix"

// kernelRelease returns the running kernel's release string via
// uname(2).
func kernelRelease() (string, error) {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(name.Release[:]), nil
}
