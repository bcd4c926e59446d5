// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package relay

import "errors"

// kernelRelease is unavailable off Linux; callers fall back to remote
// mode. The relay supervisor is a Linux-side component, but the
// package must compile everywhere the repo is developed.
func kernelRelease() (string, error) {
	return "", errors.ErrUnsupported
}
