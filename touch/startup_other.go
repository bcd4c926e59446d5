// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package touch

import (
	"errors"
	"fmt"
)

// RegisterStartup is Windows-only: the watcher belongs next to the
// agent it watches, and login-launch registration goes through the
// user's Run key.
func RegisterStartup(commandLine string) error {
	return fmt.Errorf("startup registration: %w", errors.ErrUnsupported)
}

// UnregisterStartup is Windows-only.
func UnregisterStartup() error {
	return fmt.Errorf("startup registration: %w", errors.ErrUnsupported)
}
