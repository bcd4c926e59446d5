// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const (
	startupRunKey    = `Software\Microsoft\Windows\CurrentVersion\Run`
	startupValueName = "KeybridgeTouch"
)

// RegisterStartup records commandLine under the current user's Run
// key so the watcher launches at login. Idempotent: an existing entry
// is overwritten.
func RegisterStartup(commandLine string) error {
	key, _, err := registry.CreateKey(registry.CURRENT_USER, startupRunKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("opening Run key: %w", err)
	}
	defer key.Close()

	if err := key.SetStringValue(startupValueName, commandLine); err != nil {
		return fmt.Errorf("writing startup entry: %w", err)
	}
	return nil
}

// UnregisterStartup removes the login-launch entry. Removing an entry
// that does not exist is not an error.
func UnregisterStartup() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, startupRunKey, registry.SET_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return nil
		}
		return fmt.Errorf("opening Run key: %w", err)
	}
	defer key.Close()

	if err := key.DeleteValue(startupValueName); err != nil && err != registry.ErrNotExist {
		return fmt.Errorf("removing startup entry: %w", err)
	}
	return nil
}
