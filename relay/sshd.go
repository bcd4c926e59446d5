// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SSHDConfigurator installs the sshd directive that lets SSH
// RemoteForward bind over a stale Unix-domain socket left by a
// previous session. Without StreamLocalBindUnlink, a dead socket file
// blocks every subsequent forward until someone removes it by hand.
//
// The directive is scoped to a single user via a Match block so the
// relaxation does not apply system-wide.
type SSHDConfigurator struct {
	// User is the account the Match block is scoped to.
	User string

	// ConfigPath is the drop-in file to write. Default:
	// /etc/ssh/sshd_config.d/60-keybridge.conf.
	ConfigPath string

	// ReloadCommand restarts or reloads sshd after the config is
	// written. Default: ["systemctl", "reload", "ssh"]. Empty slice
	// with a non-nil value skips the reload (tests).
	ReloadCommand []string
}

// DefaultSSHDConfigPath is the drop-in location for the scoped
// StreamLocalBindUnlink directive.
const DefaultSSHDConfigPath = "/etc/ssh/sshd_config.d/60-keybridge.conf"

// Install writes the Match block atomically (temp file + rename) and
// reloads the SSH daemon. Requires root or equivalent write access to
// the sshd drop-in directory.
func (c *SSHDConfigurator) Install() error {
	if c.User == "" {
		return fmt.Errorf("sshd configurator: User is required")
	}
	if strings.ContainsAny(c.User, " \t\n") {
		return fmt.Errorf("sshd configurator: invalid user %q", c.User)
	}

	configPath := c.ConfigPath
	if configPath == "" {
		configPath = DefaultSSHDConfigPath
	}

	content := fmt.Sprintf("Match User %s\n\tStreamLocalBindUnlink yes\n", c.User)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating sshd config directory: %w", err)
	}

	// Write-then-rename so sshd never reads a partial file.
	temporaryPath := configPath + ".tmp"
	if err := os.WriteFile(temporaryPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing sshd drop-in: %w", err)
	}
	if err := os.Rename(temporaryPath, configPath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("installing sshd drop-in: %w", err)
	}

	reload := c.ReloadCommand
	if reload == nil {
		reload = []string{"systemctl", "reload", "ssh"}
	}
	if len(reload) > 0 {
		cmd := exec.Command(reload[0], reload[1:]...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("reloading sshd: %w (output: %s)", err, strings.TrimSpace(string(output)))
		}
	}
	return nil
}
