// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package agentproc

import (
	"fmt"
	"os/exec"
)

// defaultKillByName terminates every process with the given exact
// name via pkill.
func defaultKillByName(name string) error {
	output, err := exec.Command("pkill", "-x", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pkill %s: %w (output: %s)", name, err, output)
	}
	return nil
}
