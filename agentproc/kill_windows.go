// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package agentproc

import (
	"fmt"
	"os/exec"
	"strings"
)

// defaultKillByName terminates every process with the given image
// name via taskkill.
func defaultKillByName(name string) error {
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	output, err := exec.Command("taskkill", "/F", "/IM", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill %s: %w (output: %s)", name, err, output)
	}
	return nil
}
