// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeHelper creates an executable placeholder for the pipe-relay
// helper so the presence check passes.
func writeFakeHelper(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "npiperelay")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0755); err != nil {
		t.Fatalf("writing fake helper: %v", err)
	}
	return path
}

func probeOK(context.Context, string, time.Duration) error { return nil }

func probeFail(ctx context.Context, _ string, _ time.Duration) error {
	return errors.New("unreachable")
}

func helperProbeOK(context.Context, string, string, time.Duration) error { return nil }

func helperProbeFail(ctx context.Context, _, _ string, _ time.Duration) error {
	return errors.New("pipe unreachable")
}

func newTestSupervisor(t *testing.T, mode Mode) *Supervisor {
	t.Helper()
	// Socket paths nest under ssh/ and gnupg/, so give the supervisor
	// a short base to stay inside sun_path limits.
	base, err := os.MkdirTemp("/tmp", "kbs-*")
	if err != nil {
		t.Fatalf("creating runtime dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	return &Supervisor{
		Mode:       mode,
		RuntimeDir: base,
		GPGPort:    4321,
		SSHPipe:    "//./pipe/openssh-ssh-agent",
		Logger:     testLogger(),
	}
}

func TestSupervisorWSL2BothRelays(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeWSL2)
	supervisor.HelperPath = writeFakeHelper(t, supervisor.RuntimeDir)
	supervisor.ProbeTCP = probeOK
	supervisor.ProbeHelper = helperProbeOK

	started, err := supervisor.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer supervisor.Stop()

	if started != 2 {
		t.Errorf("started = %d, want 2", started)
	}
	if _, err := os.Stat(supervisor.SSHSocketPath()); err != nil {
		t.Errorf("ssh socket missing: %v", err)
	}
	if _, err := os.Stat(supervisor.GPGSocketPath()); err != nil {
		t.Errorf("gpg socket missing: %v", err)
	}

	// The .extra alias points at the primary socket.
	target, err := os.Readlink(supervisor.GPGExtraSocketPath())
	if err != nil {
		t.Fatalf("reading alias: %v", err)
	}
	if target != "S.gpg-agent" {
		t.Errorf("alias target = %q, want S.gpg-agent", target)
	}
}

func TestSupervisorRemoteModeGPGOnly(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeRemote)
	supervisor.ProbeTCP = probeOK
	supervisor.ProbeHelper = func(context.Context, string, string, time.Duration) error {
		t.Error("helper probe must not run in remote mode")
		return nil
	}

	started, err := supervisor.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer supervisor.Stop()

	if started != 1 {
		t.Errorf("started = %d, want 1", started)
	}
	if _, err := os.Stat(supervisor.SSHSocketPath()); !os.IsNotExist(err) {
		t.Errorf("ssh socket should not exist in remote mode (err=%v)", err)
	}
	if _, err := os.Stat(supervisor.GPGSocketPath()); err != nil {
		t.Errorf("gpg socket missing: %v", err)
	}
}

func TestSupervisorNoRelays(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeWSL2)
	supervisor.HelperPath = writeFakeHelper(t, supervisor.RuntimeDir)
	supervisor.ProbeTCP = probeFail
	supervisor.ProbeHelper = helperProbeFail

	_, err := supervisor.Start(context.Background())
	if !errors.Is(err, ErrNoRelays) {
		t.Fatalf("Start = %v, want ErrNoRelays", err)
	}

	// No partial socket creation.
	if _, err := os.Stat(supervisor.SSHSocketPath()); !os.IsNotExist(err) {
		t.Errorf("ssh socket should not exist (err=%v)", err)
	}
	if _, err := os.Stat(supervisor.GPGSocketPath()); !os.IsNotExist(err) {
		t.Errorf("gpg socket should not exist (err=%v)", err)
	}
	if _, err := os.Lstat(supervisor.GPGExtraSocketPath()); !os.IsNotExist(err) {
		t.Errorf("alias should not exist (err=%v)", err)
	}
}

func TestSupervisorHelperMissingSkipsSSH(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeWSL2)
	supervisor.HelperPath = filepath.Join(supervisor.RuntimeDir, "no-such-helper")
	supervisor.ProbeTCP = probeOK
	supervisor.ProbeHelper = helperProbeOK

	started, err := supervisor.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer supervisor.Stop()

	if started != 1 {
		t.Errorf("started = %d, want 1 (gpg only)", started)
	}
	if _, err := os.Stat(supervisor.SSHSocketPath()); !os.IsNotExist(err) {
		t.Errorf("ssh socket should not exist when helper is missing (err=%v)", err)
	}
}

func TestSupervisorStopRemovesSockets(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeRemote)
	supervisor.ProbeTCP = probeOK

	if _, err := supervisor.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	supervisor.Stop()

	for _, path := range []string{supervisor.GPGSocketPath(), supervisor.GPGExtraSocketPath()} {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			t.Errorf("%s still present after Stop (err=%v)", path, err)
		}
	}
}

func TestSupervisorFatalHelperProvisioning(t *testing.T) {
	supervisor := newTestSupervisor(t, ModeWSL2)
	supervisor.HelperPath = filepath.Join(supervisor.RuntimeDir, "helper")
	supervisor.ProbeTCP = probeFail
	supervisor.ProbeHelper = helperProbeOK
	// No URLs configured: Ensure fails, and that failure must abort
	// startup rather than degrade to a skip.
	supervisor.Installer = &HelperInstaller{
		InstallPath: supervisor.HelperPath,
		Logger:      testLogger(),
	}

	_, err := supervisor.Start(context.Background())
	if err == nil || errors.Is(err, ErrNoRelays) {
		t.Fatalf("Start = %v, want fatal provisioning error", err)
	}
}

func TestModeFromKernelRelease(t *testing.T) {
	cases := []struct {
		release string
		want    Mode
	}{
		{"5.15.167.4-microsoft-standard-WSL2", ModeWSL2},
		{"4.4.0-19041-Microsoft", ModeWSL2},
		{"6.6.87.1-wsl2", ModeWSL2},
		{"6.8.0-45-generic", ModeRemote},
		{"", ModeRemote},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("release=%s", tc.release), func(t *testing.T) {
			if got := ModeFromKernelRelease(tc.release); got != tc.want {
				t.Errorf("ModeFromKernelRelease(%q) = %v, want %v", tc.release, got, tc.want)
			}
		})
	}
}
