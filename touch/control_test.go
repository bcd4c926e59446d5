// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
	"github.com/keybridge/keybridge/lib/testutil"
)

func startControlFixture(t *testing.T, socketPath string) (*Machine, *fakeController) {
	t.Helper()
	prober := &fakeProber{}
	controller := &fakeController{}
	machine := newTestMachine(prober, controller, &fakeNotifier{}, clock.Fake(time.Unix(0, 0)))

	server := &ControlServer{Machine: machine, SocketPath: socketPath}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := server.Start(ctx); err != nil {
		t.Fatalf("starting control server: %v", err)
	}
	t.Cleanup(server.Stop)
	return machine, controller
}

func TestControlStatus(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "ctl.sock")
	_, _ = startControlFixture(t, socketPath)

	response, err := SendControl(socketPath, ActionStatus)
	if err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if !response.OK {
		t.Errorf("status not OK: %s", response.Error)
	}
	if response.State != "normal" {
		t.Errorf("state = %q, want normal", response.State)
	}
}

func TestControlRestartReachesMachine(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "ctl.sock")
	machine, controller := startControlFixture(t, socketPath)

	response, err := SendControl(socketPath, ActionRestart)
	if err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if !response.OK {
		t.Fatalf("restart not OK: %s", response.Error)
	}

	machine.Tick()
	if controller.restarts != 1 {
		t.Errorf("restarts = %d after restart command, want 1", controller.restarts)
	}
}

func TestControlUnknownAction(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "ctl.sock")
	_, _ = startControlFixture(t, socketPath)

	response, err := SendControl(socketPath, "reboot")
	if err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if response.OK {
		t.Error("unknown action was accepted")
	}
	if response.Error == "" {
		t.Error("unknown action produced no error text")
	}
}

func TestControlSocketPermissions(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "ctl.sock")
	_, _ = startControlFixture(t, socketPath)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("control socket permissions = %o, want 600", perm)
	}
}

func TestStopAllInstances(t *testing.T) {
	runtimeDir := testutil.SocketDir(t)

	// An "older instance" advertised under a pid that is not ours.
	otherPath := filepath.Join(ControlSocketDir(runtimeDir), "control-99999.sock")
	machine, _ := startControlFixture(t, otherPath)

	// A dead socket: a leftover file nothing listens on.
	deadPath := filepath.Join(ControlSocketDir(runtimeDir), "control-11111.sock")
	if err := os.WriteFile(deadPath, nil, 0o600); err != nil {
		t.Fatalf("creating dead socket file: %v", err)
	}

	stopped := StopAllInstances(runtimeDir, nil)
	if stopped != 1 {
		t.Errorf("stopped = %d, want 1", stopped)
	}

	// The live instance got an exit command.
	if exit := machine.Tick(); !exit {
		t.Error("older instance did not receive exit command")
	}

	// The dead socket was cleaned up.
	if _, err := os.Stat(deadPath); !os.IsNotExist(err) {
		t.Errorf("dead socket not unlinked: %v", err)
	}
}
