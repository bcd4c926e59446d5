// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package agentproc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
)

// commandLog records subprocess invocations from the worker
// goroutine.
type commandLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *commandLog) record(program string, args []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, strings.Join(append([]string{program}, args...), " "))
}

func (l *commandLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeBridge struct {
	mu     sync.Mutex
	killed bool
}

func (b *fakeBridge) Kill() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = true
	return nil
}

func (b *fakeBridge) wasKilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.killed
}

// waitForCompletion pumps the fake clock until the in-flight
// operation reports done.
func waitForCompletion(t *testing.T, s *Supervisor, fakeClock *clock.FakeClock) error {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if done, err := s.Poll(); done {
			return err
		}
		fakeClock.Advance(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("operation did not complete")
	panic("unreachable")
}

func newTestSupervisor(fakeClock *clock.FakeClock, log *commandLog, runErr func(program string, args []string) error) (*Supervisor, *fakeBridge) {
	bridge := &fakeBridge{}
	s := &Supervisor{
		GPGConnectProgram: "gpg-connect-agent",
		GPGConfProgram:    "gpgconf",
		BridgeExe:         "gpg-bridge.exe",
		Clock:             fakeClock,
		RunCommand: func(ctx context.Context, program string, args ...string) error {
			log.record(program, args)
			if runErr != nil {
				return runErr(program, args)
			}
			return nil
		},
		StartBridge: func() (BridgeProcess, error) {
			log.record("start-bridge", nil)
			return bridge, nil
		},
		KillByName: func(name string) error {
			log.record("kill-by-name", []string{name})
			return nil
		},
	}
	return s, bridge
}

func TestRestartSequenceOrder(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	s, _ := newTestSupervisor(fakeClock, log, nil)

	s.BeginRestart()
	if !s.Active() {
		t.Fatal("supervisor not active after BeginRestart")
	}
	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	want := []string{
		"kill-by-name gpg-bridge.exe",
		"gpgconf --kill gpg-agent",
		"gpg-connect-agent /bye",
		"gpg-connect-agent scd serialno /bye",
		"start-bridge",
	}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRestartAbortsWhenAgentWontComeUp(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	s, _ := newTestSupervisor(fakeClock, log, func(program string, args []string) error {
		if program == "gpg-connect-agent" && len(args) == 1 && args[0] == "/bye" {
			return errors.New("connection refused")
		}
		return nil
	})

	s.BeginRestart()
	err := waitForCompletion(t, s, fakeClock)
	if err == nil {
		t.Fatal("restart succeeded with an agent that never came up")
	}

	for _, call := range log.snapshot() {
		if call == "start-bridge" {
			t.Error("bridge started despite failed liveness handshake")
		}
	}
}

func TestCardWarmupFailureIsAdvisory(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	s, _ := newTestSupervisor(fakeClock, log, func(program string, args []string) error {
		if len(args) > 0 && args[0] == "scd serialno" {
			return errors.New("ERR no device")
		}
		return nil
	})

	s.BeginRestart()
	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Fatalf("restart failed on advisory card warmup: %v", err)
	}

	started := false
	for _, call := range log.snapshot() {
		if call == "start-bridge" {
			started = true
		}
	}
	if !started {
		t.Error("bridge not started after successful restart")
	}
}

func TestStopForceKillsWhenPoliteShutdownFails(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	s, _ := newTestSupervisor(fakeClock, log, func(program string, args []string) error {
		if program == "gpgconf" {
			return errors.New("agent not responding")
		}
		return nil
	})

	s.BeginStop()
	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	forced := false
	for _, call := range log.snapshot() {
		if call == "kill-by-name gpg-agent" {
			forced = true
		}
	}
	if !forced {
		t.Error("force kill did not run after polite shutdown failed")
	}
}

func TestStopKillsTrackedBridge(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	s, bridge := newTestSupervisor(fakeClock, log, nil)

	s.BeginRestart()
	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	s.BeginStop()
	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !bridge.wasKilled() {
		t.Error("tracked bridge survived the stop")
	}
}

func TestCancelAbortsInFlightOperation(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	blocked := make(chan struct{})
	s, _ := newTestSupervisor(fakeClock, log, nil)
	s.RunCommand = func(ctx context.Context, program string, args ...string) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	s.BeginStop()
	<-blocked
	s.Cancel()

	if s.Active() {
		t.Error("supervisor still active after Cancel")
	}
	if done, err := s.Poll(); !done || err != nil {
		t.Errorf("Poll after Cancel = (%v, %v), want (true, nil)", done, err)
	}
}

func TestBeginCancelsPredecessor(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	log := &commandLog{}
	firstBlocked := make(chan struct{})
	firstCancelled := make(chan struct{})
	s, _ := newTestSupervisor(fakeClock, log, nil)

	var callCount int
	var mu sync.Mutex
	s.RunCommand = func(ctx context.Context, program string, args ...string) error {
		mu.Lock()
		callCount++
		first := callCount == 1
		mu.Unlock()
		if first {
			close(firstBlocked)
			<-ctx.Done()
			close(firstCancelled)
			return ctx.Err()
		}
		return nil
	}

	s.BeginStop()
	<-firstBlocked
	s.BeginStop()
	<-firstCancelled

	if err := waitForCompletion(t, s, fakeClock); err != nil {
		t.Errorf("second operation failed: %v", err)
	}
}

func TestPollIdleSupervisor(t *testing.T) {
	s := &Supervisor{Clock: clock.Fake(time.Unix(0, 0))}
	if done, err := s.Poll(); !done || err != nil {
		t.Errorf("Poll on idle supervisor = (%v, %v), want (true, nil)", done, err)
	}
}
