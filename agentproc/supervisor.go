// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package agentproc

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
)

// Timing constants for the stop and restart sequences.
const (
	// agentKillTimeout bounds the polite gpgconf shutdown before the
	// agent is force-killed.
	agentKillTimeout = 5 * time.Second

	// settleDelay separates the stop from the restart so the agent's
	// sockets are gone before the new agent binds them.
	settleDelay = 2 * time.Second

	// agentReadyTimeout bounds the liveness handshake. An agent that
	// cannot answer /bye in this window is not coming up.
	agentReadyTimeout = 30 * time.Second

	// cardProbeTimeout bounds the post-restart card warmup. The scd
	// serialno round trip loads the smartcard daemon; a slow or
	// absent card must not fail the restart.
	cardProbeTimeout = 60 * time.Second
)

// BridgeProcess is a running bridge child the Supervisor tracks.
type BridgeProcess interface {
	// Kill terminates the bridge.
	Kill() error
}

// Supervisor stops and restarts the agent stack. All operations run
// on a background worker: Begin* returns immediately and Poll reports
// completion. At most one operation is in flight; starting a new one
// cancels its predecessor.
type Supervisor struct {
	// GPGConnectProgram is the gpg-connect-agent executable.
	GPGConnectProgram string

	// GPGConfProgram is the gpgconf executable.
	GPGConfProgram string

	// BridgeExe is the bridge executable. Empty means no bridge is
	// managed.
	BridgeExe string

	// BridgeArgs are passed to the bridge executable.
	BridgeArgs []string

	// Clock drives the settle delay and operation timeouts.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// RunCommand overrides subprocess execution. Tests inject a fake;
	// nil means exec the real program.
	RunCommand func(ctx context.Context, program string, args ...string) error

	// StartBridge overrides bridge launch. Nil means exec BridgeExe.
	StartBridge func() (BridgeProcess, error)

	// KillByName overrides kill-by-process-name, the fallback when no
	// tracked handle exists. Nil means the platform default.
	KillByName func(name string) error

	mu     sync.Mutex
	worker *operation
	bridge BridgeProcess
}

// operation is one in-flight stop or restart.
type operation struct {
	cancel context.CancelFunc
	done   chan error
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) runCommand(ctx context.Context, program string, args ...string) error {
	if s.RunCommand != nil {
		return s.RunCommand(ctx, program, args...)
	}
	output, err := exec.CommandContext(ctx, program, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (output: %s)", program, err, output)
	}
	return nil
}

func (s *Supervisor) killByName(name string) error {
	if s.KillByName != nil {
		return s.KillByName(name)
	}
	return defaultKillByName(name)
}

// BeginRestart starts an asynchronous restart: stop, settle, bring
// the agent up, warm the card, relaunch the bridge.
func (s *Supervisor) BeginRestart() {
	s.begin("restart", s.restart)
}

// BeginStop starts an asynchronous stop of the bridge and agent.
func (s *Supervisor) BeginStop() {
	s.begin("stop", s.stop)
}

func (s *Supervisor) begin(name string, sequence func(ctx context.Context) error) {
	s.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{cancel: cancel, done: make(chan error, 1)}

	s.mu.Lock()
	s.worker = op
	s.mu.Unlock()

	s.logger().Info("agent operation started", "operation", name)
	go func() {
		op.done <- sequence(ctx)
	}()
}

// Poll reports whether the in-flight operation finished. Returns
// (true, nil) when nothing is in flight.
func (s *Supervisor) Poll() (bool, error) {
	s.mu.Lock()
	op := s.worker
	s.mu.Unlock()

	if op == nil {
		return true, nil
	}

	select {
	case err := <-op.done:
		s.mu.Lock()
		if s.worker == op {
			s.worker = nil
		}
		s.mu.Unlock()
		return true, err
	default:
		return false, nil
	}
}

// Active reports whether an operation is in flight.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker != nil
}

// Cancel aborts any in-flight operation and discards its result. The
// worker goroutine unwinds on its own; its buffered done send is
// dropped with it.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	op := s.worker
	s.worker = nil
	s.mu.Unlock()

	if op != nil {
		op.cancel()
	}
}

// Close cancels any in-flight operation and kills a tracked bridge.
// Called on process shutdown.
func (s *Supervisor) Close() {
	s.Cancel()

	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.Kill()
	}
}

// stop kills the bridge and shuts the agent down, force-killing when
// the polite path stalls.
func (s *Supervisor) stop(ctx context.Context) error {
	s.killBridge()

	err := s.runBounded(ctx, agentKillTimeout, s.GPGConfProgram, "--kill", "gpg-agent")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger().Warn("polite agent shutdown failed, force-killing",
			"error", err)
		if killErr := s.killByName("gpg-agent"); killErr != nil {
			return fmt.Errorf("force-killing gpg-agent: %w", killErr)
		}
	}
	return nil
}

// killBridge terminates the tracked bridge handle, falling back to
// kill-by-name when the bridge was started by an earlier process.
func (s *Supervisor) killBridge() {
	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		if err := bridge.Kill(); err != nil {
			s.logger().Warn("killing tracked bridge", "error", err)
		}
		return
	}
	if s.BridgeExe == "" {
		return
	}
	if err := s.killByName(filepath.Base(s.BridgeExe)); err != nil {
		s.logger().Debug("no stray bridge to kill", "error", err)
	}
}

// restart runs the full recovery sequence. The liveness handshake is
// fatal; the card warmup is advisory.
func (s *Supervisor) restart(ctx context.Context) error {
	if err := s.stop(ctx); err != nil {
		return fmt.Errorf("stopping agent stack: %w", err)
	}

	select {
	case <-s.Clock.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.runBounded(ctx, agentReadyTimeout, s.GPGConnectProgram, "/bye"); err != nil {
		return fmt.Errorf("agent did not come up: %w", err)
	}

	// Warm the smartcard daemon so the first real probe does not pay
	// the card initialization cost. Failure here usually means the
	// key is unplugged, which is not the restart's problem.
	if err := s.runBounded(ctx, cardProbeTimeout, s.GPGConnectProgram, "scd serialno", "/bye"); err != nil {
		s.logger().Warn("card warmup failed", "error", err)
	}

	if err := s.launchBridge(); err != nil {
		return fmt.Errorf("relaunching bridge: %w", err)
	}

	s.logger().Info("agent restart sequence complete")
	return nil
}

// launchBridge starts the bridge executable and tracks its handle.
func (s *Supervisor) launchBridge() error {
	var (
		bridge BridgeProcess
		err    error
	)
	switch {
	case s.StartBridge != nil:
		bridge, err = s.StartBridge()
	case s.BridgeExe == "":
		return nil
	default:
		bridge, err = startBridgeProcess(s.BridgeExe, s.BridgeArgs)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()
	return nil
}

// runBounded executes one command with a clock-driven timeout. The
// command's context is cancelled when the timeout fires, killing the
// child.
func (s *Supervisor) runBounded(ctx context.Context, timeout time.Duration, program string, args ...string) error {
	commandCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.runCommand(commandCtx, program, args...)
	}()

	select {
	case err := <-done:
		return err
	case <-s.Clock.After(timeout):
		cancel()
		return fmt.Errorf("%s timed out after %v", program, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execBridge wraps a bridge child started by this process. A reaper
// goroutine collects the exit so a bridge that dies on its own never
// lingers as a zombie.
type execBridge struct {
	cmd *exec.Cmd
}

func (b *execBridge) Kill() error {
	return b.cmd.Process.Kill()
}

func startBridgeProcess(exe string, args []string) (BridgeProcess, error) {
	cmd := exec.Command(exe, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting bridge %s: %w", exe, err)
	}
	go cmd.Wait()
	return &execBridge{cmd: cmd}, nil
}
