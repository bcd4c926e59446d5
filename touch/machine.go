// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
)

// AgentController restarts and stops the agent processes on the
// machine's behalf. Operations run on a background worker so the
// machine's tick loop never blocks; the machine polls for completion.
type AgentController interface {
	// BeginRestart starts an asynchronous restart of the agent stack.
	// Any operation already in flight is cancelled first.
	BeginRestart()

	// BeginStop starts an asynchronous stop of the agent stack.
	BeginStop()

	// Poll reports whether the in-flight operation finished, and with
	// what error. Returns done=false while still running.
	Poll() (done bool, err error)

	// Active reports whether an operation is in flight.
	Active() bool

	// Cancel aborts any in-flight operation and discards its result.
	Cancel()
}

// Default timing and budget parameters for the machine.
const (
	// DefaultTouchResetAfter bounds how long the touch notification
	// can stand. A touch request the user never answers is abandoned
	// by the agent itself well before this.
	DefaultTouchResetAfter = 30 * time.Second

	// DefaultUnresponsiveAfter is how long the agent may go without a
	// single normal probe answer before a restart is requested.
	DefaultUnresponsiveAfter = 60 * time.Second

	// DefaultMaxAutoRestarts caps consecutive automatic restarts.
	// Past the cap the machine stops trying and surfaces "manual
	// restart required". A user-issued restart resets the budget.
	DefaultMaxAutoRestarts = 3
)

// Machine is the touch-detection state machine. It runs a
// single-goroutine event loop: a clock ticker drives Tick, user
// commands are queued via EnqueueCommand and drained at the start of
// each tick, and at most one state transition fires per tick.
//
// All side effects (notifications, indicator updates, restart
// requests) fire on state entry only. Re-observing the condition that
// keeps the machine in its current state is logged, not re-notified.
type Machine struct {
	// Prober runs card-status probes.
	Prober Prober

	// Controller restarts and stops the agent stack.
	Controller AgentController

	// Notifier is the user-visible surface.
	Notifier Notifier

	// Clock drives the tick loop and the timing windows.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// CheckInterval is the polling interval. Required.
	CheckInterval time.Duration

	// TouchResetAfter overrides DefaultTouchResetAfter when positive.
	TouchResetAfter time.Duration

	// UnresponsiveAfter overrides DefaultUnresponsiveAfter when
	// positive.
	UnresponsiveAfter time.Duration

	// MaxAutoRestarts overrides DefaultMaxAutoRestarts when positive.
	MaxAutoRestarts int

	commandsOnce sync.Once
	commands     chan Command

	stateMu sync.Mutex
	state   State

	// Loop-private fields, touched only from Tick.
	touchEnteredAt        time.Time
	unresponsiveSince     time.Time
	autoRestarts          int
	manualRestartRequired bool
	restartInFlight       bool
	exitRequested         bool
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Machine) touchResetAfter() time.Duration {
	if m.TouchResetAfter > 0 {
		return m.TouchResetAfter
	}
	return DefaultTouchResetAfter
}

func (m *Machine) unresponsiveAfter() time.Duration {
	if m.UnresponsiveAfter > 0 {
		return m.UnresponsiveAfter
	}
	return DefaultUnresponsiveAfter
}

func (m *Machine) maxAutoRestarts() int {
	if m.MaxAutoRestarts > 0 {
		return m.MaxAutoRestarts
	}
	return DefaultMaxAutoRestarts
}

func (m *Machine) commandQueue() chan Command {
	m.commandsOnce.Do(func() {
		m.commands = make(chan Command, 16)
	})
	return m.commands
}

// State returns the machine's current state. Safe to call from any
// goroutine.
func (m *Machine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// EnqueueCommand queues a user command for the next tick. Never
// blocks; if the queue is full the command is dropped with a warning.
func (m *Machine) EnqueueCommand(c Command) {
	select {
	case m.commandQueue() <- c:
	default:
		m.logger().Warn("command queue full, dropping command", "command", c.String())
	}
}

// Run drives the event loop until ctx is cancelled or an exit command
// is processed. Returns ctx.Err() on cancellation, nil on exit.
func (m *Machine) Run(ctx context.Context) error {
	ticker := m.Clock.NewTicker(m.CheckInterval)
	defer ticker.Stop()

	m.Notifier.SetIndicator(m.State(), "watching for touch requests")
	m.logger().Info("touch watcher started",
		"check_interval", m.CheckInterval,
		"state", m.State().String())

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if m.Tick() {
				m.shutdown()
				return nil
			}
		}
	}
}

func (m *Machine) shutdown() {
	m.Prober.Cancel()
	m.Controller.Cancel()
	m.logger().Info("touch watcher stopped")
}

// Tick advances the machine by one step. Returns true when an exit
// command was processed. Tick never blocks: probes and restarts are
// polled, not awaited.
//
// The order within a tick is fixed: drain queued commands, skip
// polling while stopped, let an in-flight restart own the tick, then
// start or poll the probe and apply at most one transition.
func (m *Machine) Tick() (exit bool) {
	m.drainCommands()
	if m.exitRequested {
		return true
	}

	if m.Controller.Active() {
		m.pollController()
		return false
	}

	if m.State() == StateStopped {
		return false
	}

	if m.State() == StateTouch {
		elapsed := m.Clock.Now().Sub(m.touchEnteredAt)
		if elapsed >= m.touchResetAfter() {
			// The agent abandons an unanswered touch long before
			// this; a notification still standing is stale.
			m.logger().Info("touch state expired, resetting",
				"elapsed", elapsed)
			m.Prober.Cancel()
			m.enterState(StateNormal, "watching for touch requests")
			return false
		}
	}

	if !m.Prober.Active() {
		if err := m.Prober.Start(); err != nil {
			m.logger().Error("starting probe", "error", err)
			m.applyResult(ResultError)
		}
		return false
	}

	result, finished := m.Prober.Poll()
	if !finished {
		return false
	}
	m.applyResult(result)
	return false
}

// drainCommands processes every queued user command.
func (m *Machine) drainCommands() {
	for {
		select {
		case c := <-m.commandQueue():
			m.handleCommand(c)
		default:
			return
		}
	}
}

func (m *Machine) handleCommand(c Command) {
	m.logger().Info("processing command", "command", c.String())
	switch c {
	case CommandStop:
		if m.State() == StateStopped {
			return
		}
		m.Prober.Cancel()
		m.Controller.Cancel()
		m.Controller.BeginStop()
		m.restartInFlight = false
		m.enterState(StateStopped, "polling suspended")

	case CommandResume:
		if m.State() != StateStopped {
			return
		}
		m.unresponsiveSince = time.Time{}
		m.enterState(StateNormal, "watching for touch requests")

	case CommandRestart:
		// A user-issued restart clears the exhausted-budget latch.
		m.autoRestarts = 0
		m.manualRestartRequired = false
		m.beginRestart()
		if m.State() == StateStopped {
			m.enterState(StateNormal, "watching for touch requests")
		}

	case CommandExit:
		m.exitRequested = true
	}
}

// pollController checks the in-flight stop or restart. While one is
// active it owns the tick: no probes run until it completes.
func (m *Machine) pollController() {
	done, err := m.Controller.Poll()
	if !done {
		return
	}

	wasRestart := m.restartInFlight
	m.restartInFlight = false

	if err != nil {
		m.logger().Error("agent operation failed", "error", err)
		if wasRestart {
			m.requestAutoRestart("restart failed")
		}
		return
	}

	if wasRestart {
		m.logger().Info("agent restart complete")
		// The agent gets a fresh unresponsive window to produce its
		// first normal answer.
		m.unresponsiveSince = m.Clock.Now()
		if m.State() != StateStopped {
			m.enterState(StateNormal, "watching for touch requests")
		}
	}
}

// applyResult is the transition table. At most one transition fires;
// side effects fire on entry only.
func (m *Machine) applyResult(result ProbeResult) {
	now := m.Clock.Now()
	current := m.State()

	switch result {
	case ResultNormal:
		// A normal answer proves the agent healthy: the restart
		// budget and the unresponsive window both reset.
		m.unresponsiveSince = time.Time{}
		m.autoRestarts = 0
		if m.manualRestartRequired {
			m.manualRestartRequired = false
			m.logger().Info("agent recovered without manual restart")
		}
		if current != StateNormal {
			m.enterState(StateNormal, "watching for touch requests")
		}

	case ResultTouch:
		if current == StateTouch {
			// Entry already notified; a second hang is expected
			// while the user reaches for the key.
			m.logger().Debug("touch still pending")
			return
		}
		m.touchEnteredAt = now
		m.enterState(StateTouch, "waiting for hardware key touch")

	case ResultNoCard:
		// The key is unplugged, not broken. No restart: plugging it
		// back in is the only fix, and probes will see it.
		m.unresponsiveSince = time.Time{}
		if current != StateNoCard {
			m.enterState(StateNoCard, "hardware key not present")
		}

	case ResultError:
		if m.unresponsiveSince.IsZero() {
			m.unresponsiveSince = now
		}
		if current != StateError {
			m.enterState(StateError, "agent error, attempting recovery")
			m.requestAutoRestart("probe error")
			return
		}
		if now.Sub(m.unresponsiveSince) >= m.unresponsiveAfter() {
			m.unresponsiveSince = now
			m.requestAutoRestart("agent unresponsive")
		}
	}
}

// enterState performs the transition and its entry side effects.
func (m *Machine) enterState(next State, tooltip string) {
	previous := m.State()
	m.setState(next)
	m.logger().Info("state transition",
		"from", previous.String(),
		"to", next.String())

	switch next {
	case StateNormal:
		m.Notifier.ClearNotification()
	case StateTouch:
		m.Notifier.Notify("Touch your hardware key",
			"A pending operation is waiting for a key touch.")
	}
	m.Notifier.SetIndicator(next, tooltip)
}

// requestAutoRestart triggers a budget-guarded restart. Both the
// error-entry path and the unresponsive-window path land here, so the
// cap applies to their combined total.
func (m *Machine) requestAutoRestart(reason string) {
	if m.manualRestartRequired {
		return
	}
	if m.autoRestarts >= m.maxAutoRestarts() {
		m.manualRestartRequired = true
		m.logger().Error("automatic restart budget exhausted",
			"restarts", m.autoRestarts)
		m.Notifier.Notify("Agent restart failed",
			"Automatic recovery gave up. Restart the agent manually.")
		m.Notifier.SetIndicator(StateError, "manual restart required")
		return
	}
	m.autoRestarts++
	m.logger().Info("requesting agent restart",
		"reason", reason,
		"attempt", m.autoRestarts,
		"budget", m.maxAutoRestarts())
	m.beginRestart()
}

// beginRestart cancels any in-flight work and starts a restart.
func (m *Machine) beginRestart() {
	m.Prober.Cancel()
	m.Controller.Cancel()
	m.Controller.BeginRestart()
	m.restartInFlight = true
}
