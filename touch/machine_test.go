// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
	"github.com/keybridge/keybridge/lib/testutil"
)

// fakeProber returns scripted results, one per completed probe. Each
// probe takes two ticks: one to start, one to poll. When the script
// runs out, the probe reports "still running" forever.
type fakeProber struct {
	script  []ProbeResult
	index   int
	active  bool
	starts  int
	cancels int
}

func (p *fakeProber) Start() error {
	p.active = true
	p.starts++
	return nil
}

func (p *fakeProber) Poll() (ProbeResult, bool) {
	if !p.active || p.index >= len(p.script) {
		return ResultError, false
	}
	result := p.script[p.index]
	p.index++
	p.active = false
	return result, true
}

func (p *fakeProber) Active() bool { return p.active }

func (p *fakeProber) Cancel() {
	p.cancels++
	p.active = false
}

// fakeController completes every operation on its first Poll, with
// finishErr as the outcome.
type fakeController struct {
	restarts  int
	stops     int
	cancels   int
	active    bool
	finishErr error
}

func (c *fakeController) BeginRestart() {
	c.restarts++
	c.active = true
}

func (c *fakeController) BeginStop() {
	c.stops++
	c.active = true
}

func (c *fakeController) Poll() (bool, error) {
	if !c.active {
		return true, nil
	}
	c.active = false
	return true, c.finishErr
}

func (c *fakeController) Active() bool { return c.active }

func (c *fakeController) Cancel() {
	c.cancels++
	c.active = false
}

// fakeNotifier records every call. Safe for concurrent use so Run
// tests can assert from the test goroutine.
type fakeNotifier struct {
	mu            sync.Mutex
	notifications []string
	clears        int
	indicators    []string
}

func (n *fakeNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, title)
}

func (n *fakeNotifier) ClearNotification() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clears++
}

func (n *fakeNotifier) SetIndicator(state State, tooltip string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.indicators = append(n.indicators, tooltip)
}

func (n *fakeNotifier) notificationCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notifications)
}

func (n *fakeNotifier) lastIndicator() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.indicators) == 0 {
		return ""
	}
	return n.indicators[len(n.indicators)-1]
}

func newTestMachine(prober *fakeProber, controller *fakeController, notifier *fakeNotifier, fakeClock *clock.FakeClock) *Machine {
	return &Machine{
		Prober:        prober,
		Controller:    controller,
		Notifier:      notifier,
		Clock:         fakeClock,
		CheckInterval: 2 * time.Second,
	}
}

// tick advances the machine n steps.
func tick(m *Machine, n int) {
	for i := 0; i < n; i++ {
		m.Tick()
	}
}

func TestTouchNotifiesOnce(t *testing.T) {
	prober := &fakeProber{script: []ProbeResult{ResultTouch, ResultTouch, ResultNormal}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 2)
	if machine.State() != StateTouch {
		t.Fatalf("state = %v, want touch", machine.State())
	}
	if notifier.notificationCount() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.notificationCount())
	}

	// A second hang while touch is already pending must not re-notify.
	tick(machine, 2)
	if notifier.notificationCount() != 1 {
		t.Errorf("second hang re-notified: %d notifications", notifier.notificationCount())
	}

	// The touch resolves: back to normal, notification cleared.
	tick(machine, 2)
	if machine.State() != StateNormal {
		t.Errorf("state = %v, want normal", machine.State())
	}
	if notifier.clears == 0 {
		t.Error("notification was not cleared after touch resolved")
	}
}

func TestNoCardDoesNotRestart(t *testing.T) {
	prober := &fakeProber{script: []ProbeResult{ResultNoCard, ResultNoCard, ResultNoCard}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 6)
	if machine.State() != StateNoCard {
		t.Errorf("state = %v, want no-card", machine.State())
	}
	if controller.restarts != 0 {
		t.Errorf("unplugged key triggered %d restarts, want 0", controller.restarts)
	}
}

func TestTouchStateForceResets(t *testing.T) {
	prober := &fakeProber{script: []ProbeResult{ResultTouch}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	fakeClock := clock.Fake(time.Unix(0, 0))
	machine := newTestMachine(prober, controller, notifier, fakeClock)

	tick(machine, 2)
	if machine.State() != StateTouch {
		t.Fatalf("state = %v, want touch", machine.State())
	}

	fakeClock.Advance(DefaultTouchResetAfter)
	machine.Tick()
	if machine.State() != StateNormal {
		t.Errorf("state = %v after expiry, want normal", machine.State())
	}
	if notifier.clears == 0 {
		t.Error("stale touch notification was not cleared")
	}
}

func TestErrorRestartsUntilBudgetExhausted(t *testing.T) {
	// Every probe fails; every restart "succeeds" but the agent stays
	// broken. Entry into the error state requests a restart each time
	// until the budget runs out.
	prober := &fakeProber{script: []ProbeResult{
		ResultError, ResultError, ResultError, ResultError,
		ResultError, ResultError, ResultError, ResultError,
	}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 40)
	if controller.restarts != DefaultMaxAutoRestarts {
		t.Errorf("restarts = %d, want %d", controller.restarts, DefaultMaxAutoRestarts)
	}
	if machine.State() != StateError {
		t.Errorf("state = %v, want error", machine.State())
	}
	if notifier.lastIndicator() != "manual restart required" {
		t.Errorf("indicator = %q, want manual restart required", notifier.lastIndicator())
	}
}

func TestNormalAnswerResetsRestartBudget(t *testing.T) {
	// Errors interleaved with recoveries: each normal answer resets
	// the budget, so the total restart count may exceed the cap
	// without latching into manual-restart-required.
	prober := &fakeProber{script: []ProbeResult{
		ResultError, ResultNormal,
		ResultError, ResultNormal,
		ResultError, ResultNormal,
		ResultError, ResultNormal,
	}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 40)
	if controller.restarts != 4 {
		t.Errorf("restarts = %d, want 4", controller.restarts)
	}
	if notifier.lastIndicator() == "manual restart required" {
		t.Error("budget latched despite recoveries between errors")
	}
	if machine.State() != StateNormal {
		t.Errorf("state = %v, want normal", machine.State())
	}
}

func TestBudgetHoldsAfterExhaustion(t *testing.T) {
	prober := &fakeProber{script: make([]ProbeResult, 50)}
	for i := range prober.script {
		prober.script[i] = ResultError
	}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	fakeClock := clock.Fake(time.Unix(0, 0))
	machine := newTestMachine(prober, controller, notifier, fakeClock)

	tick(machine, 20)
	if controller.restarts != DefaultMaxAutoRestarts {
		t.Fatalf("restarts = %d, want %d", controller.restarts, DefaultMaxAutoRestarts)
	}

	// Errors keep arriving long past the unresponsive window; the
	// latch must hold.
	fakeClock.Advance(2 * DefaultUnresponsiveAfter)
	tick(machine, 20)
	if controller.restarts != DefaultMaxAutoRestarts {
		t.Errorf("restarts = %d after latch, want %d", controller.restarts, DefaultMaxAutoRestarts)
	}
}

func TestStopSuspendsPollingAndResumeRestores(t *testing.T) {
	prober := &fakeProber{script: []ProbeResult{ResultNormal, ResultNormal}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	machine.EnqueueCommand(CommandStop)
	machine.Tick()
	if machine.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", machine.State())
	}
	if controller.stops != 1 {
		t.Errorf("stops = %d, want 1", controller.stops)
	}

	startsWhileStopped := prober.starts
	tick(machine, 5)
	if prober.starts != startsWhileStopped {
		t.Errorf("probes started while stopped: %d -> %d", startsWhileStopped, prober.starts)
	}

	machine.EnqueueCommand(CommandResume)
	tick(machine, 3)
	if machine.State() != StateNormal {
		t.Errorf("state = %v after resume, want normal", machine.State())
	}
	if prober.starts == startsWhileStopped {
		t.Error("polling did not resume")
	}
}

func TestRestartCommandClearsManualLatch(t *testing.T) {
	prober := &fakeProber{script: make([]ProbeResult, 50)}
	for i := range prober.script {
		prober.script[i] = ResultError
	}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 20)
	if notifier.lastIndicator() != "manual restart required" {
		t.Fatalf("indicator = %q, want manual restart required", notifier.lastIndicator())
	}
	latchedRestarts := controller.restarts

	machine.EnqueueCommand(CommandRestart)
	machine.Tick()
	if controller.restarts != latchedRestarts+1 {
		t.Errorf("restarts = %d after user restart, want %d", controller.restarts, latchedRestarts+1)
	}
}

func TestRestartOwnsTheTick(t *testing.T) {
	// While a restart is in flight no probes may run.
	prober := &fakeProber{script: []ProbeResult{ResultError}}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	tick(machine, 2)
	if !controller.active {
		t.Fatal("no restart in flight after probe error")
	}
	startsBefore := prober.starts

	// First tick collects the restart; the probe may only start on
	// the tick after that.
	machine.Tick()
	if prober.starts != startsBefore {
		t.Errorf("probe started on the restart's completion tick")
	}
	machine.Tick()
	if prober.starts != startsBefore+1 {
		t.Errorf("probe did not start after restart completed")
	}
}

func TestRunExitsOnCommand(t *testing.T) {
	prober := &fakeProber{}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	fakeClock := clock.Fake(time.Unix(0, 0))
	machine := newTestMachine(prober, controller, notifier, fakeClock)

	done := make(chan error, 1)
	go func() { done <- machine.Run(context.Background()) }()

	machine.EnqueueCommand(CommandExit)
	// Poke the ticker until Run has registered its waiter and
	// processed the command.
	exited := make(chan struct{})
	go func() {
		for {
			select {
			case <-exited:
				return
			default:
				fakeClock.Advance(machine.CheckInterval)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to exit")
	close(exited)
	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	prober := &fakeProber{}
	controller := &fakeController{}
	notifier := &fakeNotifier{}
	machine := newTestMachine(prober, controller, notifier, clock.Fake(time.Unix(0, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to exit"); err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
