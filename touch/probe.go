// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/keybridge/keybridge/lib/clock"
)

// Prober runs card-status probes without ever blocking the caller.
// Start launches a probe and returns immediately; Poll reports
// whether it finished and how it classified. At most one probe is in
// flight at a time.
type Prober interface {
	// Start begins a probe. Returns an error if one is already in
	// flight or the probe process cannot be launched.
	Start() error

	// Poll inspects the in-flight probe. finished is false while the
	// probe is still running within its hang timeout. When the probe
	// exceeds the timeout it is forcibly killed and reported as
	// (ResultTouch, true).
	Poll() (result ProbeResult, finished bool)

	// Active reports whether a probe is in flight.
	Active() bool

	// Cancel kills any in-flight probe and discards its result.
	Cancel()
}

// noDeviceMarkers are the error texts recognized as "key unplugged"
// rather than a real failure. Matched case-insensitively against the
// probe's combined output.
var noDeviceMarkers = []string{
	"no device",
	"card not present",
	"no such device",
	"card error",
	"no card",
}

// CardProber probes by launching the card-status command as a child
// process with redirected output. The working hypothesis: a hang
// means the hardware is waiting for a human touch.
type CardProber struct {
	// Program is the card-status executable (gpg-connect-agent).
	Program string

	// Args are the card-status arguments.
	Args []string

	// HangTimeout is how long the probe may run before it is killed
	// and classified as a touch request.
	HangTimeout time.Duration

	// Clock measures probe elapsed time.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	output    *bytes.Buffer
	startedAt time.Time
	waitDone  chan error
	killed    bool
}

func (p *CardProber) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *CardProber) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("probe already in flight")
	}

	output := &bytes.Buffer{}
	cmd := exec.Command(p.Program, p.Args...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting card-status probe: %w", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	p.cmd = cmd
	p.output = output
	p.startedAt = p.Clock.Now()
	p.waitDone = waitDone
	p.killed = false
	return nil
}

func (p *CardProber) Poll() (ProbeResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return ResultError, false
	}

	select {
	case waitErr := <-p.waitDone:
		killed := p.killed
		outputText := p.output.String()
		p.resetLocked()
		if killed {
			return ResultTouch, true
		}
		return classify(waitErr, outputText), true
	default:
	}

	if p.Clock.Now().Sub(p.startedAt) >= p.HangTimeout {
		// Still running past the hang deadline: the hardware is
		// waiting for a touch. Kill the probe; the wait goroutine
		// reaps it and a later Poll (or this one, below) collects it.
		p.logger().Debug("card-status probe hung, killing",
			"elapsed", p.Clock.Now().Sub(p.startedAt))
		p.cmd.Process.Kill()
		p.killed = true

		// The kill usually completes immediately; collect the exit
		// here when it has so the next Start is not refused.
		select {
		case <-p.waitDone:
			p.resetLocked()
			return ResultTouch, true
		default:
			// Reaped on a subsequent Poll.
			return ResultError, false
		}
	}

	return ResultError, false
}

func (p *CardProber) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

func (p *CardProber) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return
	}
	p.cmd.Process.Kill()
	<-p.waitDone
	p.resetLocked()
}

// resetLocked clears the in-flight probe. Callers hold p.mu.
func (p *CardProber) resetLocked() {
	p.cmd = nil
	p.output = nil
	p.waitDone = nil
	p.killed = false
}

// classify maps a completed probe to a ProbeResult. Exit 0 is Normal;
// a recognized "no device" message is NoCard; everything else is
// Error.
func classify(waitErr error, output string) ProbeResult {
	if waitErr == nil {
		return ResultNormal
	}
	lowered := strings.ToLower(output)
	for _, marker := range noDeviceMarkers {
		if strings.Contains(lowered, marker) {
			return ResultNoCard
		}
	}
	return ResultError
}
