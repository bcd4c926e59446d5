// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

// State is the watcher's current classification of the agent and
// card. Exactly one State is current at a time; transitions are
// driven by probe results and explicit user commands.
type State int

const (
	// StateNormal: the agent answers card-status promptly.
	StateNormal State = iota

	// StateTouch: the hardware is waiting for a human touch (the
	// probe hung past the hang timeout).
	StateTouch

	// StateNoCard: the agent answered with a recognized "no device"
	// error — the key is unplugged.
	StateNoCard

	// StateError: the probe failed in an unrecognized way; recovery
	// is being attempted.
	StateError

	// StateStopped: polling is suspended by user command.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateTouch:
		return "touch"
	case StateNoCard:
		return "no-card"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ProbeResult classifies the outcome of one card-status probe. This
// is a closed enumeration: new probe outcomes must fit one of these
// four.
type ProbeResult int

const (
	// ResultNormal: the command completed with exit 0.
	ResultNormal ProbeResult = iota

	// ResultTouch: the command exceeded the hang timeout while still
	// running and was forcibly terminated.
	ResultTouch

	// ResultNoCard: the command completed with a recognized "no
	// device" error.
	ResultNoCard

	// ResultError: any other non-zero exit or probe failure.
	ResultError
)

func (r ProbeResult) String() string {
	switch r {
	case ResultNormal:
		return "normal"
	case ResultTouch:
		return "touch"
	case ResultNoCard:
		return "no-card"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Command is a user-initiated instruction queued for the machine and
// drained at the start of the next tick.
type Command int

const (
	// CommandStop suspends polling and stops the agent processes.
	CommandStop Command = iota

	// CommandResume resumes polling after a stop.
	CommandResume

	// CommandRestart triggers an asynchronous agent restart.
	CommandRestart

	// CommandExit terminates the watcher's run loop.
	CommandExit
)

func (c Command) String() string {
	switch c {
	case CommandStop:
		return "stop"
	case CommandResume:
		return "resume"
	case CommandRestart:
		return "restart"
	case CommandExit:
		return "exit"
	default:
		return "unknown"
	}
}
