// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import "log/slog"

// Notifier is the machine's user-visible surface: notifications for
// touch requests and an indicator (icon plus tooltip) that reflects
// the current state at all times. A tray frontend implements this;
// headless runs use LogNotifier.
//
// The machine guarantees each side-effecting transition calls the
// Notifier exactly once on entry — implementations do not need to
// de-duplicate.
type Notifier interface {
	// Notify raises a user notification.
	Notify(title, body string)

	// ClearNotification withdraws any visible notification.
	ClearNotification()

	// SetIndicator updates the indicator to reflect state, with a
	// human-readable tooltip.
	SetIndicator(state State, tooltip string)
}

// LogNotifier is a Notifier that writes to the structured log. Used
// when no tray frontend is attached.
type LogNotifier struct {
	// Logger receives the events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger().Info("notification", "title", title, "body", body)
}

func (n *LogNotifier) ClearNotification() {
	n.logger().Debug("notification cleared")
}

func (n *LogNotifier) SetIndicator(state State, tooltip string) {
	n.logger().Info("indicator changed", "state", state.String(), "tooltip", tooltip)
}
