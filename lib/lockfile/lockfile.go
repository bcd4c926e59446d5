// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfile provides cross-process advisory locks and one-time
// setup markers.
//
// InstanceLock prevents two copies of the same keybridge binary from
// managing the same agent sockets concurrently. It wraps gofrs/flock,
// which works on both Unix (flock) and Windows (LockFileEx) — the
// keybridge-touch watcher runs on Windows, so a flock(2)-only
// implementation would not do.
//
// The setup marker is a plain file under the user cache directory that
// records one-time provisioning (sshd configuration, helper install).
// Deleting the marker forces re-provisioning on the next run.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// InstanceLock is an exclusive cross-process lock at a well-known
// path. Unlike sync.Mutex, it provides mutual exclusion across
// processes on the same machine.
type InstanceLock struct {
	lock *flock.Flock
}

// NewInstanceLock creates a lock for the given path. The parent
// directory is created if absent. The lock is not held until TryLock
// succeeds.
func NewInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &InstanceLock{lock: flock.New(path)}, nil
}

// TryLock attempts to acquire the lock without blocking. Returns true
// when acquired, false when another process holds it.
func (l *InstanceLock) TryLock() (bool, error) {
	acquired, err := l.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", l.lock.Path(), err)
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call when the lock is not held.
func (l *InstanceLock) Unlock() error {
	return l.lock.Unlock()
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.lock.Path()
}

// WriteMarker records completed one-time provisioning at path. The
// marker's content is informational only; existence is the signal.
func WriteMarker(path string, note string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating marker directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(note+"\n"), 0600); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	return nil
}

// MarkerExists reports whether the setup marker at path is present.
func MarkerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ClearMarker removes the setup marker, forcing re-provisioning on
// the next run. Idempotent: returns nil when the marker is absent.
func ClearMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker %s: %w", path, err)
	}
	return nil
}
