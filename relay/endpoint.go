// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keybridge/keybridge/lib/netutil"
)

// Kind identifies a logical forwarding rule. At most one live
// endpoint exists per kind; recreating one unlinks the prior socket
// first.
type Kind string

const (
	// KindSSHAgent relays the SSH agent socket.
	KindSSHAgent Kind = "ssh-agent"

	// KindGPGAgent relays the primary GPG agent socket.
	KindGPGAgent Kind = "gpg-agent"

	// KindGPGAgentExtra is the restricted GPG agent socket, satisfied
	// by a symlink alias to the primary socket rather than a second
	// listener.
	KindGPGAgentExtra Kind = "gpg-agent-extra"
)

// DefaultGracePeriod is how long Stop waits for in-flight forwarding
// sessions to close naturally before force-closing them.
const DefaultGracePeriod = 3 * time.Second

// Endpoint is one Unix-domain listening socket forwarding to a
// Target. One listening endpoint hosts many concurrent sessions
// (fan-out); sessions are independent and share no buffers or state.
type Endpoint struct {
	// Kind identifies the forwarding rule.
	Kind Kind

	// ListenPath is the Unix socket path to listen on.
	ListenPath string

	// Target is the far side every accepted connection is bridged to.
	Target Target

	// Logger receives structured log output. If nil, slog.Default()
	// is used. Per-session events log at Debug; lifecycle at Info.
	Logger *slog.Logger

	// GracePeriod bounds session drain during Stop. Zero means
	// DefaultGracePeriod.
	GracePeriod time.Duration

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	sessions sync.WaitGroup

	mu   sync.Mutex
	open map[net.Conn]struct{}
}

func (e *Endpoint) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Start unlinks any stale socket at ListenPath, binds the listener
// with owner-only permissions, and begins accepting connections in a
// background goroutine. It returns an error if a live listener is
// already bound at the path.
func (e *Endpoint) Start(ctx context.Context) error {
	if e.ListenPath == "" {
		return fmt.Errorf("endpoint %s: ListenPath is required", e.Kind)
	}
	if e.Target == nil {
		return fmt.Errorf("endpoint %s: Target is required", e.Kind)
	}

	if err := prepareSocketPath(e.ListenPath); err != nil {
		return fmt.Errorf("endpoint %s: %w", e.Kind, err)
	}

	listener, err := net.Listen("unix", e.ListenPath)
	if err != nil {
		return fmt.Errorf("endpoint %s: listening on %s: %w", e.Kind, e.ListenPath, err)
	}
	// Owner-only: agent sockets carry key material access.
	if err := os.Chmod(e.ListenPath, 0600); err != nil {
		listener.Close()
		os.Remove(e.ListenPath)
		return fmt.Errorf("endpoint %s: setting socket mode: %w", e.Kind, err)
	}

	e.listener = listener
	e.open = make(map[net.Conn]struct{})

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		e.acceptLoop(ctx)
	}()

	e.logger().Info("relay endpoint started",
		"kind", string(e.Kind),
		"listen_path", e.ListenPath,
		"target", e.Target.Describe(),
	)
	return nil
}

// acceptLoop accepts connections until the listener closes, spawning
// an independent forwarding session per connection.
func (e *Endpoint) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.logger().Error("accept failed", "kind", string(e.Kind), "error", err)
			}
			return
		}

		e.track(conn)
		e.sessions.Add(1)
		go func() {
			defer e.sessions.Done()
			defer e.untrack(conn)
			e.runSession(ctx, conn)
		}()
	}
}

// runSession dials the target and splices bytes until either side
// closes. If the target is unreachable the accepted connection is
// closed immediately — fail closed, never hang.
func (e *Endpoint) runSession(ctx context.Context, conn net.Conn) {
	acceptedAt := time.Now()

	targetConn, err := e.Target.Dial(ctx)
	if err != nil {
		conn.Close()
		e.logger().Warn("target unreachable, session closed",
			"kind", string(e.Kind),
			"target", e.Target.Describe(),
			"error", err,
		)
		return
	}
	e.track(targetConn)
	defer e.untrack(targetConn)

	stats, err := netutil.Bridge(conn, targetConn)
	if err != nil {
		e.logger().Warn("session ended with error",
			"kind", string(e.Kind),
			"error", err,
		)
		return
	}
	e.logger().Debug("session closed",
		"kind", string(e.Kind),
		"duration", time.Since(acceptedAt),
		"bytes_to_target", stats.AToB,
		"bytes_from_target", stats.BToA,
	)
}

// Stop closes the listener, unlinks the socket, and waits for
// in-flight sessions to drain within the grace period. Sessions still
// open after the grace period are force-closed.
func (e *Endpoint) Stop() {
	if e.listener == nil {
		return
	}
	e.cancel()
	e.listener.Close()
	os.Remove(e.ListenPath)

	grace := e.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	drained := make(chan struct{})
	go func() {
		e.sessions.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		e.mu.Lock()
		for conn := range e.open {
			conn.Close()
		}
		e.mu.Unlock()
		e.sessions.Wait()
	}

	<-e.done
	e.logger().Info("relay endpoint stopped", "kind", string(e.Kind), "listen_path", e.ListenPath)
}

// Wait blocks until the accept loop has exited.
func (e *Endpoint) Wait() {
	if e.done != nil {
		<-e.done
	}
}

func (e *Endpoint) track(conn net.Conn) {
	e.mu.Lock()
	e.open[conn] = struct{}{}
	e.mu.Unlock()
}

func (e *Endpoint) untrack(conn net.Conn) {
	e.mu.Lock()
	delete(e.open, conn)
	e.mu.Unlock()
}

// prepareSocketPath ensures the socket's parent directory exists with
// owner-only permissions and that no live listener is bound at the
// path. A stale socket file (nothing accepting) is unlinked; a live
// one is an error — two relays must not fight over a path.
func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	// Symlink aliases and leftover socket files both get unlinked,
	// but only after confirming nothing is accepting.
	if info.Mode()&os.ModeSocket != 0 || info.Mode()&os.ModeSymlink != 0 {
		probe, dialErr := net.DialTimeout("unix", path, 250*time.Millisecond)
		if dialErr == nil {
			probe.Close()
			return fmt.Errorf("socket %s already has a live listener", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale socket %s: %w", path, err)
		}
		return nil
	}

	return fmt.Errorf("%s exists and is not a socket", path)
}
