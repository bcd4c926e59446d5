// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"
)

// Target is the far side of a relay endpoint. Dial establishes one
// transport per accepted connection; the returned connection is owned
// by that session and closed when the session ends.
type Target interface {
	// Dial connects to the target. Implementations must fail within a
	// bounded time when the target is unreachable — an accepted
	// session fails closed rather than hanging.
	Dial(ctx context.Context) (net.Conn, error)

	// Describe returns a short human-readable description for logs.
	Describe() string
}

// TCPTarget forwards to a TCP address, typically a loopback port
// populated by SSH RemoteForward.
type TCPTarget struct {
	// Address is the host:port to dial.
	Address string

	// DialTimeout bounds each connection attempt. Zero means 1s.
	DialTimeout time.Duration
}

func (t *TCPTarget) Dial(ctx context.Context) (net.Conn, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.Address, err)
	}
	return conn, nil
}

func (t *TCPTarget) Describe() string { return "tcp " + t.Address }

// ExecTarget forwards to a subprocess whose stdin/stdout serve as the
// transport — the npiperelay pattern, where the helper speaks the
// Windows named-pipe protocol and relays it over its standard streams.
type ExecTarget struct {
	// Path is the helper executable.
	Path string

	// Args are passed to the helper (typically the named pipe path).
	Args []string
}

func (t *ExecTarget) Dial(ctx context.Context) (net.Conn, error) {
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.Path, err)
	}

	return &execConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (t *ExecTarget) Describe() string { return "exec " + t.Path }

// execConn adapts a subprocess's standard streams to net.Conn so a
// forwarding session can treat pipe and TCP targets uniformly. Close
// kills the subprocess; the relay has no graceful shutdown protocol
// with the helper, and the helper holds no state worth draining.
type execConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *execConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *execConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *execConn) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.closeErr = c.cmd.Wait()
	})
	return c.closeErr
}

// pipeAddr is the placeholder address for subprocess transports.
type pipeAddr struct{ description string }

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.description }

func (c *execConn) LocalAddr() net.Addr  { return pipeAddr{"stdio"} }
func (c *execConn) RemoteAddr() net.Addr { return pipeAddr{c.cmd.Path} }

// Deadlines are not supported on subprocess pipes. The forwarding
// session never sets them; teardown happens via Close.
func (c *execConn) SetDeadline(time.Time) error      { return nil }
func (c *execConn) SetReadDeadline(time.Time) error  { return nil }
func (c *execConn) SetWriteDeadline(time.Time) error { return nil }
