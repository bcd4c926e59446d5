// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package touch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/keybridge/keybridge/lib/codec"
)

// Control protocol actions. Carried as the Action field of a
// ControlRequest over the per-instance unix socket.
const (
	ActionStop    = "stop"
	ActionResume  = "resume"
	ActionRestart = "restart"
	ActionStatus  = "status"
	ActionExit    = "exit"
)

// ControlRequest is one command sent to a running watcher instance.
type ControlRequest struct {
	Action string `cbor:"action"`
}

// ControlResponse acknowledges a ControlRequest. State is populated
// for every action so callers always learn where the machine stands.
type ControlResponse struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	State string `cbor:"state"`
}

const controlDialTimeout = 2 * time.Second

// ControlSocketDir returns the directory holding per-instance control
// sockets under runtimeDir.
func ControlSocketDir(runtimeDir string) string {
	return filepath.Join(runtimeDir, "touch")
}

// ControlSocketPath returns this process's control socket path. One
// socket per pid lets a new instance find and stop older ones.
func ControlSocketPath(runtimeDir string) string {
	return filepath.Join(ControlSocketDir(runtimeDir), fmt.Sprintf("control-%d.sock", os.Getpid()))
}

// ControlServer answers control requests on a unix socket, feeding
// commands into a Machine's queue. Requests are one-shot: one CBOR
// request, one CBOR response, then the connection closes.
type ControlServer struct {
	// Machine receives the queued commands and answers status.
	Machine *Machine

	// SocketPath is where the server listens.
	SocketPath string

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	listener net.Listener
}

func (s *ControlServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start listens on the control socket and serves requests until Stop
// or ctx cancellation.
func (s *ControlServer) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o700); err != nil {
		return fmt.Errorf("creating control socket directory: %w", err)
	}
	// A stale socket from a crashed previous run with the same pid.
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale control socket: %w", err)
	}

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting control socket permissions: %w", err)
	}
	s.listener = listener

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go s.acceptLoop()

	s.logger().Info("control socket listening", "path", s.SocketPath)
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *ControlServer) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)
}

func (s *ControlServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *ControlServer) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlDialTimeout))

	var request ControlRequest
	if err := codec.NewDecoder(conn).Decode(&request); err != nil {
		s.logger().Warn("malformed control request", "error", err)
		return
	}

	response := s.dispatch(request)
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger().Warn("writing control response", "error", err)
	}
}

func (s *ControlServer) dispatch(request ControlRequest) ControlResponse {
	response := ControlResponse{OK: true, State: s.Machine.State().String()}

	switch request.Action {
	case ActionStop:
		s.Machine.EnqueueCommand(CommandStop)
	case ActionResume:
		s.Machine.EnqueueCommand(CommandResume)
	case ActionRestart:
		s.Machine.EnqueueCommand(CommandRestart)
	case ActionExit:
		s.Machine.EnqueueCommand(CommandExit)
	case ActionStatus:
		// State already populated.
	default:
		response.OK = false
		response.Error = fmt.Sprintf("unknown action %q", request.Action)
	}
	return response
}

// SendControl sends one request to the instance behind socketPath and
// returns its response.
func SendControl(socketPath, action string) (ControlResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, controlDialTimeout)
	if err != nil {
		return ControlResponse{}, fmt.Errorf("dialing control socket %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlDialTimeout))

	if err := codec.NewEncoder(conn).Encode(ControlRequest{Action: action}); err != nil {
		return ControlResponse{}, fmt.Errorf("writing control request: %w", err)
	}

	var response ControlResponse
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return ControlResponse{}, fmt.Errorf("reading control response: %w", err)
	}
	return response, nil
}

// StopAllInstances asks every advertised watcher instance under
// runtimeDir to exit. Sockets that no longer answer are unlinked.
// Returns the number of instances that acknowledged.
func StopAllInstances(runtimeDir string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	pattern := filepath.Join(ControlSocketDir(runtimeDir), "control-*.sock")
	sockets, err := filepath.Glob(pattern)
	if err != nil {
		logger.Warn("scanning control sockets", "error", err)
		return 0
	}

	self := ControlSocketPath(runtimeDir)
	stopped := 0
	for _, socketPath := range sockets {
		if socketPath == self {
			continue
		}
		response, err := SendControl(socketPath, ActionExit)
		if err != nil {
			logger.Debug("unlinking dead control socket", "path", socketPath)
			os.Remove(socketPath)
			continue
		}
		logger.Info("stopped older instance",
			"socket", socketPath,
			"state", response.State)
		stopped++
	}
	return stopped
}
