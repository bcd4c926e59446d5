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
	"os/exec"
	"path/filepath"
	"time"
)

// ErrNoRelays is returned by Supervisor.Start when every relay path
// was disabled by its availability probe. Callers translate it to a
// non-zero process exit so automation can distinguish configuration
// failure from a running (if partially degraded) relay.
var ErrNoRelays = errors.New("no relays started")

// Supervisor decides which relay endpoints to enable and manages
// their lifecycle. Probes are advisory: a failed probe disables that
// relay path and logs a skip reason. Only zero enabled relays is a
// hard failure.
type Supervisor struct {
	// Mode selects WSL2 or remote targeting. Populate with
	// DetectMode, or set directly in tests.
	Mode Mode

	// RuntimeDir is the base directory for relay sockets
	// (conventionally $XDG_RUNTIME_DIR).
	RuntimeDir string

	// GPGPort is the loopback port the GPG bridge is reachable on.
	GPGPort int

	// SSHPipe is the Windows named pipe for the OpenSSH agent (WSL2
	// mode only).
	SSHPipe string

	// HelperPath is the pipe-relay helper executable (WSL2 mode
	// only).
	HelperPath string

	// Installer, when set, provisions a missing helper before the SSH
	// probe runs. Installation failure (including checksum mismatch)
	// is fatal to relay startup, not advisory.
	Installer *HelperInstaller

	// ProbeTimeout bounds each availability probe. Zero means 1s.
	ProbeTimeout time.Duration

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// ProbeTCP and ProbeHelper are the availability probes,
	// overridable in tests. Nil selects the real implementations.
	ProbeTCP    func(ctx context.Context, address string, timeout time.Duration) error
	ProbeHelper func(ctx context.Context, helperPath, pipe string, timeout time.Duration) error

	endpoints []*Endpoint
	aliasPath string
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) probeTimeout() time.Duration {
	if s.ProbeTimeout > 0 {
		return s.ProbeTimeout
	}
	return time.Second
}

// SSHSocketPath is the Unix socket the relayed SSH agent listens on.
func (s *Supervisor) SSHSocketPath() string {
	return filepath.Join(s.RuntimeDir, "ssh", "agent.sock")
}

// GPGSocketPath is the Unix socket the relayed GPG agent listens on.
func (s *Supervisor) GPGSocketPath() string {
	return filepath.Join(s.RuntimeDir, "gnupg", "S.gpg-agent")
}

// GPGExtraSocketPath is the restricted-socket alias GPG tooling may
// probe; it is a symlink to the primary socket.
func (s *Supervisor) GPGExtraSocketPath() string {
	return s.GPGSocketPath() + ".extra"
}

// Start probes each relay path, creates the enabled endpoints, and
// returns the number of relays started. Returns ErrNoRelays when
// every path was disabled.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	logger := s.logger()
	started := 0

	if s.gpgRelayAvailable(ctx) {
		if err := s.startGPGEndpoint(ctx); err != nil {
			s.Stop()
			return 0, err
		}
		started++
	}

	if s.Mode == ModeWSL2 {
		if available, err := s.sshRelayAvailable(ctx); err != nil {
			s.Stop()
			return 0, err
		} else if available {
			if err := s.startSSHEndpoint(ctx); err != nil {
				s.Stop()
				return 0, err
			}
			started++
		}
	} else {
		logger.Info("ssh relay not applicable in remote mode (sshd forwards the agent socket directly)")
	}

	if started == 0 {
		return 0, ErrNoRelays
	}
	logger.Info("relay supervisor running", "mode", s.Mode.String(), "relays", started)
	return started, nil
}

// gpgRelayAvailable probes the GPG bridge's TCP endpoint. Both modes
// use TCP: remote mode reaches it through SSH RemoteForward, WSL2
// mode through the Windows loopback.
func (s *Supervisor) gpgRelayAvailable(ctx context.Context) bool {
	address := fmt.Sprintf("127.0.0.1:%d", s.GPGPort)
	probe := s.ProbeTCP
	if probe == nil {
		probe = probeTCP
	}
	if err := probe(ctx, address, s.probeTimeout()); err != nil {
		s.logger().Info("gpg relay skipped", "reason", "bridge port unreachable", "address", address, "error", err)
		return false
	}
	return true
}

// sshRelayAvailable provisions the helper when missing, then probes
// that it can reach the target named pipe. Provisioning failure
// (download or checksum) is returned as a fatal error; probe failure
// is advisory.
func (s *Supervisor) sshRelayAvailable(ctx context.Context) (bool, error) {
	if s.Installer != nil {
		if err := s.Installer.Ensure(ctx); err != nil {
			return false, fmt.Errorf("provisioning pipe-relay helper: %w", err)
		}
	}

	info, err := os.Stat(s.HelperPath)
	if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
		s.logger().Info("ssh relay skipped", "reason", "helper missing or not executable", "helper", s.HelperPath)
		return false, nil
	}

	probe := s.ProbeHelper
	if probe == nil {
		probe = probeHelper
	}
	if err := probe(ctx, s.HelperPath, s.SSHPipe, s.probeTimeout()); err != nil {
		s.logger().Info("ssh relay skipped", "reason", "named pipe unreachable", "pipe", s.SSHPipe, "error", err)
		return false, nil
	}
	return true, nil
}

// startGPGEndpoint creates the GPG relay socket and the .extra alias.
// Any stale socket at the well-known path is removed first (the
// endpoint does this as part of binding).
func (s *Supervisor) startGPGEndpoint(ctx context.Context) error {
	endpoint := &Endpoint{
		Kind:       KindGPGAgent,
		ListenPath: s.GPGSocketPath(),
		Target: &TCPTarget{
			Address:     fmt.Sprintf("127.0.0.1:%d", s.GPGPort),
			DialTimeout: s.probeTimeout(),
		},
		Logger: s.Logger,
	}
	if err := endpoint.Start(ctx); err != nil {
		return err
	}
	s.endpoints = append(s.endpoints, endpoint)

	// The alias lets tooling that probes S.gpg-agent.extra reach the
	// same forwarded socket.
	aliasPath := s.GPGExtraSocketPath()
	if err := os.Remove(aliasPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale alias %s: %w", aliasPath, err)
	}
	if err := os.Symlink(filepath.Base(s.GPGSocketPath()), aliasPath); err != nil {
		return fmt.Errorf("creating alias %s: %w", aliasPath, err)
	}
	s.aliasPath = aliasPath
	return nil
}

func (s *Supervisor) startSSHEndpoint(ctx context.Context) error {
	endpoint := &Endpoint{
		Kind:       KindSSHAgent,
		ListenPath: s.SSHSocketPath(),
		Target: &ExecTarget{
			Path: s.HelperPath,
			// -ei: terminate on EOF, poll until the pipe exists.
			Args: []string{"-ei", "-s", s.SSHPipe},
		},
		Logger: s.Logger,
	}
	if err := endpoint.Start(ctx); err != nil {
		return err
	}
	s.endpoints = append(s.endpoints, endpoint)
	return nil
}

// Stop tears down every endpoint (unlinking its socket) and removes
// the alias symlink.
func (s *Supervisor) Stop() {
	for _, endpoint := range s.endpoints {
		endpoint.Stop()
	}
	s.endpoints = nil
	if s.aliasPath != "" {
		os.Remove(s.aliasPath)
		s.aliasPath = ""
	}
}

// probeTCP attempts a bounded connect to address.
func probeTCP(ctx context.Context, address string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// probeHelper launches the helper against the target pipe and watches
// it briefly. The helper exits promptly with an error when the pipe
// is unreachable; surviving the probe window (or exiting cleanly)
// means the pipe answered.
func probeHelper(ctx context.Context, helperPath, pipe string, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, helperPath, "-s", pipe)
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting helper: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil && probeCtx.Err() == nil {
			return fmt.Errorf("helper could not reach pipe: %w", err)
		}
		return nil
	case <-probeCtx.Done():
		// Still running at the deadline: the pipe accepted the
		// connection. CommandContext kills the probe process.
		<-waitErr
		return nil
	}
}
