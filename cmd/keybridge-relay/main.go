// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// keybridge-relay is the Linux-side supervisor: it bridges the
// well-known SSH and GPG agent Unix sockets to the agents living on
// the Windows side, either over npiperelay (WSL2) or over an
// SSH-forwarded loopback port (remote mode).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keybridge/keybridge/lib/config"
	"github.com/keybridge/keybridge/lib/lockfile"
	"github.com/keybridge/keybridge/lib/process"
	"github.com/keybridge/keybridge/lib/version"
	"github.com/keybridge/keybridge/relay"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := pflag.String("config", "", "config file path (overrides KEYBRIDGE_CONFIG)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	runtimeDir := pflag.String("runtime-dir", "", "base directory for relay sockets (default: $XDG_RUNTIME_DIR)")
	gpgPort := pflag.Int("gpg-port", 0, "loopback port of the GPG bridge (default: 4321)")
	helper := pflag.String("helper", "", "path to the pipe-relay helper executable")
	helperURL := pflag.String("helper-url", "", "download URL for the gzipped helper artifact")
	checksumURL := pflag.String("checksum-url", "", "download URL for the helper's SHA-256 manifest")
	installSSHD := pflag.Bool("install-sshd-config", false,
		"write the sshd StreamLocalBindUnlink drop-in and reload sshd (one-time, remote hosts)")
	sshdUser := pflag.String("sshd-user", "",
		"user for the sshd drop-in Match block (default: current user)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("keybridge-relay %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Flags override config.
	if *runtimeDir != "" {
		cfg.Relay.RuntimeDir = *runtimeDir
	}
	if *gpgPort != 0 {
		cfg.Relay.GPGPort = *gpgPort
	}
	if *helper != "" {
		cfg.Relay.HelperPath = *helper
	}
	if *helperURL != "" {
		cfg.Relay.HelperURL = *helperURL
	}
	if *checksumURL != "" {
		cfg.Relay.ChecksumURL = *checksumURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := relay.DetectMode(logger)

	if *installSSHD {
		if err := installSSHDConfig(logger, *sshdUser); err != nil {
			return err
		}
	}

	supervisor := &relay.Supervisor{
		Mode:         mode,
		RuntimeDir:   cfg.Relay.RuntimeDir,
		GPGPort:      cfg.Relay.GPGPort,
		SSHPipe:      cfg.Relay.SSHPipe,
		HelperPath:   helperPath(cfg),
		ProbeTimeout: cfg.Relay.ProbeTimeout,
		Logger:       logger,
	}
	if mode == relay.ModeWSL2 && cfg.Relay.HelperURL != "" {
		supervisor.Installer = &relay.HelperInstaller{
			InstallPath: supervisor.HelperPath,
			ArtifactURL: cfg.Relay.HelperURL,
			ChecksumURL: cfg.Relay.ChecksumURL,
			Logger:      logger,
		}
	}

	started, err := supervisor.Start(ctx)
	if err != nil {
		return err
	}
	defer supervisor.Stop()

	logger.Info("relay sockets ready",
		"relays", started,
		"ssh_socket", supervisor.SSHSocketPath(),
		"gpg_socket", supervisor.GPGSocketPath())

	// Advisory end-to-end check: ask the relayed SSH agent for its
	// identities. Failure degrades nothing that the probes have not
	// already reported.
	if _, err := os.Stat(supervisor.SSHSocketPath()); err == nil {
		if err := relay.VerifySSHAgent(supervisor.SSHSocketPath(), 5*time.Second); err != nil {
			logger.Warn("ssh agent verification failed", "error", err)
		} else {
			logger.Info("ssh agent verified", "socket", supervisor.SSHSocketPath())
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler), nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnvironment()
}

// helperPath resolves the pipe-relay helper location: explicit config
// wins, then the conventional per-user install dir.
func helperPath(cfg *config.Config) string {
	if cfg.Relay.HelperPath != "" {
		return cfg.Relay.HelperPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "bin", "npiperelay.exe")
}

// installSSHDConfig writes the sshd drop-in once, recording completion
// with a setup marker so repeat runs skip the privileged path.
func installSSHDConfig(logger *slog.Logger, sshdUser string) error {
	if sshdUser == "" {
		current, err := user.Current()
		if err != nil {
			return fmt.Errorf("resolving current user for sshd drop-in: %w", err)
		}
		sshdUser = current.Username
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("resolving cache directory for setup marker: %w", err)
	}
	markerPath := filepath.Join(cacheDir, "keybridge", "sshd-configured")
	if lockfile.MarkerExists(markerPath) {
		logger.Info("sshd drop-in already installed", "marker", markerPath)
		return nil
	}

	configurator := &relay.SSHDConfigurator{
		User:       sshdUser,
		ConfigPath: relay.DefaultSSHDConfigPath,
	}
	if err := configurator.Install(); err != nil {
		return fmt.Errorf("installing sshd drop-in: %w", err)
	}
	if err := lockfile.WriteMarker(markerPath, "sshd drop-in installed for "+sshdUser); err != nil {
		return err
	}
	logger.Info("sshd drop-in installed", "path", relay.DefaultSSHDConfigPath, "user", sshdUser)
	return nil
}
