// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for keybridge
// components.
//
// Configuration is loaded from a single yaml file specified by:
//   - KEYBRIDGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery: a missing file is an
// error when explicitly requested, and no file at all means built-in
// defaults. This keeps the effective configuration deterministic and
// auditable.
//
// One environment override exists outside the file: KEYBRIDGE_GPG_PORT
// overrides the GPG bridge TCP port. It is an override rather than a
// config key because SSH RemoteForward stanzas are written per-host
// and the port must be changeable per login session.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGPGPort is the well-known loopback port the GPG bridge is
// forwarded to via SSH RemoteForward.
const DefaultGPGPort = 4321

// Config is the master configuration for keybridge.
type Config struct {
	// Relay configures the Linux-side relay supervisor.
	Relay RelayConfig `yaml:"relay"`

	// Touch configures the touch-detection watcher.
	Touch TouchConfig `yaml:"touch"`
}

// RelayConfig configures keybridge-relay.
type RelayConfig struct {
	// RuntimeDir overrides the base directory for sockets. Default:
	// $XDG_RUNTIME_DIR.
	RuntimeDir string `yaml:"runtime_dir"`

	// GPGPort is the loopback port for the GPG bridge target.
	// Default: 4321. KEYBRIDGE_GPG_PORT overrides it.
	GPGPort int `yaml:"gpg_port"`

	// HelperPath is where the named-pipe relay helper is (or will be)
	// installed. Default: ~/.local/bin/npiperelay.exe under the
	// Windows home mount in WSL2 mode.
	HelperPath string `yaml:"helper_path"`

	// HelperURL is the download URL for the helper artifact (.gz).
	HelperURL string `yaml:"helper_url"`

	// ChecksumURL is the download URL for the helper's SHA-256
	// checksum manifest.
	ChecksumURL string `yaml:"checksum_url"`

	// SSHPipe is the Windows named pipe for the OpenSSH agent.
	// Default: //./pipe/openssh-ssh-agent.
	SSHPipe string `yaml:"ssh_pipe"`

	// ProbeTimeout bounds each availability probe. Default: 1s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// TouchConfig configures keybridge-touch.
type TouchConfig struct {
	// CheckInterval is the polling interval. Default: 2000ms.
	CheckInterval time.Duration `yaml:"check_interval"`

	// HangTimeout is how long a card-status probe may run before it
	// is killed and classified as a touch request. Default: 2000ms.
	HangTimeout time.Duration `yaml:"hang_timeout"`

	// GPGProgram is the gpg-connect-agent executable used for probes.
	GPGProgram string `yaml:"gpg_program"`

	// GPGConfProgram is the gpgconf executable used to kill the agent.
	GPGConfProgram string `yaml:"gpgconf_program"`

	// BridgeExe is the GPG bridge executable path.
	BridgeExe string `yaml:"bridge_exe"`

	// BridgeArgs are arguments passed to the bridge executable.
	BridgeArgs []string `yaml:"bridge_args"`
}

// Load reads and parses the config file at path, applies defaults,
// and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnvironment loads the file named by KEYBRIDGE_CONFIG, or
// returns the built-in defaults when the variable is unset.
func LoadFromEnvironment() (*Config, error) {
	if path := os.Getenv("KEYBRIDGE_CONFIG"); path != "" {
		return Load(path)
	}
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with built-in defaults.
func (c *Config) applyDefaults() {
	if c.Relay.RuntimeDir == "" {
		c.Relay.RuntimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if c.Relay.RuntimeDir == "" {
		c.Relay.RuntimeDir = filepath.Join(os.TempDir(), fmt.Sprintf("keybridge-%d", os.Getuid()))
	}
	if c.Relay.GPGPort == 0 {
		c.Relay.GPGPort = DefaultGPGPort
	}
	if c.Relay.SSHPipe == "" {
		c.Relay.SSHPipe = "//./pipe/openssh-ssh-agent"
	}
	if c.Relay.ProbeTimeout == 0 {
		c.Relay.ProbeTimeout = time.Second
	}
	if c.Touch.CheckInterval == 0 {
		c.Touch.CheckInterval = 2000 * time.Millisecond
	}
	if c.Touch.HangTimeout == 0 {
		c.Touch.HangTimeout = 2000 * time.Millisecond
	}
	if c.Touch.GPGProgram == "" {
		c.Touch.GPGProgram = "gpg-connect-agent"
	}
	if c.Touch.GPGConfProgram == "" {
		c.Touch.GPGConfProgram = "gpgconf"
	}
}

// applyEnvironment applies the KEYBRIDGE_GPG_PORT override.
func (c *Config) applyEnvironment() error {
	if portText := os.Getenv("KEYBRIDGE_GPG_PORT"); portText != "" {
		port, err := strconv.Atoi(portText)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("KEYBRIDGE_GPG_PORT=%q is not a valid port", portText)
		}
		c.Relay.GPGPort = port
	}
	return nil
}
