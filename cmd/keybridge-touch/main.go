// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// keybridge-touch is the Windows-side watcher: it polls the GPG
// agent's card status, notifies the user when the hardware key wants
// a touch, and restarts the agent stack when it wedges.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/keybridge/keybridge/agentproc"
	"github.com/keybridge/keybridge/lib/clock"
	"github.com/keybridge/keybridge/lib/config"
	"github.com/keybridge/keybridge/lib/lockfile"
	"github.com/keybridge/keybridge/lib/process"
	"github.com/keybridge/keybridge/lib/version"
	"github.com/keybridge/keybridge/touch"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := pflag.String("config", "", "config file path (overrides KEYBRIDGE_CONFIG)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	checkInterval := pflag.Duration("check-interval", 0, "polling interval (default: 2s)")
	hangTimeout := pflag.Duration("hang-timeout", 0, "probe hang timeout before touch classification (default: 2s)")
	gpgProgram := pflag.String("gpg-program", "", "gpg-connect-agent executable")
	gpgconfProgram := pflag.String("gpgconf-program", "", "gpgconf executable")
	bridgeExe := pflag.String("bridge-exe", "", "GPG bridge executable to supervise")
	bridgeArgs := pflag.StringSlice("bridge-args", nil, "arguments for the bridge executable")
	registerStartup := pflag.Bool("register", false,
		"register the watcher to launch at login, then exit")
	unregisterStartup := pflag.Bool("unregister", false,
		"remove the login-launch registration, then exit")
	stopAll := pflag.Bool("stop-all", false,
		"ask every running watcher to exit, then exit")
	send := pflag.String("send", "",
		"send a command (stop, resume, restart, status, exit) to the running watcher, then exit")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("keybridge-touch %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	switch {
	case *registerStartup:
		commandLine := os.Args[0]
		if *configPath != "" {
			commandLine += " --config " + *configPath
		}
		if err := touch.RegisterStartup(commandLine); err != nil {
			return err
		}
		logger.Info("startup registration added")
		return nil
	case *unregisterStartup:
		if err := touch.UnregisterStartup(); err != nil {
			return err
		}
		logger.Info("startup registration removed")
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Flags override config.
	if *checkInterval > 0 {
		cfg.Touch.CheckInterval = *checkInterval
	}
	if *hangTimeout > 0 {
		cfg.Touch.HangTimeout = *hangTimeout
	}
	if *gpgProgram != "" {
		cfg.Touch.GPGProgram = *gpgProgram
	}
	if *gpgconfProgram != "" {
		cfg.Touch.GPGConfProgram = *gpgconfProgram
	}
	if *bridgeExe != "" {
		cfg.Touch.BridgeExe = *bridgeExe
	}
	if len(*bridgeArgs) > 0 {
		cfg.Touch.BridgeArgs = *bridgeArgs
	}
	runtimeDir := cfg.Relay.RuntimeDir

	if *stopAll {
		stopped := touch.StopAllInstances(runtimeDir, logger)
		logger.Info("instances stopped", "count", stopped)
		return nil
	}
	if *send != "" {
		return sendToRunningInstance(runtimeDir, *send)
	}

	// Exactly one watcher per runtime dir: ask older instances to
	// exit, then take the instance lock.
	touch.StopAllInstances(runtimeDir, logger)
	instanceLock, err := lockfile.NewInstanceLock(filepath.Join(runtimeDir, "touch", "watcher.lock"))
	if err != nil {
		return err
	}
	acquired, err := instanceLock.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("another watcher holds %s", instanceLock.Path())
	}
	defer instanceLock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	supervisor := &agentproc.Supervisor{
		GPGConnectProgram: cfg.Touch.GPGProgram,
		GPGConfProgram:    cfg.Touch.GPGConfProgram,
		BridgeExe:         cfg.Touch.BridgeExe,
		BridgeArgs:        cfg.Touch.BridgeArgs,
		Clock:             realClock,
		Logger:            logger,
	}
	defer supervisor.Close()

	machine := &touch.Machine{
		Prober: &touch.CardProber{
			Program:     cfg.Touch.GPGProgram,
			Args:        []string{"scd getinfo card_list", "/bye"},
			HangTimeout: cfg.Touch.HangTimeout,
			Clock:       realClock,
			Logger:      logger,
		},
		Controller:    supervisor,
		Notifier:      &touch.LogNotifier{Logger: logger},
		Clock:         realClock,
		Logger:        logger,
		CheckInterval: cfg.Touch.CheckInterval,
	}

	controlServer := &touch.ControlServer{
		Machine:    machine,
		SocketPath: touch.ControlSocketPath(runtimeDir),
		Logger:     logger,
	}
	if err := controlServer.Start(ctx); err != nil {
		return err
	}
	defer controlServer.Stop()

	if err := machine.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
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

// sendToRunningInstance forwards one control action to every live
// watcher under runtimeDir.
func sendToRunningInstance(runtimeDir, action string) error {
	pattern := filepath.Join(touch.ControlSocketDir(runtimeDir), "control-*.sock")
	sockets, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(sockets) == 0 {
		return fmt.Errorf("no running watcher found under %s", runtimeDir)
	}

	var delivered int
	var failures []string
	for _, socketPath := range sockets {
		response, err := touch.SendControl(socketPath, action)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if !response.OK {
			return fmt.Errorf("watcher rejected %q: %s", action, response.Error)
		}
		fmt.Printf("%s: state=%s\n", filepath.Base(socketPath), response.State)
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no watcher answered: %s", strings.Join(failures, "; "))
	}
	return nil
}
