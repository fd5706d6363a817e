// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/config"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	simPath    string
	configPath string
	logLevel   string

	// Resolved before every command runs
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "calink",
	Short: "Channel Access link tool",
	Long: `calink - read, write and monitor EPICS process variables.

PVs are reached either through the built-in simulator or through a calink
gateway:

  Simulator: --sim pvs.yaml
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the CALINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Defaults for every flag may be kept in a YAML file given with --config.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&simPath, "sim", "", "Serve PVs from a simulated database (YAML)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadSettings reads the config file and lets explicitly set flags win
func loadSettings(cmd *cobra.Command, _ []string) error {
	loaded := config.Default()
	if configPath != "" {
		var err error
		if loaded, err = config.Load(configPath); err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		loaded.Transport.Port = portName
	}
	if flags.Changed("baud") {
		loaded.Transport.Baud = baudRate
	}
	if flags.Changed("url") {
		loaded.Transport.URL = wsURL
	}
	if flags.Changed("username") {
		loaded.Transport.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		loaded.Transport.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("sim") {
		loaded.Database = simPath
	}
	if flags.Changed("log-level") {
		loaded.LogLevel = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	// serve runs unattended and logs JSON; everything else is interactive
	l, err := newLogger(loaded.LogLevel, cmd.Name() == "serve")
	if err != nil {
		return err
	}
	cfg = loaded
	logger = l
	return nil
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
