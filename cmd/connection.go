// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/calink/pkg/ca"
	"github.com/Thermoquad/calink/pkg/casim"
	"github.com/Thermoquad/calink/pkg/config"
	"github.com/Thermoquad/calink/pkg/gateway"
)

// GetPassword retrieves password from the config, the environment or a prompt
func GetPassword(link config.Link) (string, error) {
	if link.Password != "" {
		return link.Password, nil
	}
	if pw := os.Getenv("CALINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenLink opens either a serial or WebSocket stream to a gateway
func OpenLink(ctx context.Context, link config.Link) (io.ReadWriteCloser, string, error) {
	if link.URL != "" {
		password := ""
		if link.Username != "" {
			var err error
			if password, err = GetPassword(link); err != nil {
				return nil, "", err
			}
		}

		conn, err := gateway.DialWebSocket(ctx, link.URL, gateway.DialOptions{
			Username:      link.Username,
			Password:      password,
			SkipSSLVerify: link.NoSSLVerify,
		})
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", link.URL), nil
	}

	if link.Port != "" {
		conn, err := gateway.OpenSerial(link.Port, link.Baud)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", link.Port, link.Baud), nil
	}

	return nil, "", fmt.Errorf("one of --sim, --port or --url must be specified")
}

// library is an opened client library and how to let go of it
type library struct {
	ca.Library
	info   string
	client *gateway.Client
}

func (l *library) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

// openLibrary picks the simulator when a database is configured and a
// gateway client otherwise
func openLibrary(ctx context.Context) (*library, error) {
	if cfg.Database != "" {
		db, err := casim.LoadDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		sim := casim.NewLibrary(db, casim.WithLogger(logger.Named("casim")))
		return &library{Library: sim, info: fmt.Sprintf("Simulator: %s (%d PVs)", cfg.Database, len(db.Names()))}, nil
	}

	conn, info, err := OpenLink(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}
	client := gateway.NewClient(conn,
		gateway.WithClientLogger(logger.Named("gateway")),
		gateway.WithCallTimeout(cfg.Timeouts.Search+cfg.Timeouts.Read))

	session, err := client.Hello(ctx, "calink "+rootCmd.Version)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gateway handshake failed: %w", err)
	}
	logger.Debug("gateway session", zap.String("session", session))
	return &library{Library: client, client: client, info: info}, nil
}
