// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/gateway"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the gateway link with PING round trips",
	Long: `Send PING messages to a calink gateway and wait for PONG.

This is useful for verifying:
  - The serial or WebSocket link is up
  - HTTP Basic authentication works
  - The gateway is processing messages

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenLink(cmd.Context(), cfg.Transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := gateway.NewClient(conn, gateway.WithClientLogger(logger.Named("gateway")))
	defer client.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "calink - Gateway Ping Test\n")
	fmt.Fprintf(out, "Connection: %s\n", connInfo)
	fmt.Fprintf(out, "Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Fprintf(out, "Count: %d pings\n\n", pingCount)

	successCount := 0
	for i := 1; i <= pingCount; i++ {
		fmt.Fprintf(out, "Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(pingTimeout)*time.Second)
		rtt, err := client.Ping(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "FAILED: %v\n", err)
		} else {
			fmt.Fprintf(out, "PONG rtt=%v\n", rtt.Round(time.Microsecond))
			successCount++
		}

		if i < pingCount {
			time.Sleep(time.Second)
		}
	}

	fmt.Fprintf(out, "\nResults: %d/%d successful\n", successCount, pingCount)
	if successCount < pingCount {
		return fmt.Errorf("%d pings failed", pingCount-successCount)
	}
	return nil
}
