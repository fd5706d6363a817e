// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/ca"
)

var infoCmd = &cobra.Command{
	Use:   "info PV...",
	Short: "Show channel information",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connection: %s\n\n", sess.lib.info)
	for _, name := range args {
		c, err := sess.connect(name, nil)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			continue
		}
		printInfo(cmd.OutOrStdout(), name, c)
	}
	return nil
}

func printInfo(w io.Writer, name string, c *ca.Connection) {
	field := c.FieldType()
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "    State:         %s\n", c.ChannelState())
	fmt.Fprintf(w, "    Host:          %s\n", c.HostName())
	fmt.Fprintf(w, "    Access:        %s\n", accessString(c.ReadAccess(), c.WriteAccess()))
	fmt.Fprintf(w, "    Native type:   %s\n", field)
	fmt.Fprintf(w, "    Element count: %d\n", c.ElementCount())
	fmt.Fprintf(w, "    Type code:     %d\n", c.ChannelType())
}

func accessString(read, write bool) string {
	switch {
	case read && write:
		return "read, write"
	case read:
		return "read only"
	case write:
		return "write only"
	default:
		return "no access"
	}
}
