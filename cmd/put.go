// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/ca"
)

var putCallback bool

var putCmd = &cobra.Command{
	Use:   "put PV VALUE...",
	Short: "Write a process variable",
	Long: `Write VALUE to PV and print the value read back.

A single value is sent as a string and converted by the server for the
field type, so enum PVs accept their state names. Several values are
written as an array.

With --callback the write waits for the record to finish processing.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolVar(&putCallback, "callback", false, "Wait for record processing to complete")
}

func runPut(cmd *cobra.Command, args []string) error {
	name, values := args[0], args[1:]
	if cmd.Flags().Changed("callback") {
		cfg.WriteWithCallback = putCallback
	}

	sess, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	c, err := sess.connect(name, nil)
	if err != nil {
		return err
	}
	if !c.WriteAccess() {
		return fmt.Errorf("%s: no write access", name)
	}

	field := c.FieldType()
	value, count, err := parsePutValues(values, field)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	t := ca.RequestString
	if count > 0 {
		t = field.Request(ca.FamilyPlain)
	}

	completed := false
	r := c.WriteChannel(func(any, ca.EventArgs) { completed = true }, nil, t, count, value)
	if r != ca.ResultSuccess {
		return fmt.Errorf("%s: write %s (%s)", name, r, c.WriteResult())
	}
	if c.WriteWithCallback() && !completed {
		return fmt.Errorf("%s: write not confirmed within %v", name, cfg.Timeouts.Write)
	}

	line, err := readPV(sess, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}
