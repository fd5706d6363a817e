// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/ca"
)

var getCmd = &cobra.Command{
	Use:   "get PV...",
	Short: "Read process variables once",
	Long: `Read each PV once with its control information and print the value,
engineering units and alarm state.

Exit codes:
  0 - All PVs read
  1 - One or more PVs could not be read`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	failed := 0
	for _, name := range args {
		line, err := readPV(sess, name)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			failed++
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d PVs could not be read", failed, len(args))
	}
	return nil
}

// readPV reads name with control metadata and time stamp
func readPV(sess *pvSession, name string) (string, error) {
	c, err := sess.connect(name, nil)
	if err != nil {
		return "", err
	}

	field := c.FieldType()
	var ctrl, timed ca.EventArgs
	var gotCtrl, gotTime bool
	// DBR_CTRL carries the metadata, DBR_TIME the stamp
	if r := c.ReadChannel(func(_ any, ev ca.EventArgs) { ctrl, gotCtrl = ev, true }, nil, field.Request(ca.FamilyControl)); r != ca.ResultSuccess {
		return "", fmt.Errorf("%s: read %s", name, r)
	}
	if r := c.ReadChannel(func(_ any, ev ca.EventArgs) { timed, gotTime = ev, true }, nil, field.Request(ca.FamilyTime)); r != ca.ResultSuccess {
		return "", fmt.Errorf("%s: read %s", name, r)
	}
	if !gotCtrl || !gotTime {
		return "", fmt.Errorf("%s: no reply within %v", name, cfg.Timeouts.Read)
	}

	var meta *ca.Metadata
	if ctrl.Value != nil {
		meta = ctrl.Value.Meta
	}
	return formatEvent(name, timed, meta), nil
}
