// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/ca"
)

var monitorTUI bool

var monitorCmd = &cobra.Command{
	Use:   "monitor PV...",
	Short: "Monitor process variables",
	Long: `Subscribe to each PV and print every update until interrupted.

The first update of every PV carries its control information (units,
precision, enum strings); later updates carry time stamps and alarms.

With --tui the PVs are shown in a live table. Select a row and press
enter to write a new value.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", false, "Show a live table instead of a log")
}

// pvUpdate is one monitor callback, tagged with its PV
type pvUpdate struct {
	name      string
	event     *ca.EventArgs
	connected *bool
}

// monitorSink receives monitor callbacks from the library goroutine
type monitorSink func(pvUpdate)

// subscribeAll connects and subscribes every PV. PVs that cannot be
// subscribed are reported and skipped.
func subscribeAll(sess *pvSession, names []string, sink monitorSink, errOut io.Writer) map[string]*ca.Connection {
	onConnection := func(parent any, ev ca.ConnectionArgs) {
		up := ev.Up
		sink(pvUpdate{name: parent.(string), connected: &up})
	}
	onEvent := func(parent any, ev ca.EventArgs) {
		sink(pvUpdate{name: parent.(string), event: &ev})
	}

	conns := make(map[string]*ca.Connection)
	for _, name := range names {
		c, err := sess.connect(name, onConnection)
		if err != nil {
			fmt.Fprintln(errOut, err)
			continue
		}
		field := c.FieldType()
		if r := c.EstablishSubscription(onEvent, nil, field.Request(ca.FamilyControl), field.Request(ca.FamilyTime)); r != ca.ResultSuccess {
			fmt.Fprintf(errOut, "%s: subscription %s\n", name, r)
			continue
		}
		conns[name] = c
	}
	return conns
}

func runMonitor(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	if monitorTUI {
		return runMonitorTUI(cmd, sess, args)
	}

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	meta := make(map[string]*ca.Metadata)
	sink := func(u pvUpdate) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case u.connected != nil && !*u.connected:
			fmt.Fprintf(out, "%-24s *** disconnected\n", u.name)
		case u.connected != nil:
			fmt.Fprintf(out, "%-24s *** connected\n", u.name)
		case u.event != nil:
			if v := u.event.Value; v != nil && v.Meta != nil {
				meta[u.name] = v.Meta
			}
			fmt.Fprintln(out, formatEvent(u.name, *u.event, meta[u.name]))
		}
	}

	conns := subscribeAll(sess, args, sink, cmd.ErrOrStderr())
	if len(conns) == 0 {
		return fmt.Errorf("no PV could be monitored")
	}

	<-cmd.Context().Done()
	return nil
}

// teaSink forwards monitor callbacks into a running program
func teaSink(p *tea.Program) monitorSink {
	return func(u pvUpdate) { p.Send(u) }
}
