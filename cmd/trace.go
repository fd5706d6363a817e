// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/gateway"
)

var traceCmd = &cobra.Command{
	Use:   "trace [FILE]",
	Short: "Decode a captured gateway byte stream",
	Long: `Decode gateway frames from a capture file, standard input (-) or, with
--port, a serial line tapped in listen-only mode. Each frame is printed with
its operation and fields. CRC failures and malformed frames are highlighted
and counted.

Exit codes:
  0 - Every frame decoded
  1 - One or more frames were damaged`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
}

// traceStats counts what a trace saw
type traceStats struct {
	Frames     int
	CRCErrors  int
	Malformed  int
	Undecoded  int
	OpCounts   map[gateway.Op]int
	StartTime  time.Time
	FinishTime time.Time
}

func (s *traceStats) damaged() int {
	return s.CRCErrors + s.Malformed + s.Undecoded
}

func runTrace(cmd *cobra.Command, args []string) error {
	var (
		src  io.Reader
		info string
	)
	switch {
	case len(args) == 1 && args[0] == "-":
		src, info = cmd.InOrStdin(), "stdin"
	case len(args) == 1:
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		src, info = f, args[0]
	case cfg.Transport.Port != "":
		port, err := gateway.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud)
		if err != nil {
			return err
		}
		defer port.Close()
		go func() {
			<-cmd.Context().Done()
			_ = port.Close()
		}()
		src, info = port, fmt.Sprintf("Serial: %s @ %d baud", cfg.Transport.Port, cfg.Transport.Baud)
	default:
		return fmt.Errorf("trace needs a capture file, - or --port")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "calink - Gateway Trace\n")
	fmt.Fprintf(out, "Source: %s\n\n", info)

	stats := traceFrames(src, out)
	printTraceStats(out, stats)
	if n := stats.damaged(); n > 0 {
		return fmt.Errorf("%d damaged frames", n)
	}
	return nil
}

// traceFrames prints every frame in r until it ends
func traceFrames(r io.Reader, w io.Writer) *traceStats {
	stats := &traceStats{OpCounts: make(map[gateway.Op]int), StartTime: time.Now()}
	fr := gateway.NewFrameReader(r)

	for {
		payload, err := fr.ReadFrame()
		timestamp := time.Now().Format("15:04:05.000")
		switch {
		case errors.Is(err, gateway.ErrCRCMismatch):
			stats.CRCErrors++
			fmt.Fprintf(w, "[%s] \033[1;31mCRC ERROR:\033[0m %v\n", timestamp, err)
			continue
		case errors.Is(err, gateway.ErrMalformedFrame):
			stats.Malformed++
			fmt.Fprintf(w, "[%s] \033[1;31mMALFORMED FRAME:\033[0m %v\n", timestamp, err)
			continue
		case err != nil:
			stats.FinishTime = time.Now()
			return stats
		}

		stats.Frames++
		msg, err := gateway.DecodeMessage(payload)
		if err != nil {
			stats.Undecoded++
			fmt.Fprintf(w, "[%s] \033[1;33mUNDECODABLE:\033[0m %d bytes: %v\n", timestamp, len(payload), err)
			continue
		}
		stats.OpCounts[msg.Op]++
		fmt.Fprintf(w, "[%s] %s\n", timestamp, describeMessage(msg))
	}
}

// describeMessage lists the fields a message carries
func describeMessage(m *gateway.Message) string {
	parts := []string{m.Op.String()}
	if m.Seq != 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", m.Seq))
	}
	if m.Ref != 0 {
		parts = append(parts, fmt.Sprintf("ref=%d", m.Ref))
	}
	if m.Callback != 0 {
		parts = append(parts, fmt.Sprintf("cb=%d", m.Callback))
	}
	if m.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", m.Name))
	}
	switch m.Op {
	case gateway.OpGet, gateway.OpSubscribe, gateway.OpPut, gateway.OpEvent:
		parts = append(parts, fmt.Sprintf("type=%d", m.Type))
	}
	if m.Count != 0 {
		parts = append(parts, fmt.Sprintf("count=%d", m.Count))
	}
	if m.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%s", m.Status))
	}
	if m.Op == gateway.OpConnection {
		parts = append(parts, fmt.Sprintf("up=%t", m.Up))
	}
	if m.Value != nil {
		parts = append(parts, "value="+formatData(m.Value.Value(), nil))
	}
	if m.Put != nil {
		parts = append(parts, fmt.Sprintf("put=%v", m.Put))
	}
	if m.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", m.Text))
	}
	return strings.Join(parts, " ")
}

func printTraceStats(w io.Writer, s *traceStats) {
	fmt.Fprintf(w, "\n=== Trace Summary ===\n")
	fmt.Fprintf(w, "Duration:    %v\n", s.FinishTime.Sub(s.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "Frames:      %d\n", s.Frames)
	fmt.Fprintf(w, "CRC errors:  %d\n", s.CRCErrors)
	fmt.Fprintf(w, "Malformed:   %d\n", s.Malformed)
	fmt.Fprintf(w, "Undecodable: %d\n", s.Undecoded)

	ops := make([]gateway.Op, 0, len(s.OpCounts))
	for op := range s.OpCounts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		fmt.Fprintf(w, "  %-18s %d\n", op, s.OpCounts[op])
	}
}
