// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/calink/pkg/archiver"
)

var (
	archiveFormat string
	archiveOutput string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with Archiver Appliance PB data",
}

var archiveDecodeCmd = &cobra.Command{
	Use:   "decode FILE",
	Short: "Decode a raw PB retrieval response",
	Long: `Decode the raw protobuf stream returned by the Archiver Appliance
retrieval endpoint (format=raw). Use - to read standard input.

Output formats: text, json, cbor, msgpack.

Exit codes:
  0 - Whole stream decoded
  1 - Decoding stopped early (samples before the stop are still printed)`,
	Args: cobra.ExactArgs(1),
	RunE: runArchiveDecode,
}

var archiveEncodeCmd = &cobra.Command{
	Use:   "encode FILE",
	Short: "Build a PB stream from a YAML sample list",
	Long: `Encode the blocks described in a YAML file as an escaped PB stream,
for example:

  blocks:
    - pv: "TEST:PV"
      type: SCALAR_DOUBLE
      year: 2024
      headers: {EGU: degC, PREC: "2"}
      samples:
        - {seconds: 10, value: 1.5}
        - {seconds: 20, value: 2.5, severity: 1, fields: {HOPR: "100"}}`,
	Args: cobra.ExactArgs(1),
	RunE: runArchiveEncode,
}

func init() {
	archiveDecodeCmd.Flags().StringVarP(&archiveFormat, "format", "f", "text", "Output format: text, json, cbor, msgpack")
	archiveEncodeCmd.Flags().StringVarP(&archiveOutput, "output", "o", "", "Output file (default stdout)")
	archiveCmd.AddCommand(archiveDecodeCmd, archiveEncodeCmd)
	rootCmd.AddCommand(archiveCmd)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func runArchiveDecode(cmd *cobra.Command, args []string) error {
	buf, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	res := archiver.NewDecoder(logger.Named("archiver")).Decode(buf)
	if err := writeResult(cmd.OutOrStdout(), archiveFormat, &res); err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("decoding stopped after %d samples: %w", len(res.Samples), res.Err)
	}
	return nil
}

// writeResult renders a decode result in the named format
func writeResult(w io.Writer, format string, res *archiver.Result) error {
	switch format {
	case "text":
		return writeResultText(w, res)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "cbor":
		data, err := cbor.Marshal(res)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "msgpack":
		return msgpack.NewEncoder(w).Encode(res)
	}
	return fmt.Errorf("unknown format %q", format)
}

func writeResultText(w io.Writer, res *archiver.Result) error {
	fmt.Fprintf(w, "PV:         %s\n", res.PVName)
	fmt.Fprintf(w, "Units:      %s\n", res.Units)
	fmt.Fprintf(w, "Precision:  %d\n", res.Precision)
	if res.HasDisplayLimits() {
		fmt.Fprintf(w, "Display:    %g .. %g\n", res.DisplayLow, res.DisplayHigh)
	} else {
		fmt.Fprintf(w, "Display:    (not set)\n")
	}
	fmt.Fprintf(w, "Samples:    %d", len(res.Samples))
	if res.Skipped > 0 {
		fmt.Fprintf(w, " (%d skipped)", res.Skipped)
	}
	fmt.Fprintln(w)

	for _, s := range res.Samples {
		line := fmt.Sprintf("%s  %s",
			s.Time().Format("2006-01-02 15:04:05.000000000"),
			strconv.FormatFloat(s.Value, 'f', res.Precision, 64))
		if s.Severity != 0 || s.Status != 0 {
			line += fmt.Sprintf("  %s %s", severityName(int16(s.Severity)), alarmStatusName(int16(s.Status)))
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// archiveFile is the YAML layout accepted by archive encode
type archiveFile struct {
	Blocks []archiveBlock `yaml:"blocks"`
}

type archiveBlock struct {
	PV      string            `yaml:"pv"`
	Type    string            `yaml:"type"`
	Year    int32             `yaml:"year"`
	Headers map[string]string `yaml:"headers"`
	Samples []archiveSample   `yaml:"samples"`
}

type archiveSample struct {
	Seconds  uint32            `yaml:"seconds"`
	Nanos    uint32            `yaml:"nanos"`
	Value    float64           `yaml:"value"`
	Severity int32             `yaml:"severity"`
	Status   int32             `yaml:"status"`
	Fields   map[string]string `yaml:"fields"`
}

func runArchiveEncode(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	out, err := encodeArchive(data)
	if err != nil {
		return err
	}

	if archiveOutput == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	return os.WriteFile(archiveOutput, out, 0o644)
}

// encodeArchive turns the YAML description into an escaped PB stream
func encodeArchive(data []byte) ([]byte, error) {
	var file archiveFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid archive YAML: %w", err)
	}
	if len(file.Blocks) == 0 {
		return nil, fmt.Errorf("archive YAML has no blocks")
	}

	var lines [][]byte
	for i, b := range file.Blocks {
		pt, err := archiver.ParsePayloadType(b.Type)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if i > 0 {
			lines = append(lines, nil)
		}

		lines = append(lines, archiver.EncodeHeader(archiver.Header{
			Type:    pt,
			PVName:  b.PV,
			Year:    b.Year,
			Headers: fieldValues(b.Headers),
		}))
		for j, s := range b.Samples {
			line, err := archiver.EncodeSample(pt, archiver.SamplePoint{
				SecondsIntoYear: s.Seconds,
				Nanos:           s.Nanos,
				Value:           s.Value,
				Severity:        s.Severity,
				Status:          s.Status,
				FieldValues:     fieldValues(s.Fields),
			})
			if err != nil {
				return nil, fmt.Errorf("block %d sample %d: %w", i, j, err)
			}
			lines = append(lines, line)
		}
	}
	return archiver.EncodeLines(lines), nil
}

// fieldValues orders m by key so output is stable
func fieldValues(m map[string]string) []archiver.FieldValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fvs := make([]archiver.FieldValue, 0, len(keys))
	for _, k := range keys {
		fvs = append(fvs, archiver.FieldValue{Name: k, Value: m[k]})
	}
	return fvs
}
