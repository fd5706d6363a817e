// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/calink/pkg/ca"
)

var severityNames = []string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}

var alarmStatusNames = []string{
	"NO_ALARM", "READ", "WRITE", "HIHI", "HIGH", "LOLO", "LOW", "STATE",
	"COS", "COMM", "TIMEOUT", "HWLIMIT", "CALC", "SCAN", "LINK", "SOFT",
	"BAD_SUB", "UDF", "DISABLE", "SIMM", "READ_ACCESS", "WRITE_ACCESS",
}

func severityName(sev int16) string {
	if sev < 0 || int(sev) >= len(severityNames) {
		return fmt.Sprintf("SEVERITY(%d)", sev)
	}
	return severityNames[sev]
}

func alarmStatusName(st int16) string {
	if st < 0 || int(st) >= len(alarmStatusNames) {
		return fmt.Sprintf("STATUS(%d)", st)
	}
	return alarmStatusNames[st]
}

// formatData renders the value's elements. meta supplies enum strings and
// display precision; it may be nil.
func formatData(v *ca.Value, meta *ca.Metadata) string {
	if v == nil {
		return "<no value>"
	}

	var parts []string
	switch d := v.Data.(type) {
	case []string:
		parts = d
	case []uint16:
		for _, x := range d {
			if meta != nil && int(x) < len(meta.EnumStrings) {
				parts = append(parts, meta.EnumStrings[x])
			} else {
				parts = append(parts, strconv.Itoa(int(x)))
			}
		}
	case []uint8:
		// DBF_CHAR waveforms are usually strings
		if s, ok := charString(d); ok {
			return strconv.Quote(s)
		}
		for _, x := range d {
			parts = append(parts, strconv.Itoa(int(x)))
		}
	case []float64:
		for _, x := range d {
			parts = append(parts, formatFloat(x, meta))
		}
	case []float32:
		for _, x := range d {
			parts = append(parts, formatFloat(float64(x), meta))
		}
	default:
		for _, x := range v.Float64s() {
			parts = append(parts, strconv.FormatFloat(x, 'f', -1, 64))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return fmt.Sprintf("[%d] %s", len(parts), strings.Join(parts, " "))
}

func formatFloat(x float64, meta *ca.Metadata) string {
	if meta != nil && meta.Precision > 0 {
		return strconv.FormatFloat(x, 'f', int(meta.Precision), 64)
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// charString returns the NUL terminated printable prefix of b
func charString(b []uint8) (string, bool) {
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
		if c < 0x20 || c > 0x7E {
			return "", false
		}
	}
	if end == 0 {
		return "", false
	}
	return string(b[:end]), true
}

// formatEvent renders one line for a read or monitor update
func formatEvent(name string, ev ca.EventArgs, meta *ca.Metadata) string {
	if ev.Status != ca.StatusNormal {
		return fmt.Sprintf("%-24s %s", name, ev.Status)
	}

	var b strings.Builder
	if v := ev.Value; v != nil && !v.Stamp.IsZero() {
		b.WriteString(v.Stamp.Format("2006-01-02 15:04:05.000 "))
	}
	fmt.Fprintf(&b, "%-24s %s", name, formatData(ev.Value, meta))
	if meta != nil && meta.Units != "" {
		b.WriteString(" " + meta.Units)
	}
	if v := ev.Value; v != nil && v.Severity != 0 {
		fmt.Fprintf(&b, " %s %s", severityName(v.Severity), alarmStatusName(v.Status))
	}
	return b.String()
}

// parsePutValues turns command-line arguments into a put value. A single
// argument stays a string so the server converts it for the field type;
// several arguments become an array for a waveform.
func parsePutValues(args []string, field ca.FieldType) (any, uint32, error) {
	if len(args) == 1 {
		return args[0], 0, nil
	}

	switch field {
	case ca.FieldString, ca.FieldEnum:
		return args, uint32(len(args)), nil
	case ca.FieldDouble, ca.FieldFloat:
		out := make([]float64, len(args))
		for i, a := range args {
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = f
		}
		return out, uint32(len(out)), nil
	default:
		out := make([]int32, len(args))
		for i, a := range args {
			n, err := strconv.ParseInt(a, 0, 32)
			if err != nil {
				return nil, 0, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = int32(n)
		}
		return out, uint32(len(out)), nil
	}
}
