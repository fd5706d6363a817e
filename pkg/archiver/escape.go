// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package archiver

// Line escaping used by the Archiver Appliance raw PB stream. Each protobuf
// message is escaped so it contains no newline and terminated by one.
const (
	EscapeByte         = 0x1B
	NewlineByte        = 0x0A
	CarriageReturnByte = 0x0D

	escapedEscape         = 0x01
	escapedNewline        = 0x02
	escapedCarriageReturn = 0x03
)

// Unescape splits buf into lines and reverses the escaping of each line.
// A trailing line without a newline is kept when non-empty. An escape
// followed by an unknown code yields the code byte itself; an escape at the
// very end of buf is dropped.
func Unescape(buf []byte) [][]byte {
	var lines [][]byte
	line := make([]byte, 0, 64)

	for i := 0; i < len(buf); i++ {
		b := buf[i]
		switch b {
		case NewlineByte:
			lines = append(lines, line)
			line = make([]byte, 0, 64)
		case EscapeByte:
			i++
			if i >= len(buf) {
				continue
			}
			line = append(line, unescapeCode(buf[i]))
		default:
			line = append(line, b)
		}
	}

	if len(line) > 0 {
		lines = append(lines, line)
	}
	return lines
}

func unescapeCode(code byte) byte {
	switch code {
	case escapedEscape:
		return EscapeByte
	case escapedNewline:
		return NewlineByte
	case escapedCarriageReturn:
		return CarriageReturnByte
	default:
		return code
	}
}

// Escape escapes one line. The result contains no newline or carriage return.
func Escape(line []byte) []byte {
	out := make([]byte, 0, len(line)+len(line)/8)
	for _, b := range line {
		switch b {
		case EscapeByte:
			out = append(out, EscapeByte, escapedEscape)
		case NewlineByte:
			out = append(out, EscapeByte, escapedNewline)
		case CarriageReturnByte:
			out = append(out, EscapeByte, escapedCarriageReturn)
		default:
			out = append(out, b)
		}
	}
	return out
}

// EncodeLines escapes every line and terminates each with a newline.
// An empty line encodes as a bare newline, the block separator.
func EncodeLines(lines [][]byte) []byte {
	var out []byte
	for _, line := range lines {
		out = append(out, Escape(line)...)
		out = append(out, NewlineByte)
	}
	return out
}
