// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package archiver

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// newFuzzRng seeds from FUZZ_SEED or the clock and logs the seed
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomLine favours the escaped bytes so they appear in combination
func randomLine(rng *rand.Rand) []byte {
	special := []byte{EscapeByte, NewlineByte, CarriageReturnByte, escapedEscape, escapedNewline, escapedCarriageReturn}
	line := make([]byte, rng.Intn(64)+1)
	for i := range line {
		if rng.Intn(3) == 0 {
			line[i] = special[rng.Intn(len(special))]
		} else {
			line[i] = byte(rng.Intn(256))
		}
	}
	return line
}

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{name: "plain", input: []byte{0x41, 0x42}, expected: []byte{0x41, 0x42}},
		{name: "escape byte", input: []byte{0x1B}, expected: []byte{0x1B, 0x01}},
		{name: "newline", input: []byte{0x0A}, expected: []byte{0x1B, 0x02}},
		{name: "carriage return", input: []byte{0x0D}, expected: []byte{0x1B, 0x03}},
		{name: "codes are not escaped", input: []byte{0x01, 0x02, 0x03}, expected: []byte{0x01, 0x02, 0x03}},
		{
			name:     "combination",
			input:    []byte{0x1B, 0x0A, 0x0D, 0x1B},
			expected: []byte{0x1B, 0x01, 0x1B, 0x02, 0x1B, 0x03, 0x1B, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Escape(tt.input))
		})
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected [][]byte
	}{
		{name: "empty", input: nil, expected: nil},
		{name: "single line", input: []byte{0x41, 0x0A}, expected: [][]byte{{0x41}}},
		{name: "unterminated line", input: []byte{0x41, 0x42}, expected: [][]byte{{0x41, 0x42}}},
		{name: "blank separator", input: []byte{0x41, 0x0A, 0x0A, 0x42, 0x0A}, expected: [][]byte{{0x41}, {}, {0x42}}},
		{name: "escape codes", input: []byte{0x1B, 0x01, 0x1B, 0x02, 0x1B, 0x03, 0x0A}, expected: [][]byte{{0x1B, 0x0A, 0x0D}}},
		{name: "unknown code passes through", input: []byte{0x1B, 0x7F, 0x0A}, expected: [][]byte{{0x7F}}},
		{name: "escaped newline code is not a terminator", input: []byte{0x1B, 0x0A, 0x41}, expected: [][]byte{{0x0A, 0x41}}},
		{name: "dangling escape", input: []byte{0x41, 0x1B}, expected: [][]byte{{0x41}}},
		{name: "raw carriage return kept", input: []byte{0x0D, 0x0A}, expected: [][]byte{{0x0D}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Unescape(tt.input))
		})
	}
}

func TestEscapeRoundTrip_Random(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		line := randomLine(rng)
		escaped := Escape(line)

		assert.False(t, bytes.ContainsAny(escaped, "\n\r"), "escaped line must not contain line breaks")

		lines := Unescape(escaped)
		require.Len(t, lines, 1)
		require.Equal(t, line, lines[0], "round %d", i)
	}
}

func TestEncodeLinesRoundTrip_Random(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		lines := make([][]byte, rng.Intn(8)+1)
		for j := range lines {
			if rng.Intn(4) == 0 {
				lines[j] = []byte{}
			} else {
				lines[j] = randomLine(rng)
			}
		}
		require.Equal(t, lines, Unescape(EncodeLines(lines)), "round %d", i)
	}
}

func FuzzEscapeRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x1B, 0x0A, 0x0D})
	f.Add([]byte{0x1B, 0x01, 0x1B, 0x02})
	f.Add([]byte("TEST:PV"))

	f.Fuzz(func(t *testing.T, s []byte) {
		lines := Unescape(Escape(s))
		if len(s) == 0 {
			if len(lines) != 0 {
				t.Fatalf("empty input produced %d lines", len(lines))
			}
			return
		}
		if len(lines) != 1 || !bytes.Equal(lines[0], s) {
			t.Fatalf("round trip mismatch: %x -> %x", s, lines)
		}
	})
}

func FuzzDecode(f *testing.F) {
	f.Add(EncodeLines([][]byte{EncodeHeader(Header{Type: ScalarDouble, PVName: "A", Year: 2024})}))
	f.Add([]byte{0x1B})
	f.Add([]byte{0x0A, 0x0A, 0x08, 0x06})

	f.Fuzz(func(t *testing.T, buf []byte) {
		res := Decode(buf)
		if res.Err == nil && len(res.Samples) > 0 && res.PVName == "" {
			t.Fatalf("samples decoded without a header")
		}
	})
}
