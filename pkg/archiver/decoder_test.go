// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package archiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustSample(t *testing.T, pt PayloadType, s SamplePoint) []byte {
	t.Helper()
	b, err := EncodeSample(pt, s)
	require.NoError(t, err)
	return b
}

func testPVHeader() Header {
	return Header{
		Type:   ScalarDouble,
		PVName: "TEST:PV",
		Year:   2024,
		Headers: []FieldValue{
			{Name: "EGU", Value: "mm"},
			{Name: "PREC", Value: "3"},
		},
	}
}

func TestDecode_SingleBlock(t *testing.T) {
	buf := EncodeLines([][]byte{
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{
			SecondsIntoYear: 100,
			Value:           12.5,
			FieldValues: []FieldValue{
				{Name: "HOPR", Value: "100"},
				{Name: "LOPR", Value: "0"},
			},
		}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Precision)
	assert.Equal(t, "TEST:PV", res.PVName)
	assert.Equal(t, "mm", res.Units)
	assert.Equal(t, 100.0, res.DisplayHigh)
	assert.Equal(t, 0.0, res.DisplayLow)
	assert.True(t, res.HasDisplayLimits())
	require.Len(t, res.Samples, 1)
	assert.Equal(t, 12.5, res.Samples[0].Value)
	assert.Equal(t, int32(2024), res.Samples[0].Year)
	assert.Equal(t, uint32(100), res.Samples[0].SecondsIntoYear)
}

func TestDecode_EmptyBuffer(t *testing.T) {
	res := Decode(nil)

	assert.NoError(t, res.Err)
	assert.Empty(t, res.Samples)
	assert.Equal(t, UnsetDisplayHigh, res.DisplayHigh)
	assert.Equal(t, UnsetDisplayLow, res.DisplayLow)
	assert.False(t, res.HasDisplayLimits())
}

func TestDecode_MultipleYearBlocks(t *testing.T) {
	second := testPVHeader()
	second.Year = 2025
	second.Headers = []FieldValue{{Name: "EGU", Value: "m"}, {Name: "PREC", Value: "1"}}

	buf := EncodeLines([][]byte{
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{SecondsIntoYear: 1, Value: 1}),
		mustSample(t, ScalarDouble, SamplePoint{SecondsIntoYear: 2, Value: 2}),
		{},
		EncodeHeader(second),
		mustSample(t, ScalarDouble, SamplePoint{SecondsIntoYear: 3, Value: 3}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	require.Len(t, res.Samples, 3)
	assert.Equal(t, []int32{2024, 2024, 2025}, []int32{res.Samples[0].Year, res.Samples[1].Year, res.Samples[2].Year})
	assert.Equal(t, "mm", res.Units, "units come from the first header only")
	assert.Equal(t, 3, res.Precision, "precision comes from the first header only")
}

func TestDecode_PayloadTypeChangesPerBlock(t *testing.T) {
	first := Header{Type: ScalarShort, PVName: "A", Year: 2024}
	second := Header{Type: ScalarFloat, PVName: "A", Year: 2025}

	buf := EncodeLines([][]byte{
		EncodeHeader(first),
		mustSample(t, ScalarShort, SamplePoint{Value: -7}),
		{},
		EncodeHeader(second),
		mustSample(t, ScalarFloat, SamplePoint{Value: 0.25}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, -7.0, res.Samples[0].Value)
	assert.Equal(t, 0.25, res.Samples[1].Value)
}

func TestDecode_DisplayLimitsFirstWins(t *testing.T) {
	buf := EncodeLines([][]byte{
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{Value: 1}),
		mustSample(t, ScalarDouble, SamplePoint{Value: 2, FieldValues: []FieldValue{{Name: "HOPR", Value: "50"}}}),
		mustSample(t, ScalarDouble, SamplePoint{Value: 3, FieldValues: []FieldValue{
			{Name: "HOPR", Value: "75"},
			{Name: "LOPR", Value: "-5"},
		}}),
		mustSample(t, ScalarDouble, SamplePoint{Value: 4, FieldValues: []FieldValue{{Name: "LOPR", Value: "-10"}}}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	assert.Equal(t, 50.0, res.DisplayHigh)
	assert.Equal(t, -5.0, res.DisplayLow)
	assert.Len(t, res.Samples, 4)
}

func TestDecode_LenientPrecision(t *testing.T) {
	tests := []struct {
		prec     string
		expected int
	}{
		{prec: "4", expected: 4},
		{prec: " 2", expected: 2},
		{prec: "5abc", expected: 5},
		{prec: "abc", expected: 0},
		{prec: "", expected: 0},
		{prec: "-1", expected: -1},
	}

	for _, tt := range tests {
		t.Run(tt.prec, func(t *testing.T) {
			hdr := Header{Type: ScalarDouble, PVName: "A", Year: 2024, Headers: []FieldValue{{Name: "PREC", Value: tt.prec}}}
			res := Decode(EncodeLines([][]byte{EncodeHeader(hdr)}))
			assert.Equal(t, tt.expected, res.Precision)
		})
	}
}

func TestDecode_UnsupportedTypeStops(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDecoder(zap.New(core))

	waveform := Header{Type: WaveformDouble, PVName: "WF", Year: 2024}
	buf := EncodeLines([][]byte{
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{Value: 1}),
		mustSample(t, ScalarDouble, SamplePoint{Value: 2}),
		{},
		EncodeHeader(waveform),
		{0x08, 0x01},
		{},
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{Value: 3}),
	})

	res := d.Decode(buf)

	require.ErrorIs(t, res.Err, ErrUnsupportedType)
	assert.Len(t, res.Samples, 2, "samples before the stop are kept")
	assert.Equal(t, "WF", res.PVName)
	assert.Equal(t, 1, logs.FilterMessage("stopping archiver decode").Len())
}

func TestDecode_NoHeader(t *testing.T) {
	buf := EncodeLines([][]byte{
		mustSample(t, ScalarDouble, SamplePoint{SecondsIntoYear: 5, Nanos: 9, Value: 1}),
	})

	res := Decode(buf)

	require.ErrorIs(t, res.Err, ErrNoHeader)
	assert.Empty(t, res.Samples)
}

func TestDecode_MalformedSampleSkipped(t *testing.T) {
	buf := EncodeLines([][]byte{
		EncodeHeader(testPVHeader()),
		mustSample(t, ScalarDouble, SamplePoint{Value: 1}),
		{0x19, 0x00},
		mustSample(t, ScalarDouble, SamplePoint{Value: 2}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, 2.0, res.Samples[1].Value)
}

func TestDecode_EscapedPayload(t *testing.T) {
	// 0x0A, 0x0D and 0x1B inside the protobuf bytes must survive escaping
	hdr := Header{Type: ScalarInt, PVName: "ESC\n\r\x1b", Year: 2024}
	buf := EncodeLines([][]byte{
		EncodeHeader(hdr),
		mustSample(t, ScalarInt, SamplePoint{SecondsIntoYear: 0x0A0D1B, Value: 0x1B0A}),
	})

	res := Decode(buf)

	require.NoError(t, res.Err)
	assert.Equal(t, hdr.PVName, res.PVName)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, float64(0x1B0A), res.Samples[0].Value)
	assert.Equal(t, uint32(0x0A0D1B), res.Samples[0].SecondsIntoYear)
}

func TestSamplePoint_Time(t *testing.T) {
	s := SamplePoint{Year: 2024, SecondsIntoYear: 86400 + 61, Nanos: 500}

	assert.Equal(t, time.Date(2024, time.January, 2, 0, 1, 1, 500, time.UTC), s.Time())
}
