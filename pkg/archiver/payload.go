// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package archiver

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadType is the EPICS::PayloadType enum of a PB block header
type PayloadType int32

// Payload types, in wire order
const (
	ScalarString PayloadType = iota
	ScalarShort
	ScalarFloat
	ScalarEnum
	ScalarByte
	ScalarInt
	ScalarDouble
	WaveformString
	WaveformShort
	WaveformFloat
	WaveformEnum
	WaveformByte
	WaveformInt
	WaveformDouble
	V4GenericBytes
)

var payloadTypeNames = []string{
	"SCALAR_STRING", "SCALAR_SHORT", "SCALAR_FLOAT", "SCALAR_ENUM", "SCALAR_BYTE",
	"SCALAR_INT", "SCALAR_DOUBLE", "WAVEFORM_STRING", "WAVEFORM_SHORT", "WAVEFORM_FLOAT",
	"WAVEFORM_ENUM", "WAVEFORM_BYTE", "WAVEFORM_INT", "WAVEFORM_DOUBLE", "V4_GENERIC_BYTES",
}

func (t PayloadType) String() string {
	if t < 0 || int(t) >= len(payloadTypeNames) {
		return fmt.Sprintf("PAYLOAD_TYPE(%d)", int32(t))
	}
	return payloadTypeNames[t]
}

// ParsePayloadType accepts the wire names returned by String
func ParsePayloadType(name string) (PayloadType, error) {
	for i, n := range payloadTypeNames {
		if n == name {
			return PayloadType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown payload type %q", name)
}

// Supported reports whether samples of t can be decoded
func (t PayloadType) Supported() bool {
	switch t {
	case ScalarShort, ScalarEnum, ScalarFloat, ScalarDouble, ScalarInt:
		return true
	}
	return false
}

// Decoding errors
var (
	ErrNotHeader       = errors.New("line is not a payload header")
	ErrNoHeader        = errors.New("sample line before any payload header")
	ErrUnsupportedType = errors.New("unsupported payload type")
	ErrMalformedSample = errors.New("malformed sample")
)

// PayloadInfo field numbers
const (
	headerFieldType         protowire.Number = 1
	headerFieldPVName       protowire.Number = 2
	headerFieldYear         protowire.Number = 3
	headerFieldElementCount protowire.Number = 4
	headerFieldHeaders      protowire.Number = 15
)

// Scalar sample field numbers
const (
	sampleFieldSeconds      protowire.Number = 1
	sampleFieldNano         protowire.Number = 2
	sampleFieldVal          protowire.Number = 3
	sampleFieldSeverity     protowire.Number = 4
	sampleFieldStatus       protowire.Number = 5
	sampleFieldRepeatCount  protowire.Number = 6
	sampleFieldFieldValues  protowire.Number = 7
	sampleFieldActualChange protowire.Number = 8
)

// FieldValue is a name/value pair attached to a header or sample
type FieldValue struct {
	Name  string `json:"name" msgpack:"name"`
	Value string `json:"val" msgpack:"val"`
}

// Header is the PayloadInfo message opening each per-PV, per-year block
type Header struct {
	Type         PayloadType
	PVName       string
	Year         int32
	ElementCount int32
	Headers      []FieldValue
}

// Field returns the value of the named header field
func (h Header) Field(name string) (string, bool) {
	return lookupField(h.Headers, name)
}

// SamplePoint is one decoded scalar sample. Year comes from the enclosing header.
type SamplePoint struct {
	Year              int32        `json:"year" msgpack:"year"`
	SecondsIntoYear   uint32       `json:"secondsintoyear" msgpack:"secondsintoyear"`
	Nanos             uint32       `json:"nano" msgpack:"nano"`
	Value             float64      `json:"val" msgpack:"val"`
	Severity          int32        `json:"severity" msgpack:"severity"`
	Status            int32        `json:"status" msgpack:"status"`
	RepeatCount       uint32       `json:"repeatcount,omitempty" msgpack:"repeatcount,omitempty"`
	FieldValues       []FieldValue `json:"fieldvalues,omitempty" msgpack:"fieldvalues,omitempty"`
	FieldActualChange bool         `json:"fieldactualchange,omitempty" msgpack:"fieldactualchange,omitempty"`
}

// Time returns the sample timestamp in UTC
func (s SamplePoint) Time() time.Time {
	start := time.Date(int(s.Year), time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration(s.SecondsIntoYear)*time.Second + time.Duration(s.Nanos))
}

// Field returns the value of the named sample field
func (s SamplePoint) Field(name string) (string, bool) {
	return lookupField(s.FieldValues, name)
}

func lookupField(fields []FieldValue, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// ParseHeader decodes a PayloadInfo line. Lines that are not well-formed
// protobuf, use the wrong wire type for a known field, or lack a PV name
// return ErrNotHeader.
func ParseHeader(line []byte) (Header, error) {
	var h Header
	b := line
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, fmt.Errorf("%w: %v", ErrNotHeader, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == headerFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: type: %v", ErrNotHeader, protowire.ParseError(n))
			}
			h.Type = PayloadType(int32(v))
			b = b[n:]
		case num == headerFieldPVName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: pvname: %v", ErrNotHeader, protowire.ParseError(n))
			}
			h.PVName = v
			b = b[n:]
		case num == headerFieldYear && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: year: %v", ErrNotHeader, protowire.ParseError(n))
			}
			h.Year = int32(v)
			b = b[n:]
		case num == headerFieldElementCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: elementCount: %v", ErrNotHeader, protowire.ParseError(n))
			}
			h.ElementCount = int32(v)
			b = b[n:]
		case num == headerFieldHeaders && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: headers: %v", ErrNotHeader, protowire.ParseError(n))
			}
			fv, err := parseFieldValue(v)
			if err != nil {
				return Header{}, fmt.Errorf("%w: %v", ErrNotHeader, err)
			}
			h.Headers = append(h.Headers, fv)
			b = b[n:]
		case num <= headerFieldElementCount || num == headerFieldHeaders:
			return Header{}, fmt.Errorf("%w: field %d has wire type %d", ErrNotHeader, num, typ)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: field %d: %v", ErrNotHeader, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if h.PVName == "" {
		return Header{}, fmt.Errorf("%w: no pvname", ErrNotHeader)
	}
	return h, nil
}

func parseFieldValue(b []byte) (FieldValue, error) {
	var fv FieldValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return FieldValue{}, protowire.ParseError(n)
		}
		b = b[n:]

		if (num == 1 || num == 2) && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return FieldValue{}, protowire.ParseError(n)
			}
			if num == 1 {
				fv.Name = v
			} else {
				fv.Value = v
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return FieldValue{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return fv, nil
}

// ParseSample decodes a scalar sample line of payload type t
func ParseSample(t PayloadType, line []byte) (SamplePoint, error) {
	if !t.Supported() {
		return SamplePoint{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}

	var s SamplePoint
	b := line
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SamplePoint{}, fmt.Errorf("%w: %v", ErrMalformedSample, protowire.ParseError(n))
		}
		b = b[n:]

		if num == sampleFieldVal {
			v, n, err := consumeValue(t, typ, b)
			if err != nil {
				return SamplePoint{}, err
			}
			s.Value = v
			b = b[n:]
			continue
		}

		if num == sampleFieldFieldValues && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SamplePoint{}, fmt.Errorf("%w: fieldvalues: %v", ErrMalformedSample, protowire.ParseError(n))
			}
			fv, err := parseFieldValue(v)
			if err != nil {
				return SamplePoint{}, fmt.Errorf("%w: fieldvalues: %v", ErrMalformedSample, err)
			}
			s.FieldValues = append(s.FieldValues, fv)
			b = b[n:]
			continue
		}

		if num >= sampleFieldSeconds && num <= sampleFieldActualChange && num != sampleFieldFieldValues {
			if typ != protowire.VarintType {
				return SamplePoint{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedSample, num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SamplePoint{}, fmt.Errorf("%w: field %d: %v", ErrMalformedSample, num, protowire.ParseError(n))
			}
			switch num {
			case sampleFieldSeconds:
				s.SecondsIntoYear = uint32(v)
			case sampleFieldNano:
				s.Nanos = uint32(v)
			case sampleFieldSeverity:
				s.Severity = int32(v)
			case sampleFieldStatus:
				s.Status = int32(v)
			case sampleFieldRepeatCount:
				s.RepeatCount = uint32(v)
			case sampleFieldActualChange:
				s.FieldActualChange = protowire.DecodeBool(v)
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return SamplePoint{}, fmt.Errorf("%w: field %d: %v", ErrMalformedSample, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return s, nil
}

// consumeValue reads the val field using the wire encoding of payload type t
func consumeValue(t PayloadType, typ protowire.Type, b []byte) (float64, int, error) {
	switch t {
	case ScalarShort, ScalarEnum:
		if typ != protowire.VarintType {
			break
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: val: %v", ErrMalformedSample, protowire.ParseError(n))
		}
		return float64(int32(protowire.DecodeZigZag(v))), n, nil
	case ScalarFloat:
		if typ != protowire.Fixed32Type {
			break
		}
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: val: %v", ErrMalformedSample, protowire.ParseError(n))
		}
		return float64(math.Float32frombits(v)), n, nil
	case ScalarInt:
		if typ != protowire.Fixed32Type {
			break
		}
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: val: %v", ErrMalformedSample, protowire.ParseError(n))
		}
		return float64(int32(v)), n, nil
	case ScalarDouble:
		if typ != protowire.Fixed64Type {
			break
		}
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: val: %v", ErrMalformedSample, protowire.ParseError(n))
		}
		return math.Float64frombits(v), n, nil
	}
	return 0, 0, fmt.Errorf("%w: val of %s has wire type %d", ErrMalformedSample, t, typ)
}

// EncodeHeader encodes h as a PayloadInfo message (unescaped)
func EncodeHeader(h Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, headerFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(h.Type)))
	b = protowire.AppendTag(b, headerFieldPVName, protowire.BytesType)
	b = protowire.AppendString(b, h.PVName)
	b = protowire.AppendTag(b, headerFieldYear, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(h.Year)))
	if h.ElementCount != 0 {
		b = protowire.AppendTag(b, headerFieldElementCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(h.ElementCount)))
	}
	for _, fv := range h.Headers {
		b = protowire.AppendTag(b, headerFieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFieldValue(fv))
	}
	return b
}

func encodeFieldValue(fv FieldValue) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, fv.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, fv.Value)
	return b
}

// EncodeSample encodes s as a scalar sample of payload type t (unescaped).
// Required fields are always written; optional ones only when set.
func EncodeSample(t PayloadType, s SamplePoint) ([]byte, error) {
	if !t.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}

	var b []byte
	b = protowire.AppendTag(b, sampleFieldSeconds, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.SecondsIntoYear))
	b = protowire.AppendTag(b, sampleFieldNano, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Nanos))

	switch t {
	case ScalarShort, ScalarEnum:
		b = protowire.AppendTag(b, sampleFieldVal, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(int32(s.Value))))
	case ScalarFloat:
		b = protowire.AppendTag(b, sampleFieldVal, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(s.Value)))
	case ScalarInt:
		b = protowire.AppendTag(b, sampleFieldVal, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(int32(s.Value)))
	case ScalarDouble:
		b = protowire.AppendTag(b, sampleFieldVal, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(s.Value))
	}

	if s.Severity != 0 {
		b = protowire.AppendTag(b, sampleFieldSeverity, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(s.Severity)))
	}
	if s.Status != 0 {
		b = protowire.AppendTag(b, sampleFieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(s.Status)))
	}
	if s.RepeatCount != 0 {
		b = protowire.AppendTag(b, sampleFieldRepeatCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.RepeatCount))
	}
	for _, fv := range s.FieldValues {
		b = protowire.AppendTag(b, sampleFieldFieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFieldValue(fv))
	}
	if s.FieldActualChange {
		b = protowire.AppendTag(b, sampleFieldActualChange, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}
