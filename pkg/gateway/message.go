// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/calink/pkg/ca"
)

// Op identifies a gateway message
type Op uint8

// Requests (client to server)
const (
	OpHello Op = 0x01 + iota
	OpPing
	OpCreateContext
	OpDestroyContext
	OpAddException
	OpCreateChannel
	OpClearChannel
	OpPendIO
	OpFlush
	OpGet
	OpSubscribe
	OpClearSubscription
	OpPut
	OpInfo
)

// Replies and notifications (server to client)
const (
	OpReply Op = 0x80 + iota
	OpPong
	OpConnection
	OpEvent
	OpException
)

var opNames = map[Op]string{
	OpHello:             "HELLO",
	OpPing:              "PING",
	OpCreateContext:     "CREATE_CONTEXT",
	OpDestroyContext:    "DESTROY_CONTEXT",
	OpAddException:      "ADD_EXCEPTION",
	OpCreateChannel:     "CREATE_CHANNEL",
	OpClearChannel:      "CLEAR_CHANNEL",
	OpPendIO:            "PEND_IO",
	OpFlush:             "FLUSH",
	OpGet:               "GET",
	OpSubscribe:         "SUBSCRIBE",
	OpClearSubscription: "CLEAR_SUBSCRIPTION",
	OpPut:               "PUT",
	OpInfo:              "INFO",
	OpReply:             "REPLY",
	OpPong:              "PONG",
	OpConnection:        "CONNECTION",
	OpEvent:             "EVENT",
	OpException:         "EXCEPTION",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(o))
}

// Message is the CBOR body of every frame. Seq pairs a request with its
// reply. Ref is a channel reference and Callback a callback reference,
// both chosen by the client.
type Message struct {
	Op         Op             `cbor:"1,keyasint"`
	Seq        uint64         `cbor:"2,keyasint,omitempty"`
	Ref        uint64         `cbor:"3,keyasint,omitempty"`
	Callback   uint64         `cbor:"4,keyasint,omitempty"`
	Name       string         `cbor:"5,keyasint,omitempty"`
	Type       ca.RequestType `cbor:"6,keyasint"`
	Count      uint32         `cbor:"7,keyasint,omitempty"`
	Mask       ca.EventMask   `cbor:"8,keyasint,omitempty"`
	Status     ca.Status      `cbor:"9,keyasint,omitempty"`
	Up         bool           `cbor:"10,keyasint,omitempty"`
	Value      *WireValue     `cbor:"11,keyasint,omitempty"`
	Put        any            `cbor:"12,keyasint,omitempty"`
	TimeoutMS  uint32         `cbor:"13,keyasint,omitempty"`
	Info       *ChannelInfo   `cbor:"14,keyasint,omitempty"`
	Priority   int            `cbor:"15,keyasint,omitempty"`
	Text       string         `cbor:"16,keyasint,omitempty"`
	Preemptive bool           `cbor:"17,keyasint,omitempty"`
}

// ChannelInfo is the server's answer to the channel queries
type ChannelInfo struct {
	State ca.NativeState `cbor:"1,keyasint"`
	Field ca.FieldType   `cbor:"2,keyasint"`
	Count uint32         `cbor:"3,keyasint"`
	Host  string         `cbor:"4,keyasint,omitempty"`
	Read  bool           `cbor:"5,keyasint,omitempty"`
	Write bool           `cbor:"6,keyasint,omitempty"`
}

// WireMeta carries ca.Metadata
type WireMeta struct {
	Units        string   `cbor:"1,keyasint,omitempty"`
	Precision    int16    `cbor:"2,keyasint,omitempty"`
	UpperDisplay float64  `cbor:"3,keyasint"`
	LowerDisplay float64  `cbor:"4,keyasint"`
	UpperAlarm   float64  `cbor:"5,keyasint"`
	UpperWarning float64  `cbor:"6,keyasint"`
	LowerWarning float64  `cbor:"7,keyasint"`
	LowerAlarm   float64  `cbor:"8,keyasint"`
	UpperControl float64  `cbor:"9,keyasint"`
	LowerControl float64  `cbor:"10,keyasint"`
	EnumStrings  []string `cbor:"11,keyasint,omitempty"`
}

// WireValue carries a ca.Value. Exactly one of the data slices is set,
// selected by Field.
type WireValue struct {
	Field    ca.FieldType `cbor:"1,keyasint"`
	Strings  []string     `cbor:"2,keyasint,omitempty"`
	Ints     []int64      `cbor:"3,keyasint,omitempty"`
	Floats   []float64    `cbor:"4,keyasint,omitempty"`
	Bytes    []byte       `cbor:"5,keyasint,omitempty"`
	Status   int16        `cbor:"6,keyasint,omitempty"`
	Severity int16        `cbor:"7,keyasint,omitempty"`
	StampNS  int64        `cbor:"8,keyasint,omitempty"`
	Meta     *WireMeta    `cbor:"9,keyasint,omitempty"`
}

// EncodeMessage marshals m into a frame payload, the inverse of DecodeMessage
func EncodeMessage(m *Message) ([]byte, error) {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Op, err)
	}
	return payload, nil
}

// frameMessage encodes m and wraps it in a frame ready for the wire
func frameMessage(m *Message) ([]byte, error) {
	payload, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}

// DecodeMessage parses a frame payload
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &m, nil
}

// FromValue converts v for transmission. A nil value yields nil.
func FromValue(v *ca.Value) *WireValue {
	if v == nil {
		return nil
	}

	w := &WireValue{Status: v.Status, Severity: v.Severity}
	if !v.Stamp.IsZero() {
		w.StampNS = v.Stamp.UnixNano()
	}
	switch d := v.Data.(type) {
	case []string:
		w.Field, w.Strings = ca.FieldString, d
	case []int16:
		w.Field, w.Ints = ca.FieldShort, widen(d)
	case []float32:
		w.Field = ca.FieldFloat
		w.Floats = make([]float64, len(d))
		for i, x := range d {
			w.Floats[i] = float64(x)
		}
	case []uint16:
		w.Field, w.Ints = ca.FieldEnum, widen(d)
	case []uint8:
		w.Field, w.Bytes = ca.FieldChar, d
	case []int32:
		w.Field, w.Ints = ca.FieldLong, widen(d)
	case []float64:
		w.Field, w.Floats = ca.FieldDouble, d
	default:
		w.Field = ca.FieldNoAccess
	}

	if m := v.Meta; m != nil {
		w.Meta = &WireMeta{
			Units:        m.Units,
			Precision:    m.Precision,
			UpperDisplay: m.UpperDisplay,
			LowerDisplay: m.LowerDisplay,
			UpperAlarm:   m.UpperAlarm,
			UpperWarning: m.UpperWarning,
			LowerWarning: m.LowerWarning,
			LowerAlarm:   m.LowerAlarm,
			UpperControl: m.UpperControl,
			LowerControl: m.LowerControl,
			EnumStrings:  m.EnumStrings,
		}
	}
	return w
}

func widen[T int16 | uint16 | int32](in []T) []int64 {
	out := make([]int64, len(in))
	for i, x := range in {
		out[i] = int64(x)
	}
	return out
}

func narrow[T int16 | uint16 | int32](in []int64) []T {
	out := make([]T, len(in))
	for i, x := range in {
		out[i] = T(x)
	}
	return out
}

// Value rebuilds the ca.Value. The data slice type follows Field.
func (w *WireValue) Value() *ca.Value {
	if w == nil {
		return nil
	}

	v := &ca.Value{Status: w.Status, Severity: w.Severity}
	if w.StampNS != 0 {
		v.Stamp = time.Unix(0, w.StampNS)
	}
	switch w.Field {
	case ca.FieldString:
		v.Data = nonNil(w.Strings)
	case ca.FieldShort:
		v.Data = narrow[int16](w.Ints)
	case ca.FieldFloat:
		f := make([]float32, len(w.Floats))
		for i, x := range w.Floats {
			f[i] = float32(x)
		}
		v.Data = f
	case ca.FieldEnum:
		v.Data = narrow[uint16](w.Ints)
	case ca.FieldChar:
		v.Data = nonNil(w.Bytes)
	case ca.FieldLong:
		v.Data = narrow[int32](w.Ints)
	case ca.FieldDouble:
		v.Data = nonNil(w.Floats)
	}

	if m := w.Meta; m != nil {
		v.Meta = &ca.Metadata{
			Units:        m.Units,
			Precision:    m.Precision,
			UpperDisplay: m.UpperDisplay,
			LowerDisplay: m.LowerDisplay,
			UpperAlarm:   m.UpperAlarm,
			UpperWarning: m.UpperWarning,
			LowerWarning: m.LowerWarning,
			LowerAlarm:   m.LowerAlarm,
			UpperControl: m.UpperControl,
			LowerControl: m.LowerControl,
			EnumStrings:  m.EnumStrings,
		}
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// PutValue normalises a decoded put payload. CBOR integers arrive as
// uint64 or int64; both become int64, and arrays become []any of
// normalised elements.
func PutValue(v any) any {
	switch x := v.(type) {
	case uint64:
		return int64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = PutValue(e)
		}
		return out
	default:
		return v
	}
}
