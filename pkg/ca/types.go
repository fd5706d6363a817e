// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ca provides the Channel Access connection layer used by calink.
//
// A Connection owns one channel on a CA client library and drives it through
// context, channel and subscription establishment. The client library itself
// is abstracted by the Library interface so the same connection logic runs
// against the in-process simulator (pkg/casim) or a remote gateway
// (pkg/gateway).
package ca

import (
	"fmt"
	"time"
)

// ChanID is an opaque channel handle issued by a Library. Zero is the null handle.
type ChanID uint64

// EventID is an opaque subscription handle issued by a Library. Zero is the null handle.
type EventID uint64

// Status mirrors the client library ECA_* completion codes
type Status int

// Completion codes
const (
	StatusNormal Status = iota + 1
	StatusTimeout
	StatusDisconnected
	StatusBadChannel
	StatusBadType
	StatusBadCount
	StatusNoReadAccess
	StatusNoWriteAccess
	StatusAllocMem
	StatusEventDisallowed
	StatusBadContext
	StatusPutFailed
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "ECA_NORMAL"
	case StatusTimeout:
		return "ECA_TIMEOUT"
	case StatusDisconnected:
		return "ECA_DISCONN"
	case StatusBadChannel:
		return "ECA_BADCHID"
	case StatusBadType:
		return "ECA_BADTYPE"
	case StatusBadCount:
		return "ECA_BADCOUNT"
	case StatusNoReadAccess:
		return "ECA_NORDACCESS"
	case StatusNoWriteAccess:
		return "ECA_NOWTACCESS"
	case StatusAllocMem:
		return "ECA_ALLOCMEM"
	case StatusEventDisallowed:
		return "ECA_EVDISALLOW"
	case StatusBadContext:
		return "ECA_BADCONTEXT"
	case StatusPutFailed:
		return "ECA_PUTFAIL"
	default:
		return fmt.Sprintf("ECA_UNKNOWN(%d)", int(s))
	}
}

// NativeState is the channel state reported by the client library (cs_*)
type NativeState int

// Native channel states
const (
	NativeNeverConnected NativeState = iota
	NativePreviouslyConnected
	NativeConnected
	NativeClosed
)

// FieldType is the server-side field type of a channel (DBF_*)
type FieldType int

// Field types
const (
	FieldString FieldType = iota
	FieldShort
	FieldFloat
	FieldEnum
	FieldChar
	FieldLong
	FieldDouble
	FieldNoAccess
)

var fieldTypeNames = []string{"DBF_STRING", "DBF_SHORT", "DBF_FLOAT", "DBF_ENUM", "DBF_CHAR", "DBF_LONG", "DBF_DOUBLE", "DBF_NO_ACCESS"}

func (f FieldType) String() string {
	if f < 0 || int(f) >= len(fieldTypeNames) {
		return fmt.Sprintf("DBF_UNKNOWN(%d)", int(f))
	}
	return fieldTypeNames[f]
}

// RequestFamily selects how much metadata accompanies a value
type RequestFamily int

// Request families, in DBR numbering order
const (
	FamilyPlain RequestFamily = iota
	FamilyStatus
	FamilyTime
	FamilyGraphic
	FamilyControl
)

// RequestType is a client request type (DBR_*). Request types are numbered
// family*7 + field type, matching the db_access.h layout.
type RequestType int

// Commonly used request types
const (
	RequestString RequestType = iota
	RequestShort
	RequestFloat
	RequestEnum
	RequestChar
	RequestLong
	RequestDouble
)

// Status, time, graphic and control variants of the double and enum types
const (
	RequestStsDouble  = RequestType(int(FamilyStatus)*7 + int(FieldDouble))
	RequestTimeString = RequestType(int(FamilyTime)*7 + int(FieldString))
	RequestTimeEnum   = RequestType(int(FamilyTime)*7 + int(FieldEnum))
	RequestTimeLong   = RequestType(int(FamilyTime)*7 + int(FieldLong))
	RequestTimeDouble = RequestType(int(FamilyTime)*7 + int(FieldDouble))
	RequestGrDouble   = RequestType(int(FamilyGraphic)*7 + int(FieldDouble))
	RequestCtrlEnum   = RequestType(int(FamilyControl)*7 + int(FieldEnum))
	RequestCtrlLong   = RequestType(int(FamilyControl)*7 + int(FieldLong))
	RequestCtrlDouble = RequestType(int(FamilyControl)*7 + int(FieldDouble))
)

const requestTypeLast = RequestType(int(FamilyControl)*7 + int(FieldDouble))

// Valid reports whether t is a known request type
func (t RequestType) Valid() bool {
	return t >= 0 && t <= requestTypeLast
}

// Field returns the field type carried by the request
func (t RequestType) Field() FieldType {
	if !t.Valid() {
		return FieldNoAccess
	}
	return FieldType(int(t) % 7)
}

// Family returns the metadata family of the request
func (t RequestType) Family() RequestFamily {
	if !t.Valid() {
		return FamilyPlain
	}
	return RequestFamily(int(t) / 7)
}

func (t RequestType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("DBR_UNKNOWN(%d)", int(t))
	}
	prefix := [...]string{"DBR_", "DBR_STS_", "DBR_TIME_", "DBR_GR_", "DBR_CTRL_"}[t.Family()]
	return prefix + fieldTypeNames[t.Field()][len("DBF_"):]
}

// Request returns the request type for this field in the given family.
// Returns -1 for DBF_NO_ACCESS or unknown field types.
func (f FieldType) Request(family RequestFamily) RequestType {
	if f < 0 || f >= FieldNoAccess || family < FamilyPlain || family > FamilyControl {
		return -1
	}
	return RequestType(int(family)*7 + int(f))
}

// EventMask selects which server-side changes trigger a subscription update (DBE_*)
type EventMask int

// Event mask bits
const (
	MaskValue    EventMask = 1
	MaskLog      EventMask = 2
	MaskAlarm    EventMask = 4
	MaskProperty EventMask = 8
)

// Metadata is the display and control information carried by GR and CTRL requests
type Metadata struct {
	Units        string
	Precision    int16
	UpperDisplay float64
	LowerDisplay float64
	UpperAlarm   float64
	UpperWarning float64
	LowerWarning float64
	LowerAlarm   float64
	UpperControl float64
	LowerControl float64
	EnumStrings  []string
}

// Value is the payload delivered with read and subscription events.
// Data holds one of []string, []int16, []float32, []uint16, []uint8,
// []int32 or []float64 depending on the request's field type.
type Value struct {
	Data     any
	Status   int16
	Severity int16
	Stamp    time.Time
	Meta     *Metadata
}

// Len returns the number of elements in the value
func (v *Value) Len() int {
	switch d := v.Data.(type) {
	case []string:
		return len(d)
	case []int16:
		return len(d)
	case []float32:
		return len(d)
	case []uint16:
		return len(d)
	case []uint8:
		return len(d)
	case []int32:
		return len(d)
	case []float64:
		return len(d)
	}
	return 0
}

// Float64s converts numeric data to float64. String data yields nil.
func (v *Value) Float64s() []float64 {
	switch d := v.Data.(type) {
	case []float64:
		out := make([]float64, len(d))
		copy(out, d)
		return out
	case []float32:
		return convert(d)
	case []int16:
		return convert(d)
	case []uint16:
		return convert(d)
	case []uint8:
		return convert(d)
	case []int32:
		return convert(d)
	}
	return nil
}

func convert[T float32 | int16 | uint16 | uint8 | int32](in []T) []float64 {
	out := make([]float64, len(in))
	for i, x := range in {
		out[i] = float64(x)
	}
	return out
}
