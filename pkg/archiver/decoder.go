// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package archiver decodes the raw protobuf stream served by the EPICS
// Archiver Appliance data retrieval endpoint.
//
// The stream is a sequence of escaped lines. Each block starts with a
// PayloadInfo header line followed by one sample line per event, and blocks
// are separated by an empty line.
package archiver

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Display limit markers meaning "not yet seen"
const (
	UnsetDisplayHigh = 0x1p-1022
	UnsetDisplayLow  = math.MaxFloat64
)

// Result is everything extracted from one buffer. Err is nil when the whole
// buffer was decoded and otherwise says why decoding stopped; Samples then
// holds what was decoded before the stop.
type Result struct {
	Precision   int           `json:"precision" msgpack:"precision"`
	PVName      string        `json:"pvname" msgpack:"pvname"`
	Units       string        `json:"units" msgpack:"units"`
	DisplayHigh float64       `json:"displayHigh" msgpack:"displayHigh"`
	DisplayLow  float64       `json:"displayLow" msgpack:"displayLow"`
	Samples     []SamplePoint `json:"samples" msgpack:"samples"`
	Skipped     int           `json:"skipped,omitempty" msgpack:"skipped,omitempty"`
	Err         error         `json:"-" cbor:"-" msgpack:"-"`
}

// HasDisplayLimits reports whether both HOPR and LOPR were found
func (r *Result) HasDisplayLimits() bool {
	return r.DisplayHigh != UnsetDisplayHigh && r.DisplayLow != UnsetDisplayLow
}

// Decoder decodes archiver buffers
type Decoder struct {
	log *zap.Logger
}

// NewDecoder creates a decoder. A nil logger disables logging.
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{log: log}
}

// Decode decodes buf with a silent decoder
func Decode(buf []byte) Result {
	return NewDecoder(nil).Decode(buf)
}

// Decode un-escapes buf and walks its lines. Units and precision come from
// the first header only. HOPR and LOPR are taken from the first sample
// carrying them. An unsupported payload type stops decoding.
func (d *Decoder) Decode(buf []byte) Result {
	res := Result{
		DisplayHigh: UnsetDisplayHigh,
		DisplayLow:  UnsetDisplayLow,
	}

	var (
		hdr            Header
		haveHeader     bool
		headerExpected = true
		metaTaken      bool
	)

	for i, line := range Unescape(buf) {
		if len(line) == 0 {
			headerExpected = true
			continue
		}

		if headerExpected {
			h, err := ParseHeader(line)
			if err == nil {
				hdr = h
				haveHeader = true
				headerExpected = false
				res.PVName = h.PVName

				if !metaTaken {
					metaTaken = true
					if egu, ok := h.Field("EGU"); ok {
						res.Units = egu
					}
					if prec, ok := h.Field("PREC"); ok {
						res.Precision = leadingInt(prec)
					}
				}
				d.log.Debug("archiver block",
					zap.String("pv", h.PVName),
					zap.Int32("year", h.Year),
					zap.Stringer("type", h.Type))
				continue
			}
		}

		if !haveHeader {
			res.Err = fmt.Errorf("line %d: %w", i, ErrNoHeader)
			d.log.Warn("archiver stream does not start with a header", zap.Int("line", i))
			return res
		}

		s, err := ParseSample(hdr.Type, line)
		if errors.Is(err, ErrUnsupportedType) {
			res.Err = fmt.Errorf("line %d: %w", i, err)
			d.log.Error("stopping archiver decode",
				zap.String("pv", hdr.PVName),
				zap.Stringer("type", hdr.Type),
				zap.Int("samples", len(res.Samples)))
			return res
		}
		if err != nil {
			res.Skipped++
			d.log.Debug("skipping archiver sample", zap.Int("line", i), zap.Error(err))
			continue
		}

		s.Year = hdr.Year
		res.applyDisplayLimits(s)
		res.Samples = append(res.Samples, s)
	}
	return res
}

// applyDisplayLimits sets each display bound from the first sample that carries it
func (r *Result) applyDisplayLimits(s SamplePoint) {
	if r.DisplayHigh == UnsetDisplayHigh {
		if v, ok := s.Field("HOPR"); ok {
			r.DisplayHigh = leadingFloat(v)
		}
	}
	if r.DisplayLow == UnsetDisplayLow {
		if v, ok := s.Field("LOPR"); ok {
			r.DisplayLow = leadingFloat(v)
		}
	}
}
