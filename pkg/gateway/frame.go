// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// MaxPayloadSize is the largest CBOR body a frame can carry
const MaxPayloadSize = 0xFFFF

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Frame errors
var (
	ErrCRCMismatch     = errors.New("gateway: CRC mismatch")
	ErrMalformedFrame  = errors.New("gateway: malformed frame")
	ErrPayloadTooLarge = errors.New("gateway: payload too large")
)

// CalculateCRC computes the CRC-16-CCITT checksum of data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame wraps payload for transmission:
// START | stuffed(len_lo len_hi payload crc_hi crc_lo) | END
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	data := make([]byte, 2, 2+len(payload)+2)
	binary.LittleEndian.PutUint16(data, uint16(len(payload)))
	data = append(data, payload...)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc))

	stuffed := stuffBytes(data)
	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)
	return frame, nil
}

// stuffBytes replaces START, END and ESC with ESC + (byte XOR EscXor)
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes is the inverse of the stuffing EncodeFrame applies
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		switch {
		case escapeNext:
			result = append(result, b^EscXor)
			escapeNext = false
		case b == EscByte:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("%w: incomplete escape sequence", ErrMalformedFrame)
	}
	return result, nil
}

// Decoder reassembles frames one byte at a time. A START byte always
// begins a new frame, dropping whatever was partially received.
type Decoder struct {
	inFrame    bool
	escapeNext bool
	buffer     []byte
}

// NewDecoder creates a frame decoder
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, 256)}
}

// Reset returns the decoder to idle
func (d *Decoder) Reset() {
	d.inFrame = false
	d.escapeNext = false
	d.buffer = d.buffer[:0]
}

// DecodeByte feeds one byte. It returns the frame payload once END arrives,
// nil while a frame is incomplete, and an error for a frame that fails
// validation.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return nil, nil
	case !d.inFrame:
		return nil, nil
	case b == EndByte:
		defer d.Reset()
		if d.escapeNext {
			return nil, fmt.Errorf("%w: escape before END", ErrMalformedFrame)
		}
		return d.finish()
	case b == EscByte && !d.escapeNext:
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}
	if len(d.buffer) >= 2+MaxPayloadSize+2 {
		d.Reset()
		return nil, fmt.Errorf("%w: frame exceeds max size", ErrMalformedFrame)
	}
	d.buffer = append(d.buffer, b)
	return nil, nil
}

func (d *Decoder) finish() ([]byte, error) {
	if len(d.buffer) < 4 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrMalformedFrame, len(d.buffer))
	}

	length := int(binary.LittleEndian.Uint16(d.buffer))
	if len(d.buffer) != 2+length+2 {
		return nil, fmt.Errorf("%w: length %d does not match %d payload bytes",
			ErrMalformedFrame, length, len(d.buffer)-4)
	}

	body := d.buffer[:2+length]
	want := uint16(d.buffer[2+length])<<8 | uint16(d.buffer[2+length+1])
	if got := CalculateCRC(body); got != want {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, got, want)
	}

	payload := make([]byte, length)
	copy(payload, body[2:])
	return payload, nil
}

// FrameReader reads whole frames from a byte stream
type FrameReader struct {
	r   *bufio.Reader
	dec *Decoder
}

// NewFrameReader wraps r
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r), dec: NewDecoder()}
}

// ReadFrame blocks until a frame is complete. Malformed frames are returned
// as errors wrapping ErrMalformedFrame or ErrCRCMismatch; the reader stays
// usable after them. Stream errors are returned as is.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		payload, err := fr.dec.DecodeByte(b)
		if err != nil || payload != nil {
			return payload, err
		}
	}
}
