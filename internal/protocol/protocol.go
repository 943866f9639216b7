package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is the 4-bit frame type tag from RFC6455 §5.2.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode is in the control range (0x8-0xF).
func (o Opcode) IsControl() bool {
	return o >= 0x8
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

const (
	finBit  = 0x80
	maskBit = 0x80

	len7Max  = 125
	len16Tag = 126
	len64Tag = 127

	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125

	// DefaultMaxPayload bounds the declared length of a single inbound frame.
	DefaultMaxPayload = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	// Callers keep the bytes and retry once more data has been read.
	ErrIncomplete = errors.New("incomplete frame")

	ErrFrameTooLarge   = errors.New("frame payload exceeds maximum size")
	ErrControlTooLarge = errors.New("control frame payload exceeds 125 bytes")
	ErrUnmaskedFrame   = errors.New("client frame is not masked")
)

// Frame is one decoded protocol unit. Payload is already unmasked.
type Frame struct {
	Fin        bool
	Opcode     Opcode
	Masked     bool
	PayloadLen uint64
	MaskKey    [4]byte
	Payload    []byte
}

// Encode builds a single unfragmented, unmasked text frame carrying message.
func Encode(message []byte) []byte {
	return appendFrame(nil, OpText, message)
}

// EncodeControl builds an unmasked control frame (close, ping or pong).
func EncodeControl(op Opcode, payload []byte) ([]byte, error) {
	if !op.IsControl() {
		return nil, fmt.Errorf("opcode %s is not a control opcode", op)
	}
	if len(payload) > MaxControlPayload {
		return nil, ErrControlTooLarge
	}
	return appendFrame(nil, op, payload), nil
}

// EncodeClose builds a close frame with a status code and optional reason.
// The reason is truncated so the frame stays within control frame limits.
func EncodeClose(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, code)
	copy(body[2:], reason)
	return appendFrame(nil, OpClose, body)
}

// ValidCloseCode reports whether code may be sent in a close frame.
// 1004-1006 and 1015 are reserved by RFC6455 §7.4.1, codes below 1000 are
// unused and 1016-2999 are reserved for future protocol revisions.
func ValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// Pong is the zero-length pong written in reply to every ping.
var Pong = []byte{finBit | byte(OpPong), 0x00}

func appendFrame(dst []byte, op Opcode, payload []byte) []byte {
	n := len(payload)

	var hdr [10]byte
	hdr[0] = finBit | byte(op)
	hlen := 2
	switch {
	case n <= len7Max:
		hdr[1] = byte(n)
	case n <= 0xFFFF:
		hdr[1] = len16Tag
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
		hlen = 4
	default:
		hdr[1] = len64Tag
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
		hlen = 10
	}

	if dst == nil {
		dst = make([]byte, 0, hlen+n)
	}
	dst = append(dst, hdr[:hlen]...)
	return append(dst, payload...)
}

// Decode parses one frame from the front of buf using DefaultMaxPayload.
// It returns the frame and the number of bytes consumed.
func Decode(buf []byte) (*Frame, int, error) {
	return DecodeLimit(buf, DefaultMaxPayload)
}

// DecodeLimit is Decode with an explicit payload cap. A maxPayload of zero
// or less disables the cap.
//
// The codec keeps no state between calls: when any declared length runs past
// the end of buf it returns ErrIncomplete and consumes nothing.
func DecodeLimit(buf []byte, maxPayload int64) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	f := &Frame{
		Fin:    buf[0]&finBit != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&maskBit != 0,
	}

	length := uint64(buf[1] & 0x7F)
	offset := 2
	switch length {
	case len16Tag:
		if len(buf) < offset+2 {
			return nil, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case len64Tag:
		if len(buf) < offset+8 {
			return nil, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}

	if maxPayload > 0 && length > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxPayload)
	}
	if f.Opcode.IsControl() && length > MaxControlPayload {
		return nil, 0, ErrControlTooLarge
	}
	f.PayloadLen = length

	if f.Masked {
		if len(buf) < offset+4 {
			return nil, 0, ErrIncomplete
		}
		copy(f.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return nil, 0, ErrIncomplete
	}
	end := offset + int(length)

	// Copy out so the caller may reuse buf.
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[offset:end])
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}

	return f, end, nil
}

// Mask XORs b in place with key, i.e. b[i] ^= key[i%4]. Applying it twice
// with the same key restores the input.
func Mask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

// EncodeMasked builds a masked frame the way a client would send it. The
// server never emits masked frames; this exists for tests and tooling that
// play the client role.
func EncodeMasked(op Opcode, payload []byte, key [4]byte) []byte {
	out := appendFrame(nil, op, payload)
	hlen := len(out) - len(payload)
	out[1] |= maskBit

	masked := make([]byte, 0, len(out)+4)
	masked = append(masked, out[:hlen]...)
	masked = append(masked, key[:]...)
	start := len(masked)
	masked = append(masked, payload...)
	Mask(masked[start:], key)
	return masked
}
