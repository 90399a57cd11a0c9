// Package protocol implements the length-prefixed frame protocol of netrpc.
//
// It solves TCP's sticky packet problem with a 4-byte big-endian length
// prefix followed by exactly that many payload bytes. The payload is whatever
// the configured codec produced for one message.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────────┐
//	│ length  │     payload ...       │
//	│ uint32  │  length bytes (codec) │
//	└─────────┴───────────────────────┘
//
// A frame (prefix included) may not exceed MaxFrameSize; an oversize or
// negative length is a FramingError and fatal to the connection.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"netrpc/codec"
)

const (
	HeaderSize   = 4
	MaxFrameSize = 64 * 1024
	// MaxPayloadSize is the largest payload that still fits in one frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// ErrFraming marks a malformed length prefix or an oversize frame.
var ErrFraming = errors.New("framing error")

// EncodeFrame prefixes payload with its length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFraming, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Marshal serializes v with cdc and frames the result. On failure nothing is
// returned, so a caller never writes a partial frame.
func Marshal(cdc codec.Codec, v any) ([]byte, error) {
	payload, err := cdc.Encode(v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload)
}

// Encode writes one complete frame carrying v to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, cdc codec.Codec, v any) error {
	frame, err := Marshal(cdc, v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
