package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decoder reassembles frames from arbitrarily split reads.
//
// Feed appends whatever bytes arrived; Next returns the payload of the next
// complete frame, or nil when the buffered bytes do not yet hold one. An
// incomplete frame is left untouched until more bytes arrive.
//
// A Decoder belongs to exactly one read loop and is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed buffers p. The decoder copies p, so the caller may reuse it.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete payload. It returns (nil, nil) when more
// bytes are needed and an ErrFraming error when the length prefix is invalid.
func (d *Decoder) Next() ([]byte, error) {
	if d.Buffered() < HeaderSize {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(d.buf[d.off : d.off+HeaderSize])
	if length > math.MaxInt32 {
		return nil, fmt.Errorf("%w: negative length prefix %d", ErrFraming, int32(length))
	}
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrFraming, length+HeaderSize, MaxFrameSize)
	}
	if d.Buffered()-HeaderSize < int(length) {
		return nil, nil
	}

	start := d.off + HeaderSize
	payload := make([]byte, length)
	copy(payload, d.buf[start:start+int(length)])
	d.off = start + int(length)
	d.compact()
	return payload, nil
}

// compact drops consumed bytes once they dominate the buffer.
func (d *Decoder) compact() {
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off > 4096 && d.off > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}
