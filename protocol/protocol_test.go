package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"netrpc/codec"
	"netrpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	cdc := &codec.JSONCodec{}
	req := &message.Request{
		RequestID:  "42",
		ClassName:  "Calc",
		MethodName: "Add",
		Parameters: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)},
		Version:    "1.0",
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cdc, req))

	dec := NewDecoder()
	dec.Feed(buf.Bytes())
	payload, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, payload)

	var decoded message.Request
	require.NoError(t, cdc.Decode(payload, &decoded))
	assert.Equal(t, req.RequestID, decoded.RequestID)
	assert.Equal(t, req.MethodName, decoded.MethodName)
	assert.Equal(t, 0, dec.Buffered())
}

func TestDecodeShortHeader(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		dec := NewDecoder()
		dec.Feed(make([]byte, n))

		payload, err := dec.Next()
		require.NoError(t, err)
		assert.Nil(t, payload)
		assert.Equal(t, n, dec.Buffered(), "no bytes may be consumed with %d buffered", n)
	}
}

// A 10-byte payload arriving as 4+6 bytes, then the remaining 4.
func TestDecodeSplitFrame(t *testing.T) {
	frame, err := EncodeFrame([]byte("0123456789"))
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(frame[:HeaderSize+6])

	payload, err := dec.Next()
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Equal(t, HeaderSize+6, dec.Buffered(), "read position must be preserved")

	dec.Feed(frame[HeaderSize+6:])
	payload, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), payload)

	payload, err = dec.Next()
	require.NoError(t, err)
	assert.Nil(t, payload, "exactly one message expected")
}

func TestDecodeByteByByte(t *testing.T) {
	var stream []byte
	for _, s := range []string{"a", "bb", "ccc"} {
		frame, err := EncodeFrame([]byte(s))
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	dec := NewDecoder()
	var got []string
	for i := range stream {
		dec.Feed(stream[i : i+1])
		for {
			payload, err := dec.Next()
			require.NoError(t, err)
			if payload == nil {
				break
			}
			got = append(got, string(payload))
		}
	}
	assert.Equal(t, []string{"a", "bb", "ccc"}, got)
}

func TestDecodeEmptyPayload(t *testing.T) {
	frame, err := EncodeFrame(nil)
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(frame)
	payload, err := dec.Next()
	require.NoError(t, err)
	assert.NotNil(t, payload)
	assert.Len(t, payload, 0)
}

func TestDecodeOversizeFrame(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, MaxPayloadSize+1)

	dec := NewDecoder()
	dec.Feed(header)
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrFraming)
}

func TestDecodeNegativeLength(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte{0xff, 0xff, 0xff, 0xfe})
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrFraming)
}

func TestEncodeOversizePayload(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrFraming)

	frame, err := EncodeFrame(make([]byte, MaxPayloadSize))
	require.NoError(t, err)
	assert.Len(t, frame, MaxFrameSize)
}

func TestEncodeSerializationFailureWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &codec.BinaryCodec{}, "not a message")
	assert.ErrorIs(t, err, codec.ErrSerialization)
	assert.Equal(t, 0, buf.Len())
}
