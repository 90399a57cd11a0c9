// Package codec provides the pluggable serializers that turn a message into
// the payload bytes of one frame and back.
//
// Both ends of a connection must be configured with the same codec: the frame
// carries no codec marker.
package codec

import (
	"errors"
	"fmt"
)

// ErrSerialization is returned when a codec rejects a value or a payload.
var ErrSerialization = errors.New("serialization error")

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// ByName resolves a configured codec name ("json" or "binary").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return &JSONCodec{}, nil
	case "binary":
		return &BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
