package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"netrpc/message"
)

// BinaryCodec lays the message fields out back to back with explicit lengths:
// strings as [uint16 len][bytes], raw JSON values as [uint32 len][bytes] and
// lists as [uint16 count][items...]. It only understands *message.Request and
// *message.Response.
//
//	Request:  requestId | className | methodName | version | types[] | params[]
//	Response: requestId | error | result
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binaryWriter{}
	switch msg := v.(type) {
	case *message.Request:
		w.putString(msg.RequestID)
		w.putString(msg.ClassName)
		w.putString(msg.MethodName)
		w.putString(msg.Version)
		w.putCount(len(msg.ParameterTypes))
		for _, typ := range msg.ParameterTypes {
			w.putString(typ)
		}
		w.putCount(len(msg.Parameters))
		for _, param := range msg.Parameters {
			w.putBytes(param)
		}
	case *message.Response:
		w.putString(msg.RequestID)
		w.putString(msg.Error)
		w.putBytes(msg.Result)
	default:
		return nil, fmt.Errorf("%w: BinaryCodec cannot encode %T", ErrSerialization, v)
	}
	if w.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, w.err)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binaryReader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.RequestID = r.string()
		msg.ClassName = r.string()
		msg.MethodName = r.string()
		msg.Version = r.string()
		if n := r.count(); n > 0 {
			msg.ParameterTypes = make([]string, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.ParameterTypes = append(msg.ParameterTypes, r.string())
			}
		}
		if n := r.count(); n > 0 {
			msg.Parameters = make([]json.RawMessage, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.Parameters = append(msg.Parameters, r.bytes())
			}
		}
	case *message.Response:
		msg.RequestID = r.string()
		msg.Error = r.string()
		msg.Result = r.bytes()
	default:
		return fmt.Errorf("%w: BinaryCodec cannot decode into %T", ErrSerialization, v)
	}
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, r.err)
	}
	if r.off != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrSerialization, len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryWriter struct {
	buf []byte
	err error
}

func (w *binaryWriter) putCount(n int) {
	if n > math.MaxUint16 {
		w.err = fmt.Errorf("list of %d items is too long", n)
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binaryWriter) putString(s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("string of %d bytes is too long", len(s))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) putBytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader keeps the first error and turns every later read into a no-op.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("truncated payload at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) count() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *binaryReader) string() string {
	return string(r.take(r.count()))
}

func (r *binaryReader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	raw := r.take(n)
	if raw == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, raw)
	return out
}
