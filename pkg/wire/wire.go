package wire

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mapStringInterfaceType = reflect.TypeOf(map[string]interface{}(nil))

// handle forces every msgpack map (at any nesting depth) to decode as
// map[string]interface{} rather than the codec's default
// map[interface{}]interface{}, since every map on this wire is
// string-keyed by construction (spec.md's "unsigned-integer-tagged maps,
// arrays, strings, raw byte strings" framing never uses non-string map
// keys).
var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = mapStringInterfaceType
	return h
}()

// Frame is a decoded request or reply: an untyped map of fields. Requests
// carry "cmd"; replies carry "status". Command handlers pull their own
// typed fields out of Fields.
type Frame struct {
	Fields map[string]interface{}
}

// ErrMalformed is returned by Decode when the payload is not a single
// msgpack-encoded map, the only frame shape the protocol allows.
var ErrMalformed = errors.New("wire: payload is not a single map")

// Encode serializes fields as a single msgpack map.
func Encode(fields map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire payload into a Frame.
func Decode(payload []byte) (Frame, error) {
	var raw map[string]interface{}
	dec := codec.NewDecoder(bytes.NewReader(payload), handle)
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Frame{Fields: raw}, nil
}

// Command returns the "cmd" field of a request frame.
func (f Frame) Command() (string, bool) {
	return f.String("cmd")
}

// Status returns the "status" field of a reply frame.
func (f Frame) Status() (string, bool) {
	return f.String("status")
}

// String returns field key as a string.
func (f Frame) String(key string) (string, bool) {
	v, ok := f.Fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bytes returns field key as a byte slice.
func (f Frame) Bytes(key string) ([]byte, bool) {
	v, ok := f.Fields[key]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Uint64 returns field key as a uint64, accepting any of msgpack's integer
// decode shapes.
func (f Frame) Uint64(key string) (uint64, bool) {
	v, ok := f.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

// Map returns field key as a nested string-keyed map.
func (f Frame) Map(key string) (map[string]interface{}, bool) {
	v, ok := f.Fields[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}
