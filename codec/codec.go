// Package codec provides marshallers: the per-method capability pair that
// turns an application value into payload bytes and back.
//
// A marshaller knows nothing about framing; the message package wraps its
// output in length-prefixed messages and the transport puts those in frames.
package codec

import (
	"errors"
	"fmt"
)

// ErrDecode is wrapped by every Unmarshal failure so callers can report a
// malformed payload distinctly from other failures.
var ErrDecode = errors.New("codec: cannot decode payload")

// Marshaller converts between values of type T and payload bytes.
// Implementations must be safe for concurrent use: one descriptor, and so one
// marshaller, is shared by every call of a method.
type Marshaller[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// String marshals strings as their raw UTF-8 bytes.
type String struct{}

func (String) Marshal(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

// Bytes passes payloads through unchanged.
type Bytes struct{}

func (Bytes) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Unmarshal(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func decodeError(name string, err error) error {
	return fmt.Errorf("%w as %s: %v", ErrDecode, name, err)
}
