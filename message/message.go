// Package message defines how RPC payloads and call metadata travel inside an
// HTTP/2 stream.
//
// A payload produced by a marshaller is wrapped in a length-prefixed message
// before it goes into DATA frames:
//
//	0      1                5
//	┌──────┬────────────────┬──────────────────┐
//	│ comp │     length     │  payload ...     │
//	│  u8  │ uint32 (BE)    │  length bytes    │
//	└──────┴────────────────┴──────────────────┘
//
// Messages and DATA frames are independent: one message may span several
// frames and one frame may end one message and start the next, so the
// receiver reassembles them with a Parser.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	PrefixSize = 5

	// DefaultMaxMessageSize bounds a single received message.
	DefaultMaxMessageSize = 4 << 20
)

var (
	// ErrCompressed reports a message with the compressed flag set; h2rpc does
	// not negotiate compression.
	ErrCompressed = errors.New("message: compressed messages are not supported")

	// ErrTooLarge reports a message longer than the receiver's limit.
	ErrTooLarge = errors.New("message: message too large")

	// ErrTruncated reports a stream that ended inside a message.
	ErrTruncated = errors.New("message: stream ended inside a message")
)

// Encode wraps payload in a length-prefixed message.
func Encode(payload []byte) []byte {
	buf := make([]byte, PrefixSize+len(payload))
	buf[0] = 0 // not compressed
	binary.BigEndian.PutUint32(buf[1:PrefixSize], uint32(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf
}

// Parser reassembles length-prefixed messages from DATA frame payloads.
// It is not safe for concurrent use; it belongs to the single reader of a stream.
type Parser struct {
	buf     []byte
	maxSize int
}

// NewParser returns a parser rejecting messages longer than maxSize bytes.
// A maxSize of 0 selects DefaultMaxMessageSize.
func NewParser(maxSize int) *Parser {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Parser{maxSize: maxSize}
}

// Feed appends the payload of one DATA frame.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next returns the next complete message, or ok=false when more data is needed.
func (p *Parser) Next() (payload []byte, ok bool, err error) {
	if len(p.buf) < PrefixSize {
		return nil, false, nil
	}
	if p.buf[0] != 0 {
		return nil, false, ErrCompressed
	}
	n := binary.BigEndian.Uint32(p.buf[1:PrefixSize])
	if uint64(n) > uint64(p.maxSize) {
		return nil, false, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrTooLarge, n, p.maxSize)
	}
	total := PrefixSize + int(n)
	if len(p.buf) < total {
		return nil, false, nil
	}
	payload = make([]byte, n)
	copy(payload, p.buf[PrefixSize:total])
	p.buf = p.buf[total:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return payload, true, nil
}

// Close checks that the stream did not end in the middle of a message.
func (p *Parser) Close() error {
	if len(p.buf) > 0 {
		return fmt.Errorf("%w: %d bytes left", ErrTruncated, len(p.buf))
	}
	return nil
}
