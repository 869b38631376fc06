// Package protocol implements the HTTP/2 binary frame codec and the connection
// handshake used by h2rpc.
//
// Every frame is a fixed 9-byte header followed by a variable-length payload.
// The receiver reads the header first to learn the payload length, then reads
// exactly that many bytes, so a frame is never handed to a caller half-read.
//
// Frame format (RFC 7540, section 4.1):
//
//	0        3      4       5                          9
//	┌────────┬──────┬───────┬─┬────────────────────────┬───────────────┐
//	│ length │ type │ flags │R│       stream id        │  payload ...  │
//	│ uint24 │ u8   │  u8   │ │        uint31          │ length bytes  │
//	└────────┴──────┴───────┴─┴────────────────────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	HeaderSize = 9

	// MaxFrameLength is the largest length the 24-bit length field can carry.
	MaxFrameLength = 1<<24 - 1

	// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE every peer must accept.
	DefaultMaxFrameSize = 16384

	streamIDMask = 1<<31 - 1
)

// FrameType is the 8-bit frame type tag.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if s, ok := frameNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags is the 8-bit flag field. Its meaning depends on the frame type.
type Flags uint8

// Has reports whether f contains all flags in v.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

const (
	FlagDataEndStream Flags = 0x1
	FlagDataPadded    Flags = 0x8

	FlagHeadersEndStream  Flags = 0x1
	FlagHeadersEndHeaders Flags = 0x4
	FlagHeadersPadded     Flags = 0x8
	FlagHeadersPriority   Flags = 0x20

	FlagSettingsAck Flags = 0x1

	FlagPingAck Flags = 0x1

	FlagContinuationEndHeaders Flags = 0x4
)

// FrameHeader is the decoded 9-byte header shared by all frames.
type FrameHeader struct {
	Length   uint32    // Payload length, 24 bits on the wire
	Type     FrameType // Frame type tag
	Flags    Flags     // Type-specific flags
	StreamID uint32    // 31 bits; 0 addresses the connection as a whole
}

// Header returns h itself so that every typed frame embedding a FrameHeader
// satisfies the Header part of the Frame interface.
func (h FrameHeader) Header() FrameHeader { return h }

func (h FrameHeader) String() string {
	return fmt.Sprintf("[%v flags=0x%02x stream=%d len=%d]", h.Type, uint8(h.Flags), h.StreamID, h.Length)
}

// UnpackHeader decodes the first HeaderSize bytes of b. The reserved bit of the
// stream id is ignored.
func UnpackHeader(b []byte) FrameHeader {
	_ = b[HeaderSize-1]
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}

// PackHeader encodes h into the first HeaderSize bytes of b. The reserved bit
// is always written as zero.
func PackHeader(b []byte, h FrameHeader) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Length >> 16)
	b[1] = byte(h.Length >> 8)
	b[2] = byte(h.Length)
	b[3] = byte(h.Type)
	b[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[5:9], h.StreamID&streamIDMask)
}

// RawFrame is one complete frame as it appears on the wire: header followed by
// payload. len(RawFrame) is always HeaderSize + Header().Length.
type RawFrame []byte

// Header decodes the frame header.
func (f RawFrame) Header() FrameHeader {
	return UnpackHeader(f)
}

// Payload returns the bytes following the header.
func (f RawFrame) Payload() []byte {
	return f[HeaderSize:]
}

// ReadRawFrame reads exactly one frame from r.
//
// io.ReadFull guarantees the header and then the declared payload length are
// read completely. A stream ending cleanly before the first header byte yields
// io.EOF; a stream ending anywhere inside the frame yields io.ErrUnexpectedEOF.
func ReadRawFrame(r io.Reader) (RawFrame, error) {
	return ReadRawFrameLimit(r, MaxFrameLength)
}

// ReadRawFrameLimit is ReadRawFrame for frames of at most maxLen payload
// bytes. A longer declared length fails with ErrFrameTooLarge before the
// payload is allocated or read.
func ReadRawFrameLimit(r io.Reader, maxLen uint32) (RawFrame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	h := UnpackHeader(header[:])
	if h.Length > maxLen {
		return nil, fmt.Errorf("%w: %v exceeds %d", ErrFrameTooLarge, h, maxLen)
	}

	frame := make(RawFrame, HeaderSize+int(h.Length))
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// ReadFrame reads one frame from r and decodes it into its typed variant.
func ReadFrame(r io.Reader) (Frame, error) {
	raw, err := ReadRawFrame(r)
	if err != nil {
		return nil, err
	}
	return ParseFrame(raw)
}

// Serialize builds the wire form of f. The header length is computed from
// the encoded payload.
func Serialize(f Frame) RawFrame {
	buf := make([]byte, HeaderSize, HeaderSize+16)
	buf = f.appendPayload(buf)
	h := f.Header()
	h.Length = uint32(len(buf) - HeaderSize)
	PackHeader(buf, h)
	return buf
}

// WriteFrame serializes f and writes it to w in full.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different streams will interleave.
func WriteFrame(w io.Writer, f Frame) error {
	raw := Serialize(f)
	if len(raw)-HeaderSize > MaxFrameLength {
		return fmt.Errorf("%w: %v payload of %d bytes", ErrFrameTooLarge, f.Header().Type, len(raw)-HeaderSize)
	}
	return WriteRawFrame(w, raw)
}

// WriteRawFrame writes an already serialized frame, retrying short writes
// until the buffer is exhausted or the writer fails.
func WriteRawFrame(w io.Writer, raw RawFrame) error {
	buf := []byte(raw)
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}
