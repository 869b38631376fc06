package protocol

import (
	"encoding/binary"
)

// Frame is a decoded frame. Each variant owns its decoded fields and embeds
// the FrameHeader it was parsed from (or will be written with).
type Frame interface {
	Header() FrameHeader
	appendPayload(b []byte) []byte
}

type frameParser func(h FrameHeader, payload []byte) (Frame, error)

var frameParsers = map[FrameType]frameParser{
	FrameData:         parseDataFrame,
	FrameHeaders:      parseHeadersFrame,
	FrameRSTStream:    parseRSTStreamFrame,
	FrameSettings:     parseSettingsFrame,
	FramePing:         parsePingFrame,
	FrameGoAway:       parseGoAwayFrame,
	FrameWindowUpdate: parseWindowUpdateFrame,
	FrameContinuation: parseContinuationFrame,
}

// ParseFrame decodes raw into its typed variant by dispatching on the type tag.
// Types h2rpc does not act on (PRIORITY, PUSH_PROMISE, extensions) decode to
// *UnknownFrame so the caller can skip them.
func ParseFrame(raw RawFrame) (Frame, error) {
	if len(raw) < HeaderSize {
		return nil, ErrInvalidFrame
	}
	h := raw.Header()
	if int(h.Length) != len(raw)-HeaderSize {
		return nil, invalidFrame(h, "declares %d payload bytes, have %d", h.Length, len(raw)-HeaderSize)
	}
	parse, ok := frameParsers[h.Type]
	if !ok {
		return &UnknownFrame{FrameHeader: h, Payload: raw.Payload()}, nil
	}
	return parse(h, raw.Payload())
}

// DataFrame carries the bytes of one stream.
type DataFrame struct {
	FrameHeader
	Data []byte
}

// NewDataFrame builds an unpadded DATA frame.
func NewDataFrame(streamID uint32, data []byte, endStream bool) *DataFrame {
	f := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: streamID},
		Data:        data,
	}
	if endStream {
		f.Flags |= FlagDataEndStream
	}
	return f
}

// StreamEnded reports whether the frame carries END_STREAM.
func (f *DataFrame) StreamEnded() bool {
	return f.Flags.Has(FlagDataEndStream)
}

func (f *DataFrame) appendPayload(b []byte) []byte {
	return append(b, f.Data...)
}

func parseDataFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, invalidFrame(h, "on stream 0")
	}
	data, err := stripPadding(h, payload, h.Flags.Has(FlagDataPadded))
	if err != nil {
		return nil, err
	}
	h.Flags &^= FlagDataPadded
	return &DataFrame{FrameHeader: h, Data: data}, nil
}

// HeadersFrame opens a stream (or carries trailers) with an hpack-encoded
// header block fragment.
type HeadersFrame struct {
	FrameHeader
	BlockFragment []byte
}

// NewHeadersFrame builds a HEADERS frame without padding or priority.
func NewHeadersFrame(streamID uint32, fragment []byte, endHeaders, endStream bool) *HeadersFrame {
	f := &HeadersFrame{
		FrameHeader:   FrameHeader{Type: FrameHeaders, StreamID: streamID},
		BlockFragment: fragment,
	}
	if endHeaders {
		f.Flags |= FlagHeadersEndHeaders
	}
	if endStream {
		f.Flags |= FlagHeadersEndStream
	}
	return f
}

func (f *HeadersFrame) HeadersEnded() bool { return f.Flags.Has(FlagHeadersEndHeaders) }
func (f *HeadersFrame) StreamEnded() bool  { return f.Flags.Has(FlagHeadersEndStream) }

func (f *HeadersFrame) appendPayload(b []byte) []byte {
	return append(b, f.BlockFragment...)
}

func parseHeadersFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, invalidFrame(h, "on stream 0")
	}
	block, err := stripPadding(h, payload, h.Flags.Has(FlagHeadersPadded))
	if err != nil {
		return nil, err
	}
	if h.Flags.Has(FlagHeadersPriority) {
		// Stream dependency (4) and weight (1); priority is not acted on.
		if len(block) < 5 {
			return nil, invalidFrame(h, "priority block truncated")
		}
		block = block[5:]
	}
	h.Flags &^= FlagHeadersPadded | FlagHeadersPriority
	return &HeadersFrame{FrameHeader: h, BlockFragment: block}, nil
}

// ContinuationFrame carries the rest of a header block that did not fit into
// its HEADERS frame.
type ContinuationFrame struct {
	FrameHeader
	BlockFragment []byte
}

func NewContinuationFrame(streamID uint32, fragment []byte, endHeaders bool) *ContinuationFrame {
	f := &ContinuationFrame{
		FrameHeader:   FrameHeader{Type: FrameContinuation, StreamID: streamID},
		BlockFragment: fragment,
	}
	if endHeaders {
		f.Flags |= FlagContinuationEndHeaders
	}
	return f
}

func (f *ContinuationFrame) HeadersEnded() bool {
	return f.Flags.Has(FlagContinuationEndHeaders)
}

func (f *ContinuationFrame) appendPayload(b []byte) []byte {
	return append(b, f.BlockFragment...)
}

func parseContinuationFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID == 0 {
		return nil, invalidFrame(h, "on stream 0")
	}
	return &ContinuationFrame{FrameHeader: h, BlockFragment: payload}, nil
}

// RSTStreamFrame terminates a single stream.
type RSTStreamFrame struct {
	FrameHeader
	ErrCode ErrCode
}

func NewRSTStreamFrame(streamID uint32, code ErrCode) *RSTStreamFrame {
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: streamID},
		ErrCode:     code,
	}
}

func (f *RSTStreamFrame) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(f.ErrCode))
}

func parseRSTStreamFrame(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 4 {
		return nil, invalidFrame(h, "payload must be 4 bytes")
	}
	if h.StreamID == 0 {
		return nil, invalidFrame(h, "on stream 0")
	}
	return &RSTStreamFrame{FrameHeader: h, ErrCode: ErrCode(binary.BigEndian.Uint32(payload))}, nil
}

// PingFrame is a connection liveness probe; the receiver echoes it with ACK.
type PingFrame struct {
	FrameHeader
	Data [8]byte
}

func NewPingFrame(data [8]byte, ack bool) *PingFrame {
	f := &PingFrame{
		FrameHeader: FrameHeader{Type: FramePing},
		Data:        data,
	}
	if ack {
		f.Flags |= FlagPingAck
	}
	return f
}

func (f *PingFrame) IsAck() bool { return f.Flags.Has(FlagPingAck) }

func (f *PingFrame) appendPayload(b []byte) []byte {
	return append(b, f.Data[:]...)
}

func parsePingFrame(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 8 {
		return nil, invalidFrame(h, "payload must be 8 bytes")
	}
	if h.StreamID != 0 {
		return nil, invalidFrame(h, "must be on stream 0")
	}
	f := &PingFrame{FrameHeader: h}
	copy(f.Data[:], payload)
	return f, nil
}

// GoAwayFrame announces the connection is shutting down.
type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32
	ErrCode      ErrCode
	DebugData    []byte
}

func NewGoAwayFrame(lastStreamID uint32, code ErrCode, debug []byte) *GoAwayFrame {
	return &GoAwayFrame{
		FrameHeader:  FrameHeader{Type: FrameGoAway},
		LastStreamID: lastStreamID,
		ErrCode:      code,
		DebugData:    debug,
	}
}

func (f *GoAwayFrame) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, f.LastStreamID&streamIDMask)
	b = binary.BigEndian.AppendUint32(b, uint32(f.ErrCode))
	return append(b, f.DebugData...)
}

func parseGoAwayFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, invalidFrame(h, "must be on stream 0")
	}
	if len(payload) < 8 {
		return nil, invalidFrame(h, "payload shorter than 8 bytes")
	}
	return &GoAwayFrame{
		FrameHeader:  h,
		LastStreamID: binary.BigEndian.Uint32(payload[:4]) & streamIDMask,
		ErrCode:      ErrCode(binary.BigEndian.Uint32(payload[4:8])),
		DebugData:    payload[8:],
	}, nil
}

// WindowUpdateFrame grants the peer more flow-control credit.
type WindowUpdateFrame struct {
	FrameHeader
	Increment uint32
}

func NewWindowUpdateFrame(streamID, increment uint32) *WindowUpdateFrame {
	return &WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameWindowUpdate, StreamID: streamID},
		Increment:   increment,
	}
}

func (f *WindowUpdateFrame) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, f.Increment&streamIDMask)
}

func parseWindowUpdateFrame(h FrameHeader, payload []byte) (Frame, error) {
	if len(payload) != 4 {
		return nil, invalidFrame(h, "payload must be 4 bytes")
	}
	inc := binary.BigEndian.Uint32(payload) & streamIDMask
	if inc == 0 {
		return nil, invalidFrame(h, "zero increment")
	}
	return &WindowUpdateFrame{FrameHeader: h, Increment: inc}, nil
}

// UnknownFrame is any frame whose type h2rpc does not decode.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) appendPayload(b []byte) []byte {
	return append(b, f.Payload...)
}

func stripPadding(h FrameHeader, payload []byte, padded bool) ([]byte, error) {
	if !padded {
		return payload, nil
	}
	if len(payload) == 0 {
		return nil, invalidFrame(h, "padded frame without pad length")
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, invalidFrame(h, "pad length %d exceeds payload", padLen)
	}
	return payload[:len(payload)-padLen], nil
}
