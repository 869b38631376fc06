package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame reports a frame (or preface) that is malformed or has the
	// wrong type for the position it was read in.
	ErrInvalidFrame = errors.New("http2: invalid frame")

	// ErrFrameTooLarge reports a frame longer than the receiver accepts.
	ErrFrameTooLarge = errors.New("http2: frame too large")
)

// ErrCode is an HTTP/2 error code carried by RST_STREAM and GOAWAY frames.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrCode) String() string {
	if s, ok := errCodeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code 0x%x", uint32(e))
}

// StreamError is reported when the peer resets a single stream.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
}

func (e StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d reset: %v", e.StreamID, e.Code)
}

// GoAwayError is reported when the peer shuts the connection down.
type GoAwayError struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    string
}

func (e GoAwayError) Error() string {
	if e.DebugData != "" {
		return fmt.Sprintf("http2: received GOAWAY (last stream %d, %v): %s", e.LastStreamID, e.Code, e.DebugData)
	}
	return fmt.Sprintf("http2: received GOAWAY (last stream %d, %v)", e.LastStreamID, e.Code)
}

func invalidFrame(h FrameHeader, format string, args ...any) error {
	return fmt.Errorf("%w: %v %s", ErrInvalidFrame, h, fmt.Sprintf(format, args...))
}
