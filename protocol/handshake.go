package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Preface is the fixed sequence every client sends first on a new connection.
// It is the compatibility contract with any HTTP/2 peer and must stay byte-exact.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// ClientSettings are the settings the connection initiator declares.
var ClientSettings = []Setting{
	{ID: SettingEnablePush, Val: 0},
}

// ReadSettingsFrame reads one frame from r and requires it to be SETTINGS.
// No settings are in effect yet, so the frame may not exceed
// DefaultMaxFrameSize.
func ReadSettingsFrame(r io.Reader) (*SettingsFrame, error) {
	raw, err := ReadRawFrameLimit(r, DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	sf, ok := f.(*SettingsFrame)
	if !ok {
		return nil, fmt.Errorf("%w: expected SETTINGS, got %v", ErrInvalidFrame, f.Header().Type)
	}
	return sf, nil
}

// ClientHandshake runs the initiator side of the connection handshake:
//
//	send preface → send SETTINGS → receive SETTINGS
//
// Any failure is terminal for the connection; the caller must close it and
// start over on a new one.
func ClientHandshake(rw io.ReadWriter) error {
	if err := WriteRawFrame(rw, RawFrame(Preface)); err != nil {
		return err
	}
	if err := WriteFrame(rw, NewSettingsFrame(ClientSettings...)); err != nil {
		return err
	}
	sf, err := ReadSettingsFrame(rw)
	if err != nil {
		return err
	}
	// A full HTTP/2 server answers with its own settings; those need an ACK.
	if !sf.IsAck() {
		return WriteFrame(rw, NewSettingsAck())
	}
	return nil
}

// ServerHandshake runs the acceptor side of the connection handshake:
//
//	receive preface → receive SETTINGS → send SETTINGS ACK
//
// Exactly len(Preface) bytes are read before the comparison; on mismatch
// nothing more is read and the connection must be closed by the caller.
func ServerHandshake(rw io.ReadWriter) error {
	buf := make([]byte, len(Preface))
	if _, err := io.ReadFull(rw, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, []byte(Preface)) {
		return fmt.Errorf("%w: preface mismatch %q", ErrInvalidFrame, buf)
	}
	if _, err := ReadSettingsFrame(rw); err != nil {
		return err
	}
	return WriteFrame(rw, NewSettingsAck())
}
