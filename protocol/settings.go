package protocol

import (
	"encoding/binary"
	"fmt"
)

const settingSize = 6 // id:16 | value:32

// SettingID identifies one SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if s, ok := settingNames[id]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
}

// Setting is one key/value pair of a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string {
	return fmt.Sprintf("[%v = %d]", s.ID, s.Val)
}

// SettingsFrame declares the sender's configuration, or acknowledges the
// peer's when flagged ACK (in which case it carries no settings).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

// NewSettingsFrame builds a SETTINGS frame carrying settings in order.
func NewSettingsFrame(settings ...Setting) *SettingsFrame {
	return &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings},
		Settings:    settings,
	}
}

// NewSettingsAck builds the empty SETTINGS frame flagged ACK.
func NewSettingsAck() *SettingsFrame {
	return &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck},
	}
}

func (f *SettingsFrame) IsAck() bool {
	return f.Flags.Has(FlagSettingsAck)
}

// Value returns the last value declared for id.
func (f *SettingsFrame) Value(id SettingID) (uint32, bool) {
	for i := len(f.Settings) - 1; i >= 0; i-- {
		if f.Settings[i].ID == id {
			return f.Settings[i].Val, true
		}
	}
	return 0, false
}

func (f *SettingsFrame) appendPayload(b []byte) []byte {
	for _, s := range f.Settings {
		b = binary.BigEndian.AppendUint16(b, uint16(s.ID))
		b = binary.BigEndian.AppendUint32(b, s.Val)
	}
	return b
}

func parseSettingsFrame(h FrameHeader, payload []byte) (Frame, error) {
	if h.StreamID != 0 {
		return nil, invalidFrame(h, "must be on stream 0")
	}
	if h.Flags.Has(FlagSettingsAck) && len(payload) > 0 {
		return nil, invalidFrame(h, "ACK with payload")
	}
	if len(payload)%settingSize != 0 {
		return nil, invalidFrame(h, "payload not a multiple of %d", settingSize)
	}
	f := &SettingsFrame{FrameHeader: h}
	if n := len(payload) / settingSize; n > 0 {
		f.Settings = make([]Setting, 0, n)
	}
	for p := payload; len(p) > 0; p = p[settingSize:] {
		f.Settings = append(f.Settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(p[0:2])),
			Val: binary.BigEndian.Uint32(p[2:6]),
		})
	}
	return f, nil
}
