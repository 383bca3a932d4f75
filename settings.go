package http2

import (
	"github.com/h2lab/http2/http2utils"
)

// Identifiers of the parameters a SETTINGS frame can carry.
//
// https://tools.ietf.org/html/rfc7540#section-6.5.2
const (
	HeaderTableSize      uint16 = 0x1
	EnablePush           uint16 = 0x2
	MaxConcurrentStreams uint16 = 0x3
	MaxWindowSize        uint16 = 0x4
	MaxFrameSize         uint16 = 0x5
	MaxHeaderListSize    uint16 = 0x6
)

const (
	hasHeaderTableSize = 1 << iota
	hasPush
	hasMaxConcurrentStreams
	hasMaxWindowSize
	hasMaxFrameSize
	hasMaxHeaderListSize
)

// Settings is an optional-valued record of HTTP/2 settings. Fields that were
// never set are absent, meaning "unchanged" on the wire.
type Settings struct {
	ack bool
	has uint8

	tableSize      uint32
	enablePush     bool
	maxStreams     uint32
	windowSize     uint32
	frameSize      uint32
	headerListSize uint32
}

func (st *Settings) Reset() {
	*st = Settings{}
}

// CopyTo merges the present fields of st into other, leaving absent fields
// of other untouched.
func (st *Settings) CopyTo(other *Settings) {
	other.ack = st.ack

	if st.HasHeaderTableSize() {
		other.SetHeaderTableSize(st.tableSize)
	}
	if st.HasPush() {
		other.SetPush(st.enablePush)
	}
	if st.HasMaxConcurrentStreams() {
		other.SetMaxConcurrentStreams(st.maxStreams)
	}
	if st.HasMaxWindowSize() {
		other.SetMaxWindowSize(st.windowSize)
	}
	if st.HasMaxFrameSize() {
		other.SetMaxFrameSize(st.frameSize)
	}
	if st.HasMaxHeaderListSize() {
		other.SetMaxHeaderListSize(st.headerListSize)
	}
}

func (st *Settings) IsAck() bool {
	return st.ack
}

func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func (st *Settings) HasHeaderTableSize() bool {
	return st.has&hasHeaderTableSize != 0
}

func (st *Settings) HeaderTableSize() uint32 {
	return st.tableSize
}

func (st *Settings) SetHeaderTableSize(size uint32) {
	st.tableSize = size
	st.has |= hasHeaderTableSize
}

func (st *Settings) HasPush() bool {
	return st.has&hasPush != 0
}

func (st *Settings) Push() bool {
	return st.enablePush
}

func (st *Settings) SetPush(value bool) {
	st.enablePush = value
	st.has |= hasPush
}

func (st *Settings) HasMaxConcurrentStreams() bool {
	return st.has&hasMaxConcurrentStreams != 0
}

func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

func (st *Settings) SetMaxConcurrentStreams(streams uint32) {
	st.maxStreams = streams
	st.has |= hasMaxConcurrentStreams
}

func (st *Settings) HasMaxWindowSize() bool {
	return st.has&hasMaxWindowSize != 0
}

// MaxWindowSize is the INITIAL_WINDOW_SIZE parameter.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

func (st *Settings) SetMaxWindowSize(size uint32) {
	st.windowSize = size
	st.has |= hasMaxWindowSize
}

func (st *Settings) HasMaxFrameSize() bool {
	return st.has&hasMaxFrameSize != 0
}

func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

func (st *Settings) SetMaxFrameSize(size uint32) {
	st.frameSize = size
	st.has |= hasMaxFrameSize
}

func (st *Settings) HasMaxHeaderListSize() bool {
	return st.has&hasMaxHeaderListSize != 0
}

func (st *Settings) MaxHeaderListSize() uint32 {
	return st.headerListSize
}

func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.headerListSize = size
	st.has |= hasMaxHeaderListSize
}

// AppendPayload serialises the present fields as 6-octet setting entries.
func (st *Settings) AppendPayload(dst []byte) []byte {
	if st.ack {
		return dst
	}

	appendSetting := func(dst []byte, id uint16, value uint32) []byte {
		dst = append(dst, byte(id>>8), byte(id))
		return http2utils.AppendUint32Bytes(dst, value)
	}

	if st.HasHeaderTableSize() {
		dst = appendSetting(dst, HeaderTableSize, st.tableSize)
	}
	if st.HasPush() {
		v := uint32(0)
		if st.enablePush {
			v = 1
		}
		dst = appendSetting(dst, EnablePush, v)
	}
	if st.HasMaxConcurrentStreams() {
		dst = appendSetting(dst, MaxConcurrentStreams, st.maxStreams)
	}
	if st.HasMaxWindowSize() {
		dst = appendSetting(dst, MaxWindowSize, st.windowSize)
	}
	if st.HasMaxFrameSize() {
		dst = appendSetting(dst, MaxFrameSize, st.frameSize)
	}
	if st.HasMaxHeaderListSize() {
		dst = appendSetting(dst, MaxHeaderListSize, st.headerListSize)
	}

	return dst
}

// ReadPayload parses the 6-octet setting entries of a SETTINGS payload,
// validating values as mandated by RFC 7540 §6.5.2. An ACK must carry no
// payload at all.
func (st *Settings) ReadPayload(payload []byte) error {
	if st.ack {
		if len(payload) != 0 {
			return NewGoAwayError(FrameSizeError, "SETTINGS ack with a payload")
		}
		return nil
	}

	if len(payload)%6 != 0 {
		return NewGoAwayError(FrameSizeError, "SETTINGS payload is not a multiple of 6")
	}

	for len(payload) > 0 {
		id := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:])
		payload = payload[6:]

		switch id {
		case HeaderTableSize:
			st.SetHeaderTableSize(value)
		case EnablePush:
			if value > 1 {
				return NewGoAwayError(ProtocolError, "invalid ENABLE_PUSH value")
			}
			st.SetPush(value == 1)
		case MaxConcurrentStreams:
			st.SetMaxConcurrentStreams(value)
		case MaxWindowSize:
			if value > maxWindowSize {
				return NewGoAwayError(FlowControlError, "INITIAL_WINDOW_SIZE above 2^31-1")
			}
			st.SetMaxWindowSize(value)
		case MaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSizeLimit {
				return NewGoAwayError(ProtocolError, "MAX_FRAME_SIZE outside the allowed range")
			}
			st.SetMaxFrameSize(value)
		case MaxHeaderListSize:
			st.SetMaxHeaderListSize(value)
		default:
			// unknown settings are ignored
		}
	}

	return nil
}
