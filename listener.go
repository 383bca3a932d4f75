package http2

// FrameListener receives the inbound frames of a connection after the
// engine has validated them. Returned errors are classified by the engine:
// connection-level errors produce a GOAWAY, stream-level errors a
// RST_STREAM.
//
// Embed FrameListenerBase to override only the callbacks you care about.
type FrameListener interface {
	OnDataRead(streamID uint32, data []byte, padding int, endStream bool) error
	OnHeadersRead(streamID uint32, headers Headers, padding int, endStream bool) error
	OnHeadersPriorityRead(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) error
	OnPriorityRead(streamID, dependency uint32, weight uint16, exclusive bool) error
	OnRstStreamRead(streamID uint32, code ErrorCode) error
	OnSettingsRead(st *Settings) error
	OnSettingsAckRead() error
	OnPingRead(data [pingPayloadLen]byte) error
	OnPingAckRead(data [pingPayloadLen]byte) error
	OnPushPromiseRead(streamID, promisedStreamID uint32, headers Headers, padding int) error
	OnGoAwayRead(lastStreamID uint32, code ErrorCode, debugData []byte) error
	OnWindowUpdateRead(streamID uint32, increment int) error
	OnUnknownFrame(typ FrameType, streamID uint32, flags FrameFlags, payload []byte)
}

// FrameListenerBase is a FrameListener whose callbacks all do nothing.
type FrameListenerBase struct{}

var _ FrameListener = FrameListenerBase{}

func (FrameListenerBase) OnDataRead(uint32, []byte, int, bool) error {
	return nil
}

func (FrameListenerBase) OnHeadersRead(uint32, Headers, int, bool) error {
	return nil
}

func (FrameListenerBase) OnHeadersPriorityRead(uint32, Headers, uint32, uint16, bool, int, bool) error {
	return nil
}

func (FrameListenerBase) OnPriorityRead(uint32, uint32, uint16, bool) error {
	return nil
}

func (FrameListenerBase) OnRstStreamRead(uint32, ErrorCode) error {
	return nil
}

func (FrameListenerBase) OnSettingsRead(*Settings) error {
	return nil
}

func (FrameListenerBase) OnSettingsAckRead() error {
	return nil
}

func (FrameListenerBase) OnPingRead([pingPayloadLen]byte) error {
	return nil
}

func (FrameListenerBase) OnPingAckRead([pingPayloadLen]byte) error {
	return nil
}

func (FrameListenerBase) OnPushPromiseRead(uint32, uint32, Headers, int) error {
	return nil
}

func (FrameListenerBase) OnGoAwayRead(uint32, ErrorCode, []byte) error {
	return nil
}

func (FrameListenerBase) OnWindowUpdateRead(uint32, int) error {
	return nil
}

func (FrameListenerBase) OnUnknownFrame(FrameType, uint32, FrameFlags, []byte) {}
