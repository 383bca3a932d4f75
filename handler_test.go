package http2

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

type mockTransport struct {
	wr bytes.Buffer

	inactive   bool
	closed     bool
	closeCount int
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (tr *mockTransport) IsActive() bool {
	return !tr.inactive && !tr.closed
}

func (tr *mockTransport) Write(b []byte) *WritePromise {
	if tr.closed {
		return failedPromise(errTransportClosed)
	}

	tr.wr.Write(b)
	return succeededPromise()
}

func (tr *mockTransport) Flush() error {
	return nil
}

func (tr *mockTransport) Close(p *WritePromise) {
	tr.closed = true
	tr.closeCount++
	p.Complete(nil)
}

func (tr *mockTransport) take() []byte {
	b := append([]byte(nil), tr.wr.Bytes()...)
	tr.wr.Reset()
	return b
}

type capturedFrame struct {
	FrameHeader
	payload []byte
}

func parseFrames(t *testing.T, b []byte) []capturedFrame {
	t.Helper()

	var out []capturedFrame
	for len(b) > 0 {
		require.GreaterOrEqual(t, len(b), frameHeaderLen)

		var fh FrameHeader
		readFrameHeader(b, &fh)
		require.GreaterOrEqual(t, len(b), frameHeaderLen+fh.Len())

		out = append(out, capturedFrame{
			FrameHeader: fh,
			payload:     append([]byte(nil), b[frameHeaderLen:frameHeaderLen+fh.Len()]...),
		})
		b = b[frameHeaderLen+fh.Len():]
	}

	return out
}

func framesOfType(frames []capturedFrame, typ FrameType) []capturedFrame {
	var out []capturedFrame
	for _, fr := range frames {
		if fr.Type() == typ {
			out = append(out, fr)
		}
	}
	return out
}

// peer builds wire bytes the way the remote endpoint would.
type peer struct {
	tr *mockTransport
	fw FrameWriter
}

func newPeer() *peer {
	tr := newMockTransport()
	return &peer{tr: tr, fw: NewFrameWriter(tr)}
}

func (p *peer) take() []byte {
	return p.tr.take()
}

type recordListener struct {
	FrameListenerBase

	dataStreams   []uint32
	data          [][]byte
	headerStreams []uint32
	rstStreams    []uint32
	rstCodes      []ErrorCode
	settings      []*Settings
	settingsAcks  int
	pings         [][pingPayloadLen]byte
	pingAcks      [][pingPayloadLen]byte
	pushPromises  []uint32
	goAways       []uint32
	windowUpdates []int
	unknown       []FrameType
}

func (l *recordListener) OnDataRead(streamID uint32, data []byte, padding int, endStream bool) error {
	l.dataStreams = append(l.dataStreams, streamID)
	l.data = append(l.data, append([]byte(nil), data...))
	return nil
}

func (l *recordListener) OnHeadersPriorityRead(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) error {
	l.headerStreams = append(l.headerStreams, streamID)
	return nil
}

func (l *recordListener) OnHeadersRead(streamID uint32, headers Headers, padding int, endStream bool) error {
	l.headerStreams = append(l.headerStreams, streamID)
	return nil
}

func (l *recordListener) OnRstStreamRead(streamID uint32, code ErrorCode) error {
	l.rstStreams = append(l.rstStreams, streamID)
	l.rstCodes = append(l.rstCodes, code)
	return nil
}

func (l *recordListener) OnSettingsRead(st *Settings) error {
	cp := &Settings{}
	st.CopyTo(cp)
	l.settings = append(l.settings, cp)
	return nil
}

func (l *recordListener) OnSettingsAckRead() error {
	l.settingsAcks++
	return nil
}

func (l *recordListener) OnPingRead(data [pingPayloadLen]byte) error {
	l.pings = append(l.pings, data)
	return nil
}

func (l *recordListener) OnPingAckRead(data [pingPayloadLen]byte) error {
	l.pingAcks = append(l.pingAcks, data)
	return nil
}

func (l *recordListener) OnPushPromiseRead(streamID, promisedStreamID uint32, headers Headers, padding int) error {
	l.pushPromises = append(l.pushPromises, promisedStreamID)
	return nil
}

func (l *recordListener) OnGoAwayRead(lastStreamID uint32, code ErrorCode, debugData []byte) error {
	l.goAways = append(l.goAways, lastStreamID)
	return nil
}

func (l *recordListener) OnWindowUpdateRead(streamID uint32, increment int) error {
	l.windowUpdates = append(l.windowUpdates, increment)
	return nil
}

func (l *recordListener) OnUnknownFrame(typ FrameType, streamID uint32, flags FrameFlags, payload []byte) {
	l.unknown = append(l.unknown, typ)
}

func newTestHandler(server bool) (*ConnHandler, *mockTransport, *recordListener) {
	tr := newMockTransport()
	l := &recordListener{}

	h := NewConnHandler(HandlerConfig{
		Server:    server,
		Transport: tr,
		Listener:  l,
	})

	return h, tr, l
}

// handshakeServer activates a server handler, feeds the client preface plus
// an empty SETTINGS frame and discards the handshake output.
func handshakeServer(t *testing.T, h *ConnHandler, tr *mockTransport, p *peer) {
	t.Helper()

	h.OnActive()
	h.Decode(prefaceBytes)

	p.fw.WriteSettings(Settings{})
	h.Decode(p.take())

	require.True(t, h.prefaceReceived)
	tr.take()
}

func testHeaders() Headers {
	return Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
	}
}

func TestClientHandshakeBytes(t *testing.T) {
	h, tr, _ := newTestHandler(false)

	h.OnActive()

	want := "505249202a20485454502f322e300d0a0d0a534d0d0a0d0a" + // PRI * HTTP/2.0...
		"000000040000000000" // empty SETTINGS
	require.Equal(t, want, hex.EncodeToString(tr.take()))

	// pending until the peer acks
	require.Len(t, h.pendingSettings, 1)
}

func TestPrefaceSentExactlyOnce(t *testing.T) {
	h, tr, _ := newTestHandler(false)

	h.OnActive()
	h.OnAttached()
	h.OnActive()

	frames := parseFrames(t, tr.take()[len(prefaceBytes):])
	require.Len(t, frames, 1)
	require.Equal(t, FrameSettings, frames[0].Type())
	require.Len(t, h.pendingSettings, 1)
}

func TestServerRejectsBadPreface(t *testing.T) {
	h, tr, _ := newTestHandler(true)

	h.Decode([]byte{0x47, 0x45, 0x54, 0x20, 0x2f}) // "GET /"

	require.True(t, tr.closed)
	require.Empty(t, tr.take())
}

func TestServerPrefaceByteByByte(t *testing.T) {
	h, tr, l := newTestHandler(true)
	h.OnActive()
	tr.take()

	for _, b := range prefaceBytes {
		h.Decode([]byte{b})
	}
	require.Nil(t, h.clientPreface)

	p := newPeer()
	p.fw.WriteSettings(Settings{})
	h.Decode(p.take())

	require.True(t, h.prefaceReceived)
	require.Len(t, l.settings, 1)

	acks := framesOfType(parseFrames(t, tr.take()), FrameSettings)
	require.Len(t, acks, 1)
	require.True(t, acks[0].Flags().Has(FlagAck))
}

func TestNonSettingsFirstFrameIsConnectionError(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	h.OnActive()
	h.Decode(prefaceBytes)
	tr.take()

	p := newPeer()
	p.fw.WritePing(false, [pingPayloadLen]byte{1, 2, 3})
	h.Decode(p.take())

	frames := parseFrames(t, tr.take())
	goAways := framesOfType(frames, FrameGoAway)
	require.Len(t, goAways, 1)
	require.Equal(t, uint32(ProtocolError), uint32(bytesToUint32(goAways[0].payload[4:])))
	require.True(t, tr.closed)
}

func bytesToUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestSettingsAckPerSettingsReceived(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	var st Settings
	st.SetHeaderTableSize(512)
	p.fw.WriteSettings(st)
	p.fw.WriteSettings(Settings{})
	h.Decode(p.take())

	frames := framesOfType(parseFrames(t, tr.take()), FrameSettings)
	require.Len(t, frames, 2)
	for _, fr := range frames {
		require.True(t, fr.Flags().Has(FlagAck))
		require.Zero(t, fr.Len())
	}

	require.Len(t, l.settings, 3) // handshake + two above
}

func TestSettingsRoundTripAppliesOnAck(t *testing.T) {
	h, tr, _ := newTestHandler(false)
	h.OnActive() // queues the initial (empty) settings
	tr.take()

	var first, second Settings
	first.SetMaxWindowSize(65535)
	second.SetMaxWindowSize(131072)

	require.True(t, h.WriteSettings(first).Done())
	require.True(t, h.WriteSettings(second).Done())
	require.Len(t, h.pendingSettings, 3)

	p := newPeer()
	p.fw.WriteSettings(Settings{}) // completes the preface
	h.Decode(p.take())

	ack := appendFrameHeader(nil, 0, FrameSettings, FlagAck, 0)

	h.Decode(ack) // consumes the initial settings, a no-op
	require.Equal(t, int32(defaultWindowSize), h.inboundFlow.InitialInboundWindowSize())

	h.Decode(ack)
	require.Equal(t, int32(65535), h.inboundFlow.InitialInboundWindowSize())

	h.Decode(ack)
	require.Equal(t, int32(131072), h.inboundFlow.InitialInboundWindowSize())

	// a stray ack with nothing outstanding is consumed without effect
	h.Decode(ack)
	require.Equal(t, int32(131072), h.inboundFlow.InitialInboundWindowSize())
	require.Empty(t, h.pendingSettings)
}

func TestEndOfStreamCascade(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())

	strm := h.conn.Stream(3)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateOpen, strm.State())

	p.fw.WriteData(3, []byte("hello"), 0, true)
	h.Decode(p.take())
	require.Equal(t, StreamStateHalfClosedRemote, strm.State())

	wp := h.WriteHeaders(3, Headers{{Name: ":status", Value: "200"}}, 0, true)
	require.True(t, wp.Done())
	require.NoError(t, wp.Err())
	require.Equal(t, StreamStateClosed, strm.State())
	require.Zero(t, h.conn.NumActiveStreams())
}

func TestRequestWithoutBodyAwaitsResponse(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	// HEADERS with END_STREAM creates the stream half-closed; it must stay
	// alive for the response.
	p.fw.WriteHeaders(3, testHeaders(), 0, true)
	h.Decode(p.take())

	strm := h.conn.Stream(3)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateHalfClosedRemote, strm.State())
	require.Equal(t, 1, h.conn.NumActiveStreams())

	wp := h.WriteHeaders(3, Headers{{Name: ":status", Value: "204"}}, 0, true)
	require.NoError(t, wp.Err())
	require.Equal(t, StreamStateClosed, strm.State())
}

func TestClientRequestWithoutBodyStaysHalfClosedLocal(t *testing.T) {
	h, tr, _ := newTestHandler(false)
	h.OnActive()
	tr.take()

	p := newPeer()
	p.fw.WriteSettings(Settings{})
	h.Decode(p.take())

	wp := h.WriteHeaders(1, testHeaders(), 0, true)
	require.NoError(t, wp.Err())

	strm := h.conn.Stream(1)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateHalfClosedLocal, strm.State())
	require.Equal(t, 1, h.conn.NumActiveStreams())
}

func TestStreamErrorContainment(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	p.fw.WriteHeaders(5, testHeaders(), 0, false)
	p.fw.WriteData(5, []byte("x"), 0, true)
	h.Decode(p.take())
	require.Equal(t, StreamStateHalfClosedRemote, h.conn.Stream(5).State())
	tr.take()

	// HEADERS on a half-closed (remote) stream is a stream error.
	p.fw.WriteHeaders(5, testHeaders(), 0, false)
	h.Decode(p.take())

	frames := parseFrames(t, tr.take())
	rsts := framesOfType(frames, FrameResetStream)
	require.Len(t, rsts, 1)
	require.Equal(t, uint32(5), rsts[0].Stream())
	require.Equal(t, uint32(ProtocolError), bytesToUint32(rsts[0].payload))
	require.Empty(t, framesOfType(frames, FrameGoAway))

	require.Equal(t, StreamStateClosed, h.conn.Stream(5).State())
	require.Equal(t, StreamStateOpen, h.conn.Stream(3).State())
	require.False(t, tr.closed)

	// stream 3 keeps working
	p.fw.WriteData(3, []byte("still here"), 0, false)
	h.Decode(p.take())
	require.Equal(t, []uint32{5, 3}, l.dataStreams)
}

func TestGracefulCloseDrainsStreams(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	p.fw.WriteHeaders(5, testHeaders(), 0, false)
	h.Decode(p.take())
	require.Equal(t, 2, h.conn.NumActiveStreams())
	tr.take()

	closeP := NewWritePromise()
	h.Close(closeP)

	frames := parseFrames(t, tr.take())
	goAways := framesOfType(frames, FrameGoAway)
	require.Len(t, goAways, 1)
	require.Equal(t, uint32(5), bytesToUint32(goAways[0].payload)&maxStreamID)
	require.Equal(t, uint32(NoError), bytesToUint32(goAways[0].payload[4:]))
	require.True(t, closeP.Done())
	require.False(t, tr.closed)

	// a repeat close while draining resolves immediately
	again := NewWritePromise()
	h.Close(again)
	require.True(t, again.Done())
	require.False(t, tr.closed)

	p.fw.WriteRstStream(3, StreamCanceled)
	h.Decode(p.take())
	require.False(t, tr.closed)

	p.fw.WriteRstStream(5, StreamCanceled)
	h.Decode(p.take())
	require.True(t, tr.closed)
	require.True(t, h.resourcesFreed)
}

func TestConnectionErrorClosesAfterGoAway(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	// WINDOW_UPDATE with a zero increment on the connection is a protocol
	// error.
	h.Decode(appendFrameHeader(nil, 4, FrameWindowUpdate, 0, 0))
	h.Decode([]byte{0, 0, 0, 0})

	goAways := framesOfType(parseFrames(t, tr.take()), FrameGoAway)
	require.Len(t, goAways, 1)
	require.True(t, tr.closed)
}

func TestWriteRstStreamUnknownStreamSucceeds(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	wp := h.WriteRstStream(99, StreamCanceled)
	require.True(t, wp.Done())
	require.NoError(t, wp.Err())
	require.Empty(t, tr.take())
}

func TestRstStreamOnClosedStreamIgnored(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	p.fw.WriteRstStream(3, StreamCanceled)
	h.Decode(p.take())
	require.Equal(t, StreamStateClosed, h.conn.Stream(3).State())
	require.Len(t, l.rstStreams, 1)
	tr.take()

	p.fw.WriteRstStream(3, StreamCanceled)
	h.Decode(p.take())

	require.Len(t, l.rstStreams, 1)
	require.Empty(t, tr.take())
	require.False(t, tr.closed)
}

func TestPingEchoedWithAck(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	payload := [pingPayloadLen]byte{9, 8, 7, 6, 5, 4, 3, 2}
	p.fw.WritePing(false, payload)
	h.Decode(p.take())

	pings := framesOfType(parseFrames(t, tr.take()), FramePing)
	require.Len(t, pings, 1)
	require.True(t, pings[0].Flags().Has(FlagAck))
	require.Equal(t, payload[:], pings[0].payload)
	require.Equal(t, [][pingPayloadLen]byte{payload}, l.pings)
}

func TestGoAwayFromPeerBlocksNewLocalStreams(t *testing.T) {
	h, tr, l := newTestHandler(false)
	h.OnActive()
	tr.take()

	p := newPeer()
	p.fw.WriteSettings(Settings{})
	p.fw.WriteGoAway(0, NoError, nil)
	h.Decode(p.take())

	require.True(t, h.conn.Local().IsGoAwayReceived())
	require.Equal(t, []uint32{0}, l.goAways)

	wp := h.WriteHeaders(h.NextStreamID(), testHeaders(), 0, false)
	require.Error(t, wp.Err())
	require.True(t, errors.Is(wp.Err(), ProtocolError))
}

func TestFramesIgnoredForStreamsPastGoAway(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())
	tr.take()

	h.Close(NewWritePromise()) // GOAWAY with last stream 3
	tr.take()

	p.fw.WriteHeaders(5, testHeaders(), 0, false)
	h.Decode(p.take())

	// Stream 5 is past the advertised last stream: dropped silently.
	require.Equal(t, []uint32{3}, l.headerStreams)
	require.Nil(t, h.conn.Stream(5))
	require.Empty(t, tr.take())
}

func TestIgnoredAfterRstStreamSent(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())

	strm := h.conn.Stream(3)
	strm.terminateSent = true
	tr.take()

	p.fw.WriteData(3, []byte("late"), 0, false)
	h.Decode(p.take())

	require.Empty(t, l.dataStreams)
	require.False(t, tr.closed)
}

func TestClientUpgradeReservesStreamOne(t *testing.T) {
	h, _, _ := newTestHandler(false)

	require.NoError(t, h.OnClientUpgrade())

	strm := h.conn.Stream(upgradeStreamID)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateHalfClosedLocal, strm.State())

	// only once
	require.Error(t, h.OnClientUpgrade())
}

func TestClientUpgradeMisuse(t *testing.T) {
	h, _, _ := newTestHandler(true)
	require.True(t, errors.Is(h.OnClientUpgrade(), ProtocolError))

	h2, _, _ := newTestHandler(false)
	h2.OnActive()
	require.True(t, errors.Is(h2.OnClientUpgrade(), ProtocolError))
}

func TestServerUpgradeAppliesSettingsWithoutAck(t *testing.T) {
	h, tr, _ := newTestHandler(true)

	var st Settings
	st.SetMaxConcurrentStreams(42)
	st.SetMaxWindowSize(77777)

	require.NoError(t, h.OnServerUpgrade(&st))

	strm := h.conn.Stream(upgradeStreamID)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateHalfClosedRemote, strm.State())

	require.Equal(t, 42, h.conn.Local().MaxStreams())
	require.Equal(t, int32(77777), h.outboundFlow.InitialOutboundWindowSize())

	// no ack on the wire; it is folded into the preface handshake
	require.Empty(t, framesOfType(parseFrames(t, tr.take()), FrameSettings))

	h2, _, _ := newTestHandler(false)
	require.True(t, errors.Is(h2.OnServerUpgrade(&st), ProtocolError))
}

func TestMaxConcurrentStreamsClamped(t *testing.T) {
	h, _, _ := newTestHandler(true)

	var st Settings
	st.SetMaxConcurrentStreams(1<<32 - 1)

	require.NoError(t, h.applyRemoteSettings(&st))
	require.Equal(t, int(maxStreamsNoCap), h.conn.Local().MaxStreams())
}

func TestInvalidMaxFrameSizeIsFrameSizeError(t *testing.T) {
	h, _, _ := newTestHandler(true)

	var st Settings
	st.frameSize = 1 << 24 // out of range, set past the wire validation
	st.has |= hasMaxFrameSize

	err := h.applyRemoteSettings(&st)
	require.True(t, errors.Is(err, FrameSizeError))

	st.frameSize = 1 << 13
	err = h.applyRemoteSettings(&st)
	require.True(t, errors.Is(err, FrameSizeError))
}

func TestClientRejectsEnablePushFromServer(t *testing.T) {
	h, _, _ := newTestHandler(false)

	var st Settings
	st.SetPush(true)

	err := h.applyRemoteSettings(&st)
	require.True(t, errors.Is(err, ProtocolError))
}

func TestServerCannotSendEnablePush(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	var st Settings
	st.SetPush(false)

	wp := h.WriteSettings(st)
	require.Error(t, wp.Err())
	require.True(t, errors.Is(wp.Err(), ProtocolError))
}

func TestPendingSettingsQueueCapped(t *testing.T) {
	h, tr, _ := newTestHandler(false)
	h.OnActive()
	tr.take()

	for i := len(h.pendingSettings); i < maxPendingSettings; i++ {
		require.NoError(t, h.WriteSettings(Settings{}).Err())
	}

	wp := h.WriteSettings(Settings{})
	require.Error(t, wp.Err())
	require.True(t, tr.closed) // overflow is a connection error
}

func TestWriteDataClosesLocalSideOnEndStream(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())
	tr.take()

	wp := h.WriteData(3, []byte("response"), 0, true)
	require.True(t, wp.Done())
	require.NoError(t, wp.Err())

	frames := framesOfType(parseFrames(t, tr.take()), FrameData)
	require.Len(t, frames, 1)
	require.True(t, frames[0].Flags().Has(FlagEndStream))
	require.Equal(t, StreamStateHalfClosedLocal, h.conn.Stream(3).State())
}

func TestWriteDataRefusedAfterGoAway(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())

	h.Close(NewWritePromise())
	tr.take()

	wp := h.WriteData(3, []byte("late"), 0, false)
	require.Error(t, wp.Err())
	require.Empty(t, framesOfType(parseFrames(t, tr.take()), FrameData))
}

func TestWritePushPromiseReservesStream(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())
	tr.take()

	wp := h.WritePushPromise(3, 2, testHeaders(), 0)
	require.NoError(t, wp.Err())

	strm := h.conn.Stream(2)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateReservedLocal, strm.State())

	// headers on the reserved stream open it for push
	wp = h.WriteHeaders(2, testHeaders(), 0, false)
	require.NoError(t, wp.Err())
	require.Equal(t, StreamStateHalfClosedRemote, strm.State())
}

func TestInboundPushPromiseReservesRemote(t *testing.T) {
	h, tr, l := newTestHandler(false)
	h.OnActive()
	tr.take()

	p := newPeer()
	p.fw.WriteSettings(Settings{})
	h.Decode(p.take())

	// client opens stream 1, server promises stream 2 on it
	require.NoError(t, h.WriteHeaders(1, testHeaders(), 0, false).Err())

	p.fw.WritePushPromise(1, 2, testHeaders(), 0)
	h.Decode(p.take())

	require.Equal(t, []uint32{2}, l.pushPromises)
	strm := h.conn.Stream(2)
	require.NotNil(t, strm)
	require.Equal(t, StreamStateReservedRemote, strm.State())

	// the promised HEADERS open it towards us
	p.fw.WriteHeaders(2, testHeaders(), 0, false)
	h.Decode(p.take())
	require.Equal(t, StreamStateHalfClosedLocal, strm.State())
}

func TestOnInactiveClosesStreamsAndFiresShutdown(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeaders(3, testHeaders(), 0, false)
	h.Decode(p.take())

	h.Close(NewWritePromise())
	require.False(t, tr.closed)

	tr.inactive = true
	h.OnInactive()
	h.OnRemoved()

	require.Zero(t, h.conn.NumActiveStreams())
	require.True(t, h.resourcesFreed)
}

func TestUnknownFramesAreSurfaced(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	b := appendFrameHeader(nil, 3, FrameType(0x7e), 0, 0)
	b = append(b, 1, 2, 3)
	h.Decode(b)

	require.Equal(t, []FrameType{0x7e}, l.unknown)
	require.False(t, tr.closed)
}

func TestHeadersCarryPriority(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeadersPriority(5, testHeaders(), 3, 32, true, 0, false)
	h.Decode(p.take())

	strm := h.conn.Stream(5)
	require.NotNil(t, strm)
	require.Equal(t, uint32(3), strm.Dependency())
	require.Equal(t, uint16(32), strm.Weight())
	require.True(t, strm.Exclusive())
}

func TestSelfDependencyIsProtocolError(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	p.fw.WriteHeadersPriority(3, testHeaders(), 3, 16, false, 0, false)
	h.Decode(p.take())

	require.NotEmpty(t, framesOfType(parseFrames(t, tr.take()), FrameGoAway))
	require.True(t, tr.closed)
}

func TestSettingsListenerSeesValues(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	var st Settings
	st.SetMaxWindowSize(100000)
	st.SetHeaderTableSize(256)
	p.fw.WriteSettings(st)
	h.Decode(p.take())

	require.Len(t, l.settings, 2)
	got := l.settings[1]
	require.True(t, got.HasMaxWindowSize())
	require.Equal(t, uint32(100000), got.MaxWindowSize())
	require.Equal(t, uint32(256), got.HeaderTableSize())

	// the remote INITIAL_WINDOW_SIZE drives the outbound windows
	require.Equal(t, int32(100000), h.outboundFlow.InitialOutboundWindowSize())
	// and the HPACK encoder table of the writer
	require.Equal(t, uint32(256), h.fw.MaxHeaderTableSize())
}

func TestLargeHeaderBlockUsesContinuation(t *testing.T) {
	h, tr, l := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	big := make([]byte, 3*int(defaultMaxFrameSize))
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}

	hs := append(testHeaders(), hpack.HeaderField{Name: "x-big", Value: string(big)})
	p.fw.WriteHeaders(3, hs, 0, true)

	raw := p.take()
	frames := parseFrames(t, raw)
	require.Greater(t, len(frames), 1)
	require.Equal(t, FrameContinuation, frames[1].Type())

	// feed it in two arbitrary chunks to exercise buffering too
	h.Decode(raw[:len(raw)/2])
	h.Decode(raw[len(raw)/2:])

	require.Equal(t, []uint32{3}, l.headerStreams)
	require.Equal(t, StreamStateHalfClosedRemote, h.conn.Stream(3).State())
}

func TestInterleavedFrameDuringHeaderBlockIsConnectionError(t *testing.T) {
	h, tr, _ := newTestHandler(true)
	p := newPeer()
	handshakeServer(t, h, tr, p)

	// HEADERS without END_HEADERS, then a PING: the header block is torn.
	block := appendFrameHeader(nil, 0, FrameHeaders, 0, 3)
	h.Decode(block)

	p.fw.WritePing(false, [pingPayloadLen]byte{})
	h.Decode(p.take())

	require.NotEmpty(t, framesOfType(parseFrames(t, tr.take()), FrameGoAway))
	require.True(t, tr.closed)
}
