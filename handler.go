package http2

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

var logger = log.New(os.Stdout, "[HTTP/2] ", log.LstdFlags)

// shutdownPhase tracks the graceful-close state machine: a GOAWAY is
// emitted, in-flight streams drain, then the transport closes.
type shutdownPhase int8

const (
	shutdownNone shutdownPhase = iota
	shutdownGoAwaySent
	shutdownClosing
	shutdownClosed
)

const maxPendingSettings = 16

// HandlerConfig configures a ConnHandler. Transport is mandatory; every
// other collaborator defaults to the in-package implementation.
type HandlerConfig struct {
	// Server selects the server role: even stream ids, client-preface
	// expected first on the wire.
	Server bool

	Transport Transport

	// Listener receives validated inbound frames. Defaults to no-ops.
	Listener FrameListener

	Connection   Connection
	FrameReader  FrameReader
	FrameWriter  FrameWriter
	InboundFlow  InboundFlowController
	OutboundFlow OutboundFlowController

	// Logger is used for debugging information if Debug is set.
	Logger fasthttp.Logger

	// Debug is a flag that will allow the library to print debugging information.
	Debug bool
}

func (cfg *HandlerConfig) defaults() {
	if cfg.Listener == nil {
		cfg.Listener = FrameListenerBase{}
	}

	if cfg.Connection == nil {
		cfg.Connection = NewConnection(cfg.Server)
	}

	if cfg.FrameReader == nil {
		cfg.FrameReader = NewFrameReader()
	}

	if cfg.FrameWriter == nil {
		cfg.FrameWriter = NewFrameWriter(cfg.Transport)
	}

	if cfg.InboundFlow == nil {
		cfg.InboundFlow = NewInboundFlowController(cfg.FrameWriter)
	}

	if cfg.OutboundFlow == nil {
		cfg.OutboundFlow = NewOutboundFlowController(cfg.FrameWriter)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger
	}
}

// ConnHandler is the connection-level HTTP/2 engine. It sits between a
// byte-oriented transport and a frame-oriented listener, driving the
// connection preface, the per-stream state machine, settings negotiation
// and flow-controlled frame dispatch.
//
// All methods must be invoked from a single goroutine, normally the
// transport's serve loop.
type ConnHandler struct {
	conn Connection

	fr FrameReader
	fw FrameWriter

	inboundFlow  InboundFlowController
	outboundFlow OutboundFlowController

	listener FrameListener

	tr Transport

	// pendingSettings holds locally-sent SETTINGS awaiting the peer's ack,
	// oldest first.
	pendingSettings []Settings

	// clientPreface holds the still-unmatched tail of the client preface.
	// Servers only; released once fully matched.
	clientPreface *bytebufferpool.ByteBuffer

	prefaceSent     bool
	prefaceReceived bool

	shutdown     shutdownPhase
	closePromise *WritePromise

	resourcesFreed bool

	logger fasthttp.Logger
	debug  bool
}

// NewConnHandler builds the engine for one connection.
func NewConnHandler(cfg HandlerConfig) *ConnHandler {
	cfg.defaults()

	h := &ConnHandler{
		conn:         cfg.Connection,
		fr:           cfg.FrameReader,
		fw:           cfg.FrameWriter,
		inboundFlow:  cfg.InboundFlow,
		outboundFlow: cfg.OutboundFlow,
		listener:     cfg.Listener,
		tr:           cfg.Transport,
		logger:       cfg.Logger,
		debug:        cfg.Debug,
	}

	if cfg.Server {
		h.clientPreface = bytebufferpool.Get()
		h.clientPreface.Set(prefaceBytes)
	}

	return h
}

// Connection exposes the stream registry of this handler.
func (h *ConnHandler) Connection() Connection {
	return h.conn
}

// NextStreamID returns the next stream ID the local endpoint can create.
func (h *ConnHandler) NextStreamID() uint32 {
	return h.conn.Local().NextStreamID()
}

// Settings computes the local settings, leaving out values still at their
// RFC 7540 defaults.
func (h *ConnHandler) Settings() Settings {
	var st Settings

	if w := h.inboundFlow.InitialInboundWindowSize(); w != defaultWindowSize {
		st.SetMaxWindowSize(uint32(w))
	}

	if ms := h.conn.Remote().MaxStreams(); ms != maxStreamsNoCap {
		st.SetMaxConcurrentStreams(uint32(ms))
	}

	if ts := h.fr.MaxHeaderTableSize(); ts != defaultHeaderTableSize {
		st.SetHeaderTableSize(ts)
	}

	if fs := h.fr.MaxFrameSize(); fs != defaultMaxFrameSize {
		st.SetMaxFrameSize(fs)
	}

	if hl := h.fr.MaxHeaderListSize(); hl != 0 {
		st.SetMaxHeaderListSize(hl)
	}

	// Only clients may advertise ENABLE_PUSH.
	if !h.conn.IsServer() && !h.conn.Local().PushAllowed() {
		st.SetPush(false)
	}

	return st
}

// OnActive must be called when the transport becomes active. Sends the
// connection preface once.
func (h *ConnHandler) OnActive() {
	h.sendPreface()
}

// OnAttached must be called when the handler is attached to an already
// active transport. Sends the connection preface once.
func (h *ConnHandler) OnAttached() {
	h.sendPreface()
}

// OnInactive must be called once the transport is gone. Every active
// stream closes against a succeeded future so a pending shutdown fires on
// the last one.
func (h *ConnHandler) OnInactive() {
	f := succeededPromise()
	for _, strm := range h.conn.ActiveStreams() {
		h.closeStream(strm, f)
	}
}

// OnRemoved must be called when the handler is detached; it frees the
// codec and preface resources exactly once.
func (h *ConnHandler) OnRemoved() {
	h.freeResources()
}

// Close initiates graceful shutdown: GOAWAY, drain in-flight streams,
// close the transport. p resolves when the GOAWAY reaches the transport.
func (h *ConnHandler) Close(p *WritePromise) {
	if !h.tr.IsActive() {
		h.tr.Close(p)
		return
	}

	h.sendGoAway(p, nil)
}

// OnException routes protocol-typed errors raised by adjacent components
// through the engine's error classification. Anything else is ignored.
func (h *ConnHandler) OnException(err error) {
	var h2Err Error
	if errors.As(err, &h2Err) {
		h.onError(h2Err)
	}
}

// Decode consumes inbound transport bytes: first the client preface on
// servers, then frames.
func (h *ConnHandler) Decode(b []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.onError(NewGoAwayError(InternalError, fmt.Sprintf("%v", r)))
		}
	}()

	rest, done := h.readClientPreface(b)
	if !done {
		return
	}

	// A stream error only kills its stream; keep draining the buffered
	// frames behind it. Connection errors stop the loop, the GOAWAY is
	// already on its way.
	for {
		err := h.fr.ReadFrames(rest, frameDispatch{h})
		rest = nil
		if err == nil {
			return
		}

		h2Err := toH2Error(err)
		h.onError(h2Err)

		if h2Err.frameType == FrameGoAway {
			return
		}
	}
}

// OnClientUpgrade handles the client side of a cleartext HTTP upgrade,
// reserving stream 1 for the HTTP/2 response. Must be called before the
// preface handshake begins.
func (h *ConnHandler) OnClientUpgrade() error {
	if h.conn.IsServer() {
		return NewGoAwayError(ProtocolError, "client-side HTTP upgrade requested for a server")
	}

	if h.prefaceSent || h.prefaceReceived {
		return NewGoAwayError(ProtocolError, "HTTP upgrade must occur before the HTTP/2 preface is sent or received")
	}

	if h.conn.Stream(upgradeStreamID) != nil {
		return NewGoAwayError(ProtocolError, "stream 1 already in use")
	}

	_, err := h.conn.Local().CreateStream(upgradeStreamID, true)
	return err
}

// OnServerUpgrade handles the server side of a cleartext HTTP upgrade. The
// supplied settings are the remote endpoint's; they apply immediately and
// without an ack, which is folded into the normal preface handshake.
func (h *ConnHandler) OnServerUpgrade(st *Settings) error {
	if !h.conn.IsServer() {
		return NewGoAwayError(ProtocolError, "server-side HTTP upgrade requested for a client")
	}

	if h.prefaceSent || h.prefaceReceived {
		return NewGoAwayError(ProtocolError, "HTTP upgrade must occur before the HTTP/2 preface is sent or received")
	}

	if h.conn.Stream(upgradeStreamID) != nil {
		return NewGoAwayError(ProtocolError, "stream 1 already in use")
	}

	if err := h.applyRemoteSettings(st); err != nil {
		return err
	}

	_, err := h.conn.Remote().CreateStream(upgradeStreamID, true)
	return err
}

// sendPreface transmits the connection preface once the transport is
// active: the 24-octet magic on clients, then the initial SETTINGS on both
// roles.
func (h *ConnHandler) sendPreface() {
	if h.prefaceSent || !h.tr.IsActive() {
		return
	}

	h.prefaceSent = true

	if !h.conn.IsServer() {
		h.tr.Write(prefaceBytes).OnComplete(h.closeOnFailure)
		if err := h.tr.Flush(); err != nil {
			h.closeOnFailure(err)
			return
		}
	}

	st := h.Settings()
	if err := h.enqueueLocalSettings(st); err != nil {
		h.onError(toH2Error(err))
		return
	}

	h.fw.WriteSettings(st).OnComplete(h.closeOnFailure)
}

func (h *ConnHandler) closeOnFailure(err error) {
	if err != nil {
		h.tr.Close(NewWritePromise())
	}
}

// readClientPreface byte-compares inbound data against the remaining
// client preface. Returns the leftover bytes and whether frame processing
// may proceed. Clients pass everything through.
func (h *ConnHandler) readClientPreface(in []byte) ([]byte, bool) {
	if h.clientPreface == nil {
		return in, true
	}

	remaining := h.clientPreface.B
	n := min(len(in), len(remaining))

	if n == 0 || !bytes.Equal(in[:n], remaining[:n]) {
		if h.debug {
			h.logger.Printf("invalid connection preface\n")
		}
		h.tr.Close(NewWritePromise())
		return nil, false
	}

	h.clientPreface.B = remaining[n:]
	if len(h.clientPreface.B) > 0 {
		return nil, false
	}

	bytebufferpool.Put(h.clientPreface)
	h.clientPreface = nil

	return in[n:], true
}

// WriteData sends DATA on an open stream through the outbound flow
// controller. With endStream the local side closes once the write
// completes.
func (h *ConnHandler) WriteData(streamID uint32, data []byte, padding int, endStream bool) *WritePromise {
	p := NewWritePromise()

	if h.conn.IsGoAway() {
		return p.Fail(NewGoAwayError(ProtocolError, "sending data after connection going away"))
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return p.Fail(err)
	}

	if err := strm.VerifyState(ProtocolError, StreamStateOpen, StreamStateHalfClosedRemote); err != nil {
		return p.Fail(err)
	}

	h.outboundFlow.WriteData(streamID, data, padding, endStream, p)

	p.OnComplete(func(err error) {
		if err != nil {
			h.onError(toH2Error(err))
			return
		}

		if endStream {
			if strm := h.conn.Stream(streamID); strm != nil {
				h.closeLocalSide(strm, p)
			}
		}
	})

	return p
}

// WriteHeaders sends HEADERS, creating the stream when it does not exist
// yet.
func (h *ConnHandler) WriteHeaders(streamID uint32, headers Headers, padding int, endStream bool) *WritePromise {
	return h.WriteHeadersPriority(streamID, headers, 0, DefaultPriorityWeight, false, padding, endStream)
}

func (h *ConnHandler) WriteHeadersPriority(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) *WritePromise {
	if h.conn.IsGoAway() {
		return failedPromise(NewGoAwayError(ProtocolError, "sending headers after connection going away"))
	}

	strm := h.conn.Stream(streamID)
	if strm == nil {
		var err error
		strm, err = h.conn.Local().CreateStream(streamID, endStream)
		if err != nil {
			return failedPromise(err)
		}
	} else if strm.State() == StreamStateReservedLocal {
		// Sending headers on a reserved push stream opens it for push.
		if err := strm.openForPush(); err != nil {
			return failedPromise(err)
		}
	} else {
		if err := strm.VerifyState(ProtocolError, StreamStateOpen, StreamStateHalfClosedRemote); err != nil {
			return failedPromise(err)
		}

		// The priority only matters when more frames will follow.
		if !endStream {
			if err := strm.SetPriority(dependency, weight, exclusive); err != nil {
				return failedPromise(err)
			}
		}
	}

	var p *WritePromise
	if dependency == 0 && weight == DefaultPriorityWeight && !exclusive {
		p = h.fw.WriteHeaders(streamID, headers, padding, endStream)
	} else {
		p = h.fw.WriteHeadersPriority(streamID, headers, dependency, weight, exclusive, padding, endStream)
	}

	if endStream {
		h.closeLocalSide(strm, p)
	}

	return p
}

// WritePriority updates and emits the priority of a stream.
func (h *ConnHandler) WritePriority(streamID, dependency uint32, weight uint16, exclusive bool) *WritePromise {
	if h.conn.IsGoAway() {
		return failedPromise(NewGoAwayError(ProtocolError, "sending priority after connection going away"))
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return failedPromise(err)
	}

	if err := strm.SetPriority(dependency, weight, exclusive); err != nil {
		return failedPromise(err)
	}

	return h.fw.WritePriority(streamID, dependency, weight, exclusive)
}

// WriteRstStream terminates a stream. Resetting an unknown stream is a
// silent success, since the stream may simply be closed already.
func (h *ConnHandler) WriteRstStream(streamID uint32, code ErrorCode) *WritePromise {
	strm := h.conn.Stream(streamID)
	if strm == nil {
		return succeededPromise()
	}

	p := h.fw.WriteRstStream(streamID, code)

	strm.terminateSent = true
	h.closeStream(strm, p)

	return p
}

// WriteSettings queues st on the pending-ack FIFO and emits the frame. The
// queued values only take effect once the peer's ack arrives.
func (h *ConnHandler) WriteSettings(st Settings) *WritePromise {
	if err := h.enqueueLocalSettings(st); err != nil {
		h.onError(toH2Error(err))
		return failedPromise(err)
	}

	if h.conn.IsGoAway() {
		return failedPromise(NewGoAwayError(ProtocolError, "sending settings after connection going away"))
	}

	if st.HasPush() && h.conn.IsServer() {
		return failedPromise(NewGoAwayError(ProtocolError, "server sending SETTINGS frame with ENABLE_PUSH specified"))
	}

	return h.fw.WriteSettings(st)
}

func (h *ConnHandler) enqueueLocalSettings(st Settings) error {
	if len(h.pendingSettings) >= maxPendingSettings {
		return NewGoAwayError(ProtocolError, "too many SETTINGS frames outstanding")
	}

	h.pendingSettings = append(h.pendingSettings, st)
	return nil
}

// WritePing emits a PING with the given opaque payload.
func (h *ConnHandler) WritePing(data [pingPayloadLen]byte) *WritePromise {
	if h.conn.IsGoAway() {
		return failedPromise(NewGoAwayError(ProtocolError, "sending ping after connection going away"))
	}

	return h.fw.WritePing(false, data)
}

// WritePushPromise reserves promisedStreamID parented at streamID and
// emits the PUSH_PROMISE frame.
func (h *ConnHandler) WritePushPromise(streamID, promisedStreamID uint32, headers Headers, padding int) *WritePromise {
	if h.conn.IsGoAway() {
		return failedPromise(NewGoAwayError(ProtocolError, "sending push promise after connection going away"))
	}

	parent, err := h.conn.RequireStream(streamID)
	if err != nil {
		return failedPromise(err)
	}

	if _, err := h.conn.Local().ReservePushStream(promisedStreamID, parent); err != nil {
		return failedPromise(err)
	}

	return h.fw.WritePushPromise(streamID, promisedStreamID, headers, padding)
}

// frameDispatch adapts the frame reader callbacks onto the engine's
// handlers, which run the user listener as their final step.
type frameDispatch struct {
	h *ConnHandler
}

var _ FrameListener = frameDispatch{}

func (d frameDispatch) OnDataRead(streamID uint32, data []byte, padding int, endStream bool) error {
	return d.h.handleDataRead(streamID, data, padding, endStream)
}

func (d frameDispatch) OnHeadersRead(streamID uint32, headers Headers, padding int, endStream bool) error {
	return d.h.handleHeadersRead(streamID, headers, 0, DefaultPriorityWeight, false, padding, endStream)
}

func (d frameDispatch) OnHeadersPriorityRead(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) error {
	return d.h.handleHeadersRead(streamID, headers, dependency, weight, exclusive, padding, endStream)
}

func (d frameDispatch) OnPriorityRead(streamID, dependency uint32, weight uint16, exclusive bool) error {
	return d.h.handlePriorityRead(streamID, dependency, weight, exclusive)
}

func (d frameDispatch) OnRstStreamRead(streamID uint32, code ErrorCode) error {
	return d.h.handleRstStreamRead(streamID, code)
}

func (d frameDispatch) OnSettingsRead(st *Settings) error {
	return d.h.handleSettingsRead(st)
}

func (d frameDispatch) OnSettingsAckRead() error {
	return d.h.handleSettingsAckRead()
}

func (d frameDispatch) OnPingRead(data [pingPayloadLen]byte) error {
	return d.h.handlePingRead(data)
}

func (d frameDispatch) OnPingAckRead(data [pingPayloadLen]byte) error {
	return d.h.handlePingAckRead(data)
}

func (d frameDispatch) OnPushPromiseRead(streamID, promisedStreamID uint32, headers Headers, padding int) error {
	return d.h.handlePushPromiseRead(streamID, promisedStreamID, headers, padding)
}

func (d frameDispatch) OnGoAwayRead(lastStreamID uint32, code ErrorCode, debugData []byte) error {
	return d.h.handleGoAwayRead(lastStreamID, code, debugData)
}

func (d frameDispatch) OnWindowUpdateRead(streamID uint32, increment int) error {
	return d.h.handleWindowUpdateRead(streamID, increment)
}

func (d frameDispatch) OnUnknownFrame(typ FrameType, streamID uint32, flags FrameFlags, payload []byte) {
	d.h.listener.OnUnknownFrame(typ, streamID, flags, payload)
}

func (h *ConnHandler) handleDataRead(streamID uint32, data []byte, padding int, endStream bool) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return err
	}

	if err := strm.VerifyState(StreamClosedError, StreamStateOpen, StreamStateHalfClosedLocal); err != nil {
		return err
	}

	// Flow control applies even to frames that end up ignored.
	if err := h.inboundFlow.OnDataRead(streamID, data, padding, endStream); err != nil {
		return err
	}

	if err := h.verifyGoAwayNotReceived(); err != nil {
		return err
	}

	if err := h.verifyRstStreamNotReceived(strm); err != nil {
		return err
	}

	if h.shouldIgnoreFrame(strm) {
		return nil
	}

	if err := h.listener.OnDataRead(streamID, data, padding, endStream); err != nil {
		return err
	}

	if endStream {
		h.closeRemoteSide(strm, succeededPromise())
	}

	return nil
}

func (h *ConnHandler) handleHeadersRead(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	strm := h.conn.Stream(streamID)

	if err := h.verifyGoAwayNotReceived(); err != nil {
		return err
	}

	if err := h.verifyRstStreamNotReceived(strm); err != nil {
		return err
	}

	if h.conn.Remote().IsGoAwayReceived() || (strm != nil && h.shouldIgnoreFrame(strm)) {
		return nil
	}

	if strm == nil {
		var err error
		strm, err = h.conn.Remote().CreateStream(streamID, endStream)
		if err != nil {
			return err
		}
	} else if strm.State() == StreamStateReservedRemote {
		// Headers for a reserved push stream open it towards us.
		if err := strm.openForPush(); err != nil {
			return err
		}
	} else {
		if err := strm.VerifyState(ProtocolError, StreamStateOpen, StreamStateHalfClosedLocal); err != nil {
			return err
		}
	}

	if err := h.listener.OnHeadersPriorityRead(streamID, headers, dependency, weight, exclusive, padding, endStream); err != nil {
		return err
	}

	if err := strm.SetPriority(dependency, weight, exclusive); err != nil {
		return err
	}

	if endStream {
		h.closeRemoteSide(strm, succeededPromise())
	}

	return nil
}

func (h *ConnHandler) handlePriorityRead(streamID, dependency uint32, weight uint16, exclusive bool) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return err
	}

	if err := h.verifyGoAwayNotReceived(); err != nil {
		return err
	}

	if err := h.verifyRstStreamNotReceived(strm); err != nil {
		return err
	}

	if strm.State() == StreamStateClosed || h.shouldIgnoreFrame(strm) {
		return nil
	}

	if err := h.listener.OnPriorityRead(streamID, dependency, weight, exclusive); err != nil {
		return err
	}

	return strm.SetPriority(dependency, weight, exclusive)
}

func (h *ConnHandler) handleRstStreamRead(streamID uint32, code ErrorCode) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return err
	}

	if strm.State() == StreamStateClosed {
		// RST_STREAM frames must be ignored for closed streams.
		return nil
	}

	if err := h.verifyRstStreamNotReceived(strm); err != nil {
		return err
	}

	strm.terminateReceived = true

	if err := h.listener.OnRstStreamRead(streamID, code); err != nil {
		return err
	}

	h.closeStream(strm, succeededPromise())
	return nil
}

func (h *ConnHandler) handleSettingsRead(st *Settings) error {
	if err := h.applyRemoteSettings(st); err != nil {
		return err
	}

	// Acknowledge receipt of the settings.
	h.fw.WriteSettingsAck()

	// We've received at least one non-ack settings frame from the peer.
	h.prefaceReceived = true

	return h.listener.OnSettingsRead(st)
}

func (h *ConnHandler) handleSettingsAckRead() error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	// Apply the oldest outstanding local settings. The ack is the
	// synchronization point between the endpoints.
	if len(h.pendingSettings) > 0 {
		st := h.pendingSettings[0]
		h.pendingSettings = h.pendingSettings[1:]

		if err := h.applyLocalSettings(&st); err != nil {
			return err
		}
	}

	return h.listener.OnSettingsAckRead()
}

func (h *ConnHandler) handlePingRead(data [pingPayloadLen]byte) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	// Echo the payload back with the ack bit set.
	h.fw.WritePing(true, data)

	return h.listener.OnPingRead(data)
}

func (h *ConnHandler) handlePingAckRead(data [pingPayloadLen]byte) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	return h.listener.OnPingAckRead(data)
}

func (h *ConnHandler) handlePushPromiseRead(streamID, promisedStreamID uint32, headers Headers, padding int) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	parent, err := h.conn.RequireStream(streamID)
	if err != nil {
		return err
	}

	if err := h.verifyGoAwayNotReceived(); err != nil {
		return err
	}

	if err := h.verifyRstStreamNotReceived(parent); err != nil {
		return err
	}

	if h.shouldIgnoreFrame(parent) {
		return nil
	}

	if _, err := h.conn.Remote().ReservePushStream(promisedStreamID, parent); err != nil {
		return err
	}

	return h.listener.OnPushPromiseRead(streamID, promisedStreamID, headers, padding)
}

func (h *ConnHandler) handleGoAwayRead(lastStreamID uint32, code ErrorCode, debugData []byte) error {
	// No more locally-created streams from here on. Existing streams keep
	// going.
	h.conn.Local().GoAwayReceived(lastStreamID)

	return h.listener.OnGoAwayRead(lastStreamID, code, debugData)
}

func (h *ConnHandler) handleWindowUpdateRead(streamID uint32, increment int) error {
	if err := h.verifyPrefaceReceived(); err != nil {
		return err
	}

	if streamID == 0 {
		if err := h.outboundFlow.UpdateOutboundWindowSize(0, increment); err != nil {
			return err
		}

		return h.listener.OnWindowUpdateRead(0, increment)
	}

	strm, err := h.conn.RequireStream(streamID)
	if err != nil {
		return err
	}

	if err := h.verifyGoAwayNotReceived(); err != nil {
		return err
	}

	if err := h.verifyRstStreamNotReceived(strm); err != nil {
		return err
	}

	if strm.State() == StreamStateClosed || h.shouldIgnoreFrame(strm) {
		return nil
	}

	if err := h.outboundFlow.UpdateOutboundWindowSize(streamID, increment); err != nil {
		return err
	}

	return h.listener.OnWindowUpdateRead(streamID, increment)
}

func (h *ConnHandler) verifyPrefaceReceived() error {
	if !h.prefaceReceived {
		return NewGoAwayError(ProtocolError, "received non-SETTINGS as first frame")
	}

	return nil
}

func (h *ConnHandler) verifyGoAwayNotReceived() error {
	if h.conn.Local().IsGoAwayReceived() {
		return NewGoAwayError(ProtocolError, "received frames after receiving GOAWAY")
	}

	return nil
}

func (h *ConnHandler) verifyRstStreamNotReceived(strm *Stream) error {
	if strm != nil && strm.terminateReceived {
		return NewStreamError(strm.ID(), StreamClosedError, "frame received after receiving RST_STREAM")
	}

	return nil
}

// shouldIgnoreFrame reports whether inbound frames for the stream must be
// dropped silently: either we announced a GOAWAY and the peer created the
// stream past our last known stream, or we already reset the stream
// ourselves.
func (h *ConnHandler) shouldIgnoreFrame(strm *Stream) bool {
	remote := h.conn.Remote()
	if remote.IsGoAwayReceived() && strm.ID() > remote.LastKnownStream() {
		return true
	}

	return strm.terminateSent
}

// applyRemoteSettings applies settings received from the peer, before the
// ack goes out.
func (h *ConnHandler) applyRemoteSettings(st *Settings) error {
	if st.HasPush() {
		if !h.conn.IsServer() {
			return NewGoAwayError(ProtocolError, "client received SETTINGS frame with ENABLE_PUSH specified")
		}

		h.conn.Remote().SetPushAllowed(st.Push())
	}

	if st.HasMaxConcurrentStreams() {
		h.conn.Local().SetMaxStreams(clampMaxStreams(st.MaxConcurrentStreams()))
	}

	if st.HasHeaderTableSize() {
		h.fw.SetMaxHeaderTableSize(st.HeaderTableSize())
	}

	if st.HasMaxHeaderListSize() {
		h.fw.SetMaxHeaderListSize(st.MaxHeaderListSize())
	}

	if st.HasMaxFrameSize() {
		if err := h.fw.SetMaxFrameSize(st.MaxFrameSize()); err != nil {
			return NewGoAwayError(FrameSizeError, "invalid MAX_FRAME_SIZE specified in received settings")
		}
	}

	if st.HasMaxWindowSize() {
		if err := h.outboundFlow.SetInitialOutboundWindowSize(int32(st.MaxWindowSize())); err != nil {
			return NewGoAwayError(FlowControlError, err.Error())
		}
	}

	return nil
}

// applyLocalSettings applies settings we sent earlier, once the peer's ack
// arrives. The mirrored targets of applyRemoteSettings.
func (h *ConnHandler) applyLocalSettings(st *Settings) error {
	if st.HasPush() {
		if h.conn.IsServer() {
			return NewGoAwayError(ProtocolError, "server sending SETTINGS frame with ENABLE_PUSH specified")
		}

		h.conn.Local().SetPushAllowed(st.Push())
	}

	if st.HasMaxConcurrentStreams() {
		h.conn.Remote().SetMaxStreams(clampMaxStreams(st.MaxConcurrentStreams()))
	}

	if st.HasHeaderTableSize() {
		h.fr.SetMaxHeaderTableSize(st.HeaderTableSize())
	}

	if st.HasMaxHeaderListSize() {
		h.fr.SetMaxHeaderListSize(st.MaxHeaderListSize())
	}

	if st.HasMaxFrameSize() {
		if err := h.fr.SetMaxFrameSize(st.MaxFrameSize()); err != nil {
			return NewGoAwayError(FrameSizeError, "invalid MAX_FRAME_SIZE specified in sent settings")
		}
	}

	if st.HasMaxWindowSize() {
		if err := h.inboundFlow.SetInitialInboundWindowSize(int32(st.MaxWindowSize())); err != nil {
			return NewGoAwayError(FlowControlError, err.Error())
		}
	}

	return nil
}

func clampMaxStreams(v uint32) int {
	if v > maxStreamsNoCap {
		return maxStreamsNoCap
	}
	return int(v)
}

// onError classifies an error and reacts: RST_STREAM for stream errors,
// GOAWAY plus deferred transport close for connection errors.
func (h *ConnHandler) onError(cause Error) {
	if cause.frameType == FrameResetStream {
		h.onStreamError(cause)
		return
	}

	h.onConnectionError(cause)
}

func (h *ConnHandler) onConnectionError(cause Error) {
	if h.debug {
		h.logger.Printf("connection error: %s\n", cause)
	}

	h.sendGoAway(NewWritePromise(), &cause)
}

func (h *ConnHandler) onStreamError(cause Error) {
	if h.debug {
		h.logger.Printf("stream %d error: %s\n", cause.Stream(), cause)
	}

	h.fw.WriteRstStream(cause.Stream(), cause.Code())

	if strm := h.conn.Stream(cause.Stream()); strm != nil {
		strm.terminateSent = true
		h.closeStream(strm, succeededPromise())
	}
}

// sendGoAway emits a GOAWAY (once) and arms the close machinery. With a
// cause, or with no streams left, the transport closes right after the
// frame; otherwise the close waits for the last stream to drain.
func (h *ConnHandler) sendGoAway(p *WritePromise, cause *Error) {
	var future *WritePromise

	if !h.conn.IsGoAway() {
		code := NoError
		var debugData []byte
		if cause != nil {
			code = cause.Code()
			debugData = []byte(cause.Debug())
		}

		lastKnownStream := h.conn.Remote().LastStreamCreated()
		future = h.fw.WriteGoAway(lastKnownStream, code, debugData)
		h.conn.Remote().GoAwayReceived(lastKnownStream)

		if p != nil {
			future.OnComplete(p.Complete)
			p = nil
		}

		if h.debug {
			h.logger.Printf("GoAway(last=%d, code=%s) sent\n", lastKnownStream, code)
		}
	}

	h.armCloseListener(p)

	if cause != nil || h.conn.NumActiveStreams() == 0 {
		if future == nil {
			future = succeededPromise()
		}

		future.OnComplete(h.fireClose)
	}
}

// armCloseListener registers (or refreshes) the pending transport close. A
// repeat arm while streams still drain resolves the new promise
// immediately and keeps the original close pending.
func (h *ConnHandler) armCloseListener(p *WritePromise) {
	if h.shutdown >= shutdownClosing {
		if p != nil {
			p.Complete(nil)
		}
		return
	}

	if h.closePromise == nil {
		if p == nil {
			p = NewWritePromise()
		}
		h.closePromise = p
		h.shutdown = shutdownGoAwaySent
		return
	}

	if p != nil {
		p.Complete(nil)
	}
}

// fireClose closes the transport and frees resources, exactly once.
func (h *ConnHandler) fireClose(error) {
	if h.shutdown >= shutdownClosing {
		return
	}

	h.shutdown = shutdownClosing

	p := h.closePromise
	if p == nil {
		p = NewWritePromise()
	}

	h.tr.Close(p)
	h.freeResources()

	h.shutdown = shutdownClosed
}

// closeLocalSide closes our sending half of the stream after an
// end-of-stream write: open streams half-close, streams whose local side is
// already closed stay as they are, anything else closes fully.
func (h *ConnHandler) closeLocalSide(strm *Stream, f *WritePromise) {
	switch strm.State() {
	case StreamStateOpen:
		strm.setState(StreamStateHalfClosedLocal)
	case StreamStateHalfClosedLocal:
		// our side is closed already
	default:
		h.closeStream(strm, f)
	}
}

// closeRemoteSide closes the peer's sending half after an inbound
// end-of-stream marker.
func (h *ConnHandler) closeRemoteSide(strm *Stream, f *WritePromise) {
	switch strm.State() {
	case StreamStateOpen:
		strm.setState(StreamStateHalfClosedRemote)
	case StreamStateHalfClosedRemote:
		// the peer's side is closed already
	default:
		h.closeStream(strm, f)
	}
}

// closeStream closes the stream and, when a shutdown is pending and this
// was the last active stream, attaches the transport close to f.
func (h *ConnHandler) closeStream(strm *Stream, f *WritePromise) {
	strm.close()

	if h.shutdown == shutdownGoAwaySent && h.conn.NumActiveStreams() == 0 {
		f.OnComplete(h.fireClose)
	}
}

// freeResources releases the codec and the preface buffer, exactly once.
func (h *ConnHandler) freeResources() {
	if h.resourcesFreed {
		return
	}
	h.resourcesFreed = true

	_ = h.fr.Close()
	_ = h.fw.Close()

	if h.clientPreface != nil {
		bytebufferpool.Put(h.clientPreface)
		h.clientPreface = nil
	}
}
