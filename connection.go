package http2

import (
	"strconv"
)

// Endpoint is one side's view of the connection: the streams it created,
// its concurrency cap, push allowance and GOAWAY state.
type Endpoint interface {
	// CreateStream opens a new stream initiated by this endpoint. With
	// halfClosed the stream starts with the initiator's sending half
	// already closed.
	CreateStream(id uint32, halfClosed bool) (*Stream, error)

	// ReservePushStream reserves a stream promised via PUSH_PROMISE,
	// parented at parent.
	ReservePushStream(id uint32, parent *Stream) (*Stream, error)

	// NextStreamID returns the next stream ID this endpoint may allocate.
	NextStreamID() uint32

	LastStreamCreated() uint32

	IsGoAwayReceived() bool

	// GoAwayReceived latches the endpoint into GOAWAY mode with the last
	// stream the peer promised to process.
	GoAwayReceived(lastKnownStream uint32)

	// LastKnownStream is the last stream id carried by the GOAWAY, valid
	// once IsGoAwayReceived reports true.
	LastKnownStream() uint32

	MaxStreams() int
	SetMaxStreams(maxStreams int)

	// PushAllowed reports whether this endpoint accepts pushed streams.
	PushAllowed() bool
	SetPushAllowed(allowed bool)

	NumActiveStreams() int
}

// Connection is the registry of streams and the two endpoint views of an
// HTTP/2 connection.
type Connection interface {
	IsServer() bool

	Local() Endpoint
	Remote() Endpoint

	// Stream returns the registered stream, or nil.
	Stream(id uint32) *Stream

	// RequireStream is Stream, raising a connection error when absent.
	RequireStream(id uint32) (*Stream, error)

	NumActiveStreams() int

	// ActiveStreams snapshots the streams currently in an open or
	// half-closed state.
	ActiveStreams() []*Stream

	// IsGoAway reports whether a GOAWAY was seen in either direction.
	IsGoAway() bool
}

type conn struct {
	server bool

	local  *endpoint
	remote *endpoint

	streams     map[uint32]*Stream
	activeCount int

	// closedOrder remembers closed streams still lingering in the registry,
	// oldest first, so a late RST_STREAM stays a silent no-op.
	closedOrder []uint32
}

// closedStreamLinger bounds how many closed streams stay resolvable before
// eviction.
const closedStreamLinger = 64

// NewConnection creates the default stream registry for a client or server
// connection.
func NewConnection(server bool) Connection {
	c := &conn{
		server:  server,
		streams: make(map[uint32]*Stream),
	}

	c.local = newEndpoint(c, true, server)
	c.remote = newEndpoint(c, false, !server)

	return c
}

func (c *conn) IsServer() bool {
	return c.server
}

func (c *conn) Local() Endpoint {
	return c.local
}

func (c *conn) Remote() Endpoint {
	return c.remote
}

func (c *conn) Stream(id uint32) *Stream {
	return c.streams[id]
}

func (c *conn) RequireStream(id uint32) (*Stream, error) {
	strm := c.streams[id]
	if strm == nil {
		return nil, NewGoAwayError(ProtocolError, "stream "+strconv.FormatUint(uint64(id), 10)+" does not exist")
	}

	return strm, nil
}

func (c *conn) NumActiveStreams() int {
	return c.activeCount
}

func (c *conn) ActiveStreams() []*Stream {
	strms := make([]*Stream, 0, c.activeCount)
	for _, strm := range c.streams {
		if strm.active {
			strms = append(strms, strm)
		}
	}

	return strms
}

func (c *conn) IsGoAway() bool {
	return c.local.goAway || c.remote.goAway
}

func (c *conn) activated(s *Stream) {
	c.activeCount++
	if s.createdBy != nil {
		s.createdBy.numActive++
	}
}

func (c *conn) deactivated(s *Stream) {
	c.activeCount--
	if s.createdBy != nil {
		s.createdBy.numActive--
	}
}

func (c *conn) removeStream(s *Stream) {
	c.closedOrder = append(c.closedOrder, s.id)

	for len(c.closedOrder) > closedStreamLinger {
		delete(c.streams, c.closedOrder[0])
		c.closedOrder = c.closedOrder[1:]
	}
}

func (c *conn) opposite(e *endpoint) *endpoint {
	if e == c.local {
		return c.remote
	}
	return c.local
}

type endpoint struct {
	c *conn

	// local marks the endpoint view that this process operates.
	local bool
	// server marks the endpoint that plays the server role; it allocates
	// even stream ids, the client odd ones.
	server bool

	nextID      uint32
	lastCreated uint32

	maxStreams  int
	numActive   int
	pushAllowed bool

	goAway          bool
	lastKnownStream uint32
}

func newEndpoint(c *conn, local, server bool) *endpoint {
	nextID := uint32(1)
	if server {
		nextID = 2
	}

	return &endpoint{
		c:           c,
		local:       local,
		server:      server,
		nextID:      nextID,
		maxStreams:  maxStreamsNoCap,
		pushAllowed: true,
	}
}

func (e *endpoint) NextStreamID() uint32 {
	return e.nextID
}

func (e *endpoint) LastStreamCreated() uint32 {
	return e.lastCreated
}

func (e *endpoint) IsGoAwayReceived() bool {
	return e.goAway
}

func (e *endpoint) GoAwayReceived(lastKnownStream uint32) {
	e.goAway = true
	e.lastKnownStream = lastKnownStream
}

func (e *endpoint) LastKnownStream() uint32 {
	return e.lastKnownStream
}

func (e *endpoint) MaxStreams() int {
	return e.maxStreams
}

func (e *endpoint) SetMaxStreams(maxStreams int) {
	e.maxStreams = maxStreams
}

func (e *endpoint) PushAllowed() bool {
	return e.pushAllowed
}

func (e *endpoint) SetPushAllowed(allowed bool) {
	e.pushAllowed = allowed
}

func (e *endpoint) NumActiveStreams() int {
	return e.numActive
}

func (e *endpoint) CreateStream(id uint32, halfClosed bool) (*Stream, error) {
	if err := e.checkNewStreamAllowed(id); err != nil {
		return nil, err
	}

	if e.numActive >= e.maxStreams {
		return nil, NewGoAwayError(RefusedStreamError, "maximum streams exceeded for this endpoint")
	}

	strm := e.register(id)

	switch {
	case !halfClosed:
		strm.setState(StreamStateOpen)
	case e.local:
		strm.setState(StreamStateHalfClosedLocal)
	default:
		strm.setState(StreamStateHalfClosedRemote)
	}

	return strm, nil
}

func (e *endpoint) ReservePushStream(id uint32, parent *Stream) (*Stream, error) {
	if parent == nil {
		return nil, NewGoAwayError(ProtocolError, "parent stream missing")
	}

	if err := parent.VerifyState(ProtocolError,
		StreamStateOpen, StreamStateHalfClosedLocal, StreamStateHalfClosedRemote); err != nil {
		return nil, err
	}

	if !e.c.opposite(e).pushAllowed {
		return nil, NewGoAwayError(ProtocolError, "server push is not allowed to the opposite endpoint")
	}

	if err := e.checkNewStreamAllowed(id); err != nil {
		return nil, err
	}

	strm := e.register(id)
	strm.dependency = parent.id

	if e.local {
		strm.state = StreamStateReservedLocal
	} else {
		strm.state = StreamStateReservedRemote
	}

	return strm, nil
}

func (e *endpoint) checkNewStreamAllowed(id uint32) error {
	if id == 0 {
		return NewGoAwayError(ProtocolError, "stream id 0 is reserved for the connection")
	}

	if (id&1 == 0) != e.server {
		return NewGoAwayError(ProtocolError, "invalid stream id parity for this endpoint")
	}

	if id <= e.lastCreated {
		return NewGoAwayError(ProtocolError, "stream ID is lower than the latest")
	}

	if e.goAway {
		return NewGoAwayError(ProtocolError, "cannot create a stream since the connection is going away")
	}

	return nil
}

func (e *endpoint) register(id uint32) *Stream {
	strm := &Stream{
		id:        id,
		state:     StreamStateIdle,
		weight:    DefaultPriorityWeight,
		owner:     e.c,
		createdBy: e,
	}

	e.c.streams[id] = strm
	e.lastCreated = id
	e.nextID = id + 2

	return strm
}
