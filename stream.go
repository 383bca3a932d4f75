package http2

// StreamState follows the stream lifecycle of RFC 7540 §5.1.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReservedLocal:
		return "ReservedLocal"
	case StreamStateReservedRemote:
		return "ReservedRemote"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamStateHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

// Stream is a single HTTP/2 stream held by the connection registry.
type Stream struct {
	id    uint32
	state StreamState

	dependency uint32
	weight     uint16
	exclusive  bool

	// terminateSent and terminateReceived record that a RST_STREAM was
	// emitted or observed for this stream.
	terminateSent     bool
	terminateReceived bool

	owner     *conn
	createdBy *endpoint
	active    bool
}

func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) State() StreamState {
	return s.state
}

func (s *Stream) Dependency() uint32 {
	return s.dependency
}

func (s *Stream) Weight() uint16 {
	return s.weight
}

func (s *Stream) Exclusive() bool {
	return s.exclusive
}

func (s *Stream) IsTerminateSent() bool {
	return s.terminateSent
}

func (s *Stream) IsTerminateReceived() bool {
	return s.terminateReceived
}

// VerifyState returns a stream error with the given code unless the stream
// is in one of the allowed states.
func (s *Stream) VerifyState(code ErrorCode, allowed ...StreamState) error {
	for _, state := range allowed {
		if s.state == state {
			return nil
		}
	}

	return NewStreamError(s.id, code, "stream "+s.state.String()+" not in an allowed state")
}

// SetPriority stores the priority tuple for the stream. Weights are the RFC
// range 1-256; a stream cannot depend on itself.
func (s *Stream) SetPriority(dependency uint32, weight uint16, exclusive bool) error {
	if dependency == s.id {
		return NewGoAwayError(ProtocolError, "stream that depends on itself")
	}

	if weight < 1 || weight > 256 {
		return NewGoAwayError(ProtocolError, "priority weight outside 1-256")
	}

	s.dependency = dependency
	s.weight = weight
	s.exclusive = exclusive

	return nil
}

// openForPush transitions a reserved stream into the half-closed state that
// push mandates: the pushing side keeps its sending half only.
func (s *Stream) openForPush() error {
	switch s.state {
	case StreamStateReservedLocal:
		s.setState(StreamStateHalfClosedRemote)
	case StreamStateReservedRemote:
		s.setState(StreamStateHalfClosedLocal)
	default:
		return NewGoAwayError(ProtocolError, "stream "+s.state.String()+" is not reserved for push")
	}

	return nil
}

func (s *Stream) setState(state StreamState) {
	s.state = state

	wasActive := s.active
	s.active = state == StreamStateOpen ||
		state == StreamStateHalfClosedLocal ||
		state == StreamStateHalfClosedRemote

	if s.owner != nil {
		if s.active && !wasActive {
			s.owner.activated(s)
		} else if !s.active && wasActive {
			s.owner.deactivated(s)
		}
	}
}

// close moves the stream to Closed and queues it for removal from the
// registry; it stays resolvable until closedStreamLinger newer streams have
// closed.
func (s *Stream) close() {
	if s.state == StreamStateClosed {
		return
	}

	s.setState(StreamStateClosed)

	if s.owner != nil {
		s.owner.removeStream(s)
	}
}
