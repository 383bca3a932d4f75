package http2

import (
	"errors"
	"fmt"
)

// ErrorCode defines the error codes an HTTP/2 peer can report on a
// RST_STREAM or GOAWAY frame.
//
// https://tools.ietf.org/html/rfc7540#section-7
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	StreamCanceled       ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectionError      ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

func (code ErrorCode) String() string {
	switch code {
	case NoError:
		return "NoError"
	case ProtocolError:
		return "ProtocolError"
	case InternalError:
		return "InternalError"
	case FlowControlError:
		return "FlowControlError"
	case SettingsTimeoutError:
		return "SettingsTimeoutError"
	case StreamClosedError:
		return "StreamClosedError"
	case FrameSizeError:
		return "FrameSizeError"
	case RefusedStreamError:
		return "RefusedStreamError"
	case StreamCanceled:
		return "StreamCanceled"
	case CompressionError:
		return "CompressionError"
	case ConnectionError:
		return "ConnectionError"
	case EnhanceYourCalm:
		return "EnhanceYourCalm"
	case InadequateSecurity:
		return "InadequateSecurity"
	case HTTP11Required:
		return "HTTP11Required"
	}

	return "Unknown"
}

// Error implements the error interface so an ErrorCode can be matched with
// errors.Is.
func (code ErrorCode) Error() string {
	return code.String()
}

var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMissingBytes     = errors.New("missing payload bytes")
	ErrPayloadExceeds   = errors.New("frame payload exceeds the maximum size")
)

// Error is a protocol error. The frame type it carries decides the recovery
// path: FrameGoAway errors tear down the connection, FrameResetStream errors
// terminate a single stream and let the connection survive.
type Error struct {
	code      ErrorCode
	frameType FrameType
	stream    uint32
	debug     string
}

// NewGoAwayError returns a connection-level error that will be reported to
// the peer with a GOAWAY frame.
func NewGoAwayError(code ErrorCode, debug string) Error {
	return Error{
		code:      code,
		frameType: FrameGoAway,
		debug:     debug,
	}
}

// NewResetStreamError returns a stream-level error that will be reported to
// the peer with a RST_STREAM frame.
func NewResetStreamError(code ErrorCode, debug string) Error {
	return Error{
		code:      code,
		frameType: FrameResetStream,
		debug:     debug,
	}
}

// NewStreamError is like NewResetStreamError with the affected stream
// attached, for errors raised away from the dispatch site.
func NewStreamError(stream uint32, code ErrorCode, debug string) Error {
	return Error{
		code:      code,
		frameType: FrameResetStream,
		stream:    stream,
		debug:     debug,
	}
}

func (e Error) Code() ErrorCode {
	return e.code
}

func (e Error) Debug() string {
	return e.debug
}

// Stream returns the stream the error belongs to, or 0 for connection
// errors.
func (e Error) Stream() uint32 {
	return e.stream
}

func (e Error) Is(target error) bool {
	if code, ok := target.(ErrorCode); ok {
		return e.code == code
	}

	var err Error
	if errors.As(target, &err) {
		return e.code == err.code && e.frameType == err.frameType
	}

	return false
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.debug)
}

func isConnectionError(err error) bool {
	var h2Err Error
	if errors.As(err, &h2Err) {
		return h2Err.frameType == FrameGoAway
	}

	return false
}

// toH2Error converts any error into an Error. Non-protocol failures are
// wrapped as connection-level internal errors.
func toH2Error(err error) Error {
	var h2Err Error
	if errors.As(err, &h2Err) {
		return h2Err
	}

	return NewGoAwayError(InternalError, err.Error())
}
