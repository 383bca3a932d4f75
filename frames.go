package http2

import (
	"strconv"

	"golang.org/x/net/http2/hpack"
)

type FrameType int8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameResetStream  FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "FrameData"
	case FrameHeaders:
		return "FrameHeaders"
	case FramePriority:
		return "FramePriority"
	case FrameResetStream:
		return "FrameResetStream"
	case FrameSettings:
		return "FrameSettings"
	case FramePushPromise:
		return "FramePushPromise"
	case FramePing:
		return "FramePing"
	case FrameGoAway:
		return "FrameGoAway"
	case FrameWindowUpdate:
		return "FrameWindowUpdate"
	case FrameContinuation:
		return "FrameContinuation"
	}

	return strconv.Itoa(int(ft))
}

// FrameFlags is the 8-bit flags field of a frame header.
type FrameFlags int8

const (
	FlagAck        FrameFlags = 0x1
	FlagEndStream  FrameFlags = 0x1
	FlagEndHeaders FrameFlags = 0x4
	FlagPadded     FrameFlags = 0x8
	FlagPriority   FrameFlags = 0x20
)

func (flags FrameFlags) Has(f FrameFlags) bool {
	return flags&f == f
}

func (flags FrameFlags) Add(f FrameFlags) FrameFlags {
	return flags | f
}

func (flags FrameFlags) Del(f FrameFlags) FrameFlags {
	return flags &^ f
}

// Headers is a decoded header block.
type Headers []hpack.HeaderField

const (
	// connection preface every client sends as its very first bytes.
	prefaceString = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	defaultHeaderTableSize uint32 = 4096
	defaultWindowSize      int32  = 65535
	defaultMaxFrameSize    uint32 = 1 << 14
	maxFrameSizeLimit      uint32 = 1<<24 - 1

	maxWindowSize    = 1<<31 - 1
	maxStreamID      = 1<<31 - 1
	upgradeStreamID  = 1
	maxStreamsNoCap  = 1<<31 - 1
	pingPayloadLen   = 8
	frameHeaderLen   = 9
	priorityGroupLen = 5

	// DefaultPriorityWeight is the weight assigned to a stream when the peer
	// did not specify one.
	DefaultPriorityWeight uint16 = 16
)

var prefaceBytes = []byte(prefaceString)
