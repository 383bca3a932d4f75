package http2

import (
	"github.com/h2lab/http2/http2utils"
)

// FrameHeader is the fixed 9-octet header that precedes every frame payload.
//
// https://tools.ietf.org/html/rfc7540#section-4.1
type FrameHeader struct {
	length int
	typ    FrameType
	flags  FrameFlags
	stream uint32
}

func (fh *FrameHeader) Type() FrameType {
	return fh.typ
}

func (fh *FrameHeader) SetType(typ FrameType) {
	fh.typ = typ
}

func (fh *FrameHeader) Flags() FrameFlags {
	return fh.flags
}

func (fh *FrameHeader) SetFlags(flags FrameFlags) {
	fh.flags = flags
}

func (fh *FrameHeader) Stream() uint32 {
	return fh.stream
}

func (fh *FrameHeader) SetStream(stream uint32) {
	fh.stream = stream & maxStreamID
}

// Len is the payload length announced by the header.
func (fh *FrameHeader) Len() int {
	return fh.length
}

func (fh *FrameHeader) SetLen(n int) {
	fh.length = n
}

// readFrameHeader decodes the 9 leading octets of b. b must hold at least
// frameHeaderLen bytes.
func readFrameHeader(b []byte, fh *FrameHeader) {
	fh.length = int(http2utils.BytesToUint24(b))
	fh.typ = FrameType(b[3])
	fh.flags = FrameFlags(b[4])
	fh.stream = http2utils.BytesToUint32(b[5:]) & maxStreamID
}

// appendFrameHeader serialises a frame header for a payload of the given
// length.
func appendFrameHeader(dst []byte, length int, typ FrameType, flags FrameFlags, stream uint32) []byte {
	var b [frameHeaderLen]byte

	http2utils.Uint24ToBytes(b[:3], uint32(length))
	b[3] = byte(typ)
	b[4] = byte(flags)
	http2utils.Uint32ToBytes(b[5:], stream&maxStreamID)

	return append(dst, b[:]...)
}
