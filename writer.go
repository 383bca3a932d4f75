package http2

import (
	"bytes"
	"errors"

	"github.com/h2lab/http2/http2utils"
	"golang.org/x/net/http2/hpack"
)

// FrameWriter serialises outbound frames onto the transport. Every write
// returns a completion handle resolved once the bytes reach the transport.
type FrameWriter interface {
	WriteData(streamID uint32, data []byte, padding int, endStream bool) *WritePromise
	WriteHeaders(streamID uint32, headers Headers, padding int, endStream bool) *WritePromise
	WriteHeadersPriority(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) *WritePromise
	WritePriority(streamID, dependency uint32, weight uint16, exclusive bool) *WritePromise
	WriteRstStream(streamID uint32, code ErrorCode) *WritePromise
	WriteSettings(st Settings) *WritePromise
	WriteSettingsAck() *WritePromise
	WritePing(ack bool, data [pingPayloadLen]byte) *WritePromise
	WritePushPromise(streamID, promisedStreamID uint32, headers Headers, padding int) *WritePromise
	WriteGoAway(lastStreamID uint32, code ErrorCode, debugData []byte) *WritePromise
	WriteWindowUpdate(streamID uint32, increment int) *WritePromise

	MaxHeaderTableSize() uint32
	SetMaxHeaderTableSize(size uint32)
	MaxFrameSize() uint32
	SetMaxFrameSize(size uint32) error
	MaxHeaderListSize() uint32
	SetMaxHeaderListSize(size uint32)

	Close() error
}

var (
	errWriterClosed      = errors.New("frame writer is closed")
	errHeaderListTooBig  = errors.New("header list exceeds the maximum size")
	errPaddingOutOfRange = errors.New("padding must fit in a single octet")
)

type frameWriter struct {
	tr Transport

	enc    *hpack.Encoder
	encBuf bytes.Buffer

	maxTableSize      uint32
	maxFrameSize      uint32
	maxHeaderListSize uint32

	closed bool
}

// NewFrameWriter returns the default RFC 7540 frame serialiser writing to
// tr.
func NewFrameWriter(tr Transport) FrameWriter {
	fw := &frameWriter{
		tr:           tr,
		maxTableSize: defaultHeaderTableSize,
		maxFrameSize: defaultMaxFrameSize,
	}
	fw.enc = hpack.NewEncoder(&fw.encBuf)

	return fw
}

func (fw *frameWriter) MaxHeaderTableSize() uint32 {
	return fw.maxTableSize
}

func (fw *frameWriter) SetMaxHeaderTableSize(size uint32) {
	fw.maxTableSize = size
	fw.enc.SetMaxDynamicTableSize(size)
}

func (fw *frameWriter) MaxFrameSize() uint32 {
	return fw.maxFrameSize
}

func (fw *frameWriter) SetMaxFrameSize(size uint32) error {
	if size < defaultMaxFrameSize || size > maxFrameSizeLimit {
		return errInvalidMaxFrameSize
	}

	fw.maxFrameSize = size
	return nil
}

func (fw *frameWriter) MaxHeaderListSize() uint32 {
	return fw.maxHeaderListSize
}

func (fw *frameWriter) SetMaxHeaderListSize(size uint32) {
	fw.maxHeaderListSize = size
}

func (fw *frameWriter) Close() error {
	fw.closed = true
	return nil
}

func (fw *frameWriter) writeFrame(typ FrameType, flags FrameFlags, stream uint32, payload []byte) *WritePromise {
	if fw.closed {
		return failedPromise(errWriterClosed)
	}

	b := appendFrameHeader(make([]byte, 0, frameHeaderLen+len(payload)), len(payload), typ, flags, stream)
	b = append(b, payload...)

	p := fw.tr.Write(b)
	if err := fw.tr.Flush(); err != nil {
		return failedPromise(err)
	}

	return p
}

func (fw *frameWriter) WriteData(streamID uint32, data []byte, padding int, endStream bool) *WritePromise {
	var flags FrameFlags
	if endStream {
		flags = flags.Add(FlagEndStream)
	}

	payload, flags, err := padPayload(data, padding, flags)
	if err != nil {
		return failedPromise(err)
	}

	if len(payload) > int(fw.maxFrameSize) {
		return failedPromise(ErrPayloadExceeds)
	}

	return fw.writeFrame(FrameData, flags, streamID, payload)
}

func (fw *frameWriter) WriteHeaders(streamID uint32, headers Headers, padding int, endStream bool) *WritePromise {
	return fw.writeHeaderBlock(streamID, headers, nil, padding, endStream)
}

func (fw *frameWriter) WriteHeadersPriority(streamID uint32, headers Headers, dependency uint32, weight uint16, exclusive bool, padding int, endStream bool) *WritePromise {
	return fw.writeHeaderBlock(streamID, headers, appendPrioritySection(nil, dependency, weight, exclusive), padding, endStream)
}

// writeHeaderBlock emits a HEADERS frame, splitting the encoded block into
// CONTINUATION frames when it does not fit the peer's max frame size.
func (fw *frameWriter) writeHeaderBlock(streamID uint32, headers Headers, priority []byte, padding int, endStream bool) *WritePromise {
	block, err := fw.encodeHeaders(headers)
	if err != nil {
		return failedPromise(err)
	}

	var flags FrameFlags
	if endStream {
		flags = flags.Add(FlagEndStream)
	}
	if len(priority) > 0 {
		flags = flags.Add(FlagPriority)
	}

	budget := int(fw.maxFrameSize) - len(priority)
	if padding > 0 {
		budget -= padding + 1
	}

	first := block
	rest := []byte(nil)
	if len(block) > budget {
		first, rest = block[:budget], block[budget:]
	} else {
		flags = flags.Add(FlagEndHeaders)
	}

	payload := append(priority, first...)
	payload, flags, err = padPayload(payload, padding, flags)
	if err != nil {
		return failedPromise(err)
	}

	p := fw.writeFrame(FrameHeaders, flags, streamID, payload)

	for len(rest) > 0 {
		chunk := rest
		var cflags FrameFlags
		if len(chunk) > int(fw.maxFrameSize) {
			chunk, rest = chunk[:fw.maxFrameSize], chunk[fw.maxFrameSize:]
		} else {
			rest = nil
			cflags = cflags.Add(FlagEndHeaders)
		}

		p = fw.writeFrame(FrameContinuation, cflags, streamID, chunk)
	}

	return p
}

func (fw *frameWriter) WritePriority(streamID, dependency uint32, weight uint16, exclusive bool) *WritePromise {
	return fw.writeFrame(FramePriority, 0, streamID, appendPrioritySection(nil, dependency, weight, exclusive))
}

func (fw *frameWriter) WriteRstStream(streamID uint32, code ErrorCode) *WritePromise {
	return fw.writeFrame(FrameResetStream, 0, streamID, http2utils.AppendUint32Bytes(nil, uint32(code)))
}

func (fw *frameWriter) WriteSettings(st Settings) *WritePromise {
	return fw.writeFrame(FrameSettings, 0, 0, st.AppendPayload(nil))
}

func (fw *frameWriter) WriteSettingsAck() *WritePromise {
	return fw.writeFrame(FrameSettings, FlagAck, 0, nil)
}

func (fw *frameWriter) WritePing(ack bool, data [pingPayloadLen]byte) *WritePromise {
	var flags FrameFlags
	if ack {
		flags = flags.Add(FlagAck)
	}

	return fw.writeFrame(FramePing, flags, 0, data[:])
}

func (fw *frameWriter) WritePushPromise(streamID, promisedStreamID uint32, headers Headers, padding int) *WritePromise {
	block, err := fw.encodeHeaders(headers)
	if err != nil {
		return failedPromise(err)
	}

	payload := http2utils.AppendUint32Bytes(nil, promisedStreamID&maxStreamID)
	payload = append(payload, block...)

	flags := FlagEndHeaders
	payload, flags, err = padPayload(payload, padding, flags)
	if err != nil {
		return failedPromise(err)
	}

	if len(payload) > int(fw.maxFrameSize) {
		return failedPromise(ErrPayloadExceeds)
	}

	return fw.writeFrame(FramePushPromise, flags, streamID, payload)
}

func (fw *frameWriter) WriteGoAway(lastStreamID uint32, code ErrorCode, debugData []byte) *WritePromise {
	payload := http2utils.AppendUint32Bytes(nil, lastStreamID&maxStreamID)
	payload = http2utils.AppendUint32Bytes(payload, uint32(code))
	payload = append(payload, debugData...)

	return fw.writeFrame(FrameGoAway, 0, 0, payload)
}

func (fw *frameWriter) WriteWindowUpdate(streamID uint32, increment int) *WritePromise {
	return fw.writeFrame(FrameWindowUpdate, 0, streamID,
		http2utils.AppendUint32Bytes(nil, uint32(increment)&maxStreamID))
}

func (fw *frameWriter) encodeHeaders(headers Headers) ([]byte, error) {
	if fw.maxHeaderListSize > 0 {
		size := uint32(0)
		for i := range headers {
			size += headers[i].Size()
		}
		if size > fw.maxHeaderListSize {
			return nil, errHeaderListTooBig
		}
	}

	fw.encBuf.Reset()
	for _, hf := range headers {
		if err := fw.enc.WriteField(hf); err != nil {
			return nil, err
		}
	}

	return append([]byte(nil), fw.encBuf.Bytes()...), nil
}

func appendPrioritySection(dst []byte, dependency uint32, weight uint16, exclusive bool) []byte {
	dep := dependency & maxStreamID
	if exclusive {
		dep |= 1 << 31
	}

	if weight < 1 {
		weight = 1
	} else if weight > 256 {
		weight = 256
	}

	dst = http2utils.AppendUint32Bytes(dst, dep)
	return append(dst, byte(weight-1))
}

// padPayload prepends the pad length octet and appends zeroed padding.
func padPayload(payload []byte, padding int, flags FrameFlags) ([]byte, FrameFlags, error) {
	if padding <= 0 {
		return payload, flags, nil
	}

	if padding > 255 {
		return nil, flags, errPaddingOutOfRange
	}

	padded := make([]byte, 0, len(payload)+padding+1)
	padded = append(padded, byte(padding))
	padded = append(padded, payload...)
	padded = append(padded, make([]byte, padding)...)

	return padded, flags.Add(FlagPadded), nil
}
