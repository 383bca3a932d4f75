package http2

import (
	"errors"

	"github.com/h2lab/http2/http2utils"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http2/hpack"
)

// FrameReader parses an inbound byte stream into frame events delivered to
// a FrameListener.
type FrameReader interface {
	// ReadFrames consumes b, buffering partial frames until more bytes
	// arrive, and dispatches every complete frame to the listener.
	ReadFrames(b []byte, listener FrameListener) error

	MaxHeaderTableSize() uint32
	SetMaxHeaderTableSize(size uint32)
	MaxFrameSize() uint32
	SetMaxFrameSize(size uint32) error
	MaxHeaderListSize() uint32
	SetMaxHeaderListSize(size uint32)

	Close() error
}

var errInvalidMaxFrameSize = errors.New("max frame size outside the allowed range")

var errReaderClosed = errors.New("frame reader is closed")

type frameReader struct {
	buf *bytebufferpool.ByteBuffer
	dec *hpack.Decoder

	maxTableSize      uint32
	maxFrameSize      uint32
	maxHeaderListSize uint32

	// headers is the header block being accumulated across CONTINUATION
	// frames, nil when no block is open.
	headers *headerBlock

	// discard counts payload bytes of an oversized frame still to skip.
	discard int

	closed bool
}

type headerBlock struct {
	stream   uint32
	promised uint32
	isPush   bool

	hasPriority bool
	dependency  uint32
	weight      uint16
	exclusive   bool

	padding   int
	endStream bool
	fragment  []byte
}

// NewFrameReader returns the default RFC 7540 frame parser.
func NewFrameReader() FrameReader {
	return &frameReader{
		buf:          bytebufferpool.Get(),
		dec:          hpack.NewDecoder(defaultHeaderTableSize, nil),
		maxTableSize: defaultHeaderTableSize,
		maxFrameSize: defaultMaxFrameSize,
	}
}

func (fr *frameReader) MaxHeaderTableSize() uint32 {
	return fr.maxTableSize
}

func (fr *frameReader) SetMaxHeaderTableSize(size uint32) {
	fr.maxTableSize = size
	fr.dec.SetMaxDynamicTableSize(size)
}

func (fr *frameReader) MaxFrameSize() uint32 {
	return fr.maxFrameSize
}

func (fr *frameReader) SetMaxFrameSize(size uint32) error {
	if size < defaultMaxFrameSize || size > maxFrameSizeLimit {
		return errInvalidMaxFrameSize
	}

	fr.maxFrameSize = size
	return nil
}

func (fr *frameReader) MaxHeaderListSize() uint32 {
	return fr.maxHeaderListSize
}

func (fr *frameReader) SetMaxHeaderListSize(size uint32) {
	fr.maxHeaderListSize = size
}

func (fr *frameReader) Close() error {
	if fr.closed {
		return nil
	}

	fr.closed = true
	fr.headers = nil
	bytebufferpool.Put(fr.buf)
	fr.buf = nil

	return nil
}

func (fr *frameReader) ReadFrames(b []byte, listener FrameListener) error {
	if fr.closed {
		return errReaderClosed
	}

	_, _ = fr.buf.Write(b)
	in := fr.buf.B

	if fr.discard > 0 {
		n := min(fr.discard, len(in))
		fr.discard -= n
		in = in[n:]
	}

	var err error

	for err == nil {
		if len(in) < frameHeaderLen {
			break
		}

		var fh FrameHeader
		readFrameHeader(in, &fh)
		total := frameHeaderLen + fh.length

		if fh.length > int(fr.maxFrameSize) {
			if len(in) < total {
				fr.discard = total - len(in)
				in = in[len(in):]
			} else {
				in = in[total:]
			}

			err = oversizeFrameError(&fh)
			break
		}

		if len(in) < total {
			break
		}

		payload := in[frameHeaderLen:total]
		in = in[total:]

		err = fr.processFrame(&fh, payload, listener)
	}

	n := copy(fr.buf.B, in)
	fr.buf.B = fr.buf.B[:n]

	return err
}

// oversizeFrameError follows RFC 7540 §4.2: frames that alter connection
// state must kill the connection, everything else only the stream.
func oversizeFrameError(fh *FrameHeader) error {
	switch {
	case fh.stream == 0,
		fh.typ == FrameSettings,
		fh.typ == FrameHeaders,
		fh.typ == FramePushPromise,
		fh.typ == FrameContinuation:
		return NewGoAwayError(FrameSizeError, "frame size exceeds maximum")
	default:
		return NewStreamError(fh.stream, FrameSizeError, "frame size exceeds maximum")
	}
}

func (fr *frameReader) processFrame(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fr.headers != nil && (fh.typ != FrameContinuation || fh.stream != fr.headers.stream) {
		return NewGoAwayError(ProtocolError, "frame on incomplete header block")
	}

	switch fh.typ {
	case FrameData:
		return fr.processData(fh, payload, l)
	case FrameHeaders:
		return fr.processHeaders(fh, payload, l)
	case FrameContinuation:
		return fr.processContinuation(fh, payload, l)
	case FramePriority:
		return fr.processPriority(fh, payload, l)
	case FrameResetStream:
		return fr.processRstStream(fh, payload, l)
	case FrameSettings:
		return fr.processSettings(fh, payload, l)
	case FramePushPromise:
		return fr.processPushPromise(fh, payload, l)
	case FramePing:
		return fr.processPing(fh, payload, l)
	case FrameGoAway:
		return fr.processGoAway(fh, payload, l)
	case FrameWindowUpdate:
		return fr.processWindowUpdate(fh, payload, l)
	default:
		l.OnUnknownFrame(fh.typ, fh.stream, fh.flags, payload)
		return nil
	}
}

func (fr *frameReader) processData(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream == 0 {
		return NewGoAwayError(ProtocolError, "DATA frame on the connection stream")
	}

	data, padding, err := cutFramePadding(fh, payload)
	if err != nil {
		return err
	}

	return l.OnDataRead(fh.stream, data, padding, fh.flags.Has(FlagEndStream))
}

func (fr *frameReader) processHeaders(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream == 0 {
		return NewGoAwayError(ProtocolError, "HEADERS frame on the connection stream")
	}

	block, padding, err := cutFramePadding(fh, payload)
	if err != nil {
		return err
	}

	hb := &headerBlock{
		stream:    fh.stream,
		padding:   padding,
		endStream: fh.flags.Has(FlagEndStream),
		weight:    DefaultPriorityWeight,
	}

	if fh.flags.Has(FlagPriority) {
		if len(block) < priorityGroupLen {
			return NewGoAwayError(FrameSizeError, "HEADERS priority section truncated")
		}

		dep := http2utils.BytesToUint32(block)
		hb.hasPriority = true
		hb.exclusive = dep>>31 == 1
		hb.dependency = dep & maxStreamID
		hb.weight = uint16(block[4]) + 1
		block = block[priorityGroupLen:]
	}

	hb.fragment = append(hb.fragment, block...)

	if fh.flags.Has(FlagEndHeaders) {
		return fr.finishHeaders(hb, l)
	}

	fr.headers = hb
	return nil
}

func (fr *frameReader) processContinuation(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fr.headers == nil {
		return NewGoAwayError(ProtocolError, "CONTINUATION without an open header block")
	}

	fr.headers.fragment = append(fr.headers.fragment, payload...)

	if fh.flags.Has(FlagEndHeaders) {
		hb := fr.headers
		fr.headers = nil
		return fr.finishHeaders(hb, l)
	}

	return nil
}

func (fr *frameReader) finishHeaders(hb *headerBlock, l FrameListener) error {
	fields, err := fr.dec.DecodeFull(hb.fragment)
	if err != nil {
		return NewGoAwayError(CompressionError, err.Error())
	}

	if fr.maxHeaderListSize > 0 {
		size := uint32(0)
		for i := range fields {
			size += fields[i].Size()
		}
		if size > fr.maxHeaderListSize {
			return NewGoAwayError(ProtocolError, "header list exceeds the maximum size")
		}
	}

	hs := Headers(fields)

	switch {
	case hb.isPush:
		return l.OnPushPromiseRead(hb.stream, hb.promised, hs, hb.padding)
	case hb.hasPriority:
		return l.OnHeadersPriorityRead(hb.stream, hs, hb.dependency, hb.weight, hb.exclusive, hb.padding, hb.endStream)
	default:
		return l.OnHeadersRead(hb.stream, hs, hb.padding, hb.endStream)
	}
}

func (fr *frameReader) processPriority(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream == 0 {
		return NewGoAwayError(ProtocolError, "PRIORITY frame on the connection stream")
	}

	if len(payload) != priorityGroupLen {
		return NewStreamError(fh.stream, FrameSizeError, "PRIORITY frame with invalid length")
	}

	dep := http2utils.BytesToUint32(payload)

	return l.OnPriorityRead(fh.stream, dep&maxStreamID, uint16(payload[4])+1, dep>>31 == 1)
}

func (fr *frameReader) processRstStream(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream == 0 {
		return NewGoAwayError(ProtocolError, "RST_STREAM frame on the connection stream")
	}

	if len(payload) != 4 {
		return NewGoAwayError(FrameSizeError, "RST_STREAM frame with invalid length")
	}

	return l.OnRstStreamRead(fh.stream, ErrorCode(http2utils.BytesToUint32(payload)))
}

func (fr *frameReader) processSettings(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream != 0 {
		return NewGoAwayError(ProtocolError, "SETTINGS frame is carrying a stream id")
	}

	var st Settings
	st.SetAck(fh.flags.Has(FlagAck))

	if err := st.ReadPayload(payload); err != nil {
		return err
	}

	if st.IsAck() {
		return l.OnSettingsAckRead()
	}

	return l.OnSettingsRead(&st)
}

func (fr *frameReader) processPushPromise(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream == 0 {
		return NewGoAwayError(ProtocolError, "PUSH_PROMISE frame on the connection stream")
	}

	block, padding, err := cutFramePadding(fh, payload)
	if err != nil {
		return err
	}

	if len(block) < 4 {
		return NewGoAwayError(FrameSizeError, "PUSH_PROMISE frame truncated")
	}

	hb := &headerBlock{
		stream:   fh.stream,
		promised: http2utils.BytesToUint32(block) & maxStreamID,
		isPush:   true,
		padding:  padding,
	}
	hb.fragment = append(hb.fragment, block[4:]...)

	if fh.flags.Has(FlagEndHeaders) {
		return fr.finishHeaders(hb, l)
	}

	fr.headers = hb
	return nil
}

func (fr *frameReader) processPing(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream != 0 {
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	}

	if len(payload) != pingPayloadLen {
		return NewGoAwayError(FrameSizeError, "PING frame with invalid length")
	}

	var data [pingPayloadLen]byte
	copy(data[:], payload)

	if fh.flags.Has(FlagAck) {
		return l.OnPingAckRead(data)
	}

	return l.OnPingRead(data)
}

func (fr *frameReader) processGoAway(fh *FrameHeader, payload []byte, l FrameListener) error {
	if fh.stream != 0 {
		return NewGoAwayError(ProtocolError, "GOAWAY frame is carrying a stream id")
	}

	if len(payload) < 8 {
		return NewGoAwayError(FrameSizeError, "GOAWAY frame truncated")
	}

	last := http2utils.BytesToUint32(payload) & maxStreamID
	code := ErrorCode(http2utils.BytesToUint32(payload[4:]))

	return l.OnGoAwayRead(last, code, payload[8:])
}

func (fr *frameReader) processWindowUpdate(fh *FrameHeader, payload []byte, l FrameListener) error {
	if len(payload) != 4 {
		return NewGoAwayError(FrameSizeError, "WINDOW_UPDATE frame with invalid length")
	}

	inc := int(http2utils.BytesToUint32(payload) & maxStreamID)

	return l.OnWindowUpdateRead(fh.stream, inc)
}

func cutFramePadding(fh *FrameHeader, payload []byte) ([]byte, int, error) {
	if !fh.flags.Has(FlagPadded) {
		return payload, 0, nil
	}

	data, err := http2utils.CutPadding(payload, fh.length)
	if err != nil {
		return nil, 0, NewGoAwayError(ProtocolError, "padding exceeds the frame payload")
	}

	return data, fh.length - len(data) - 1, nil
}
