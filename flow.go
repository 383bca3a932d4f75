package http2

import (
	"errors"
)

// InboundFlowController credits the local receive windows as DATA arrives.
type InboundFlowController interface {
	InitialInboundWindowSize() int32
	SetInitialInboundWindowSize(size int32) error

	// OnDataRead accounts an inbound DATA frame against the connection and
	// stream windows and emits WINDOW_UPDATE credit.
	OnDataRead(streamID uint32, data []byte, padding int, endStream bool) error
}

// OutboundFlowController paces DATA frames against the peer's windows.
type OutboundFlowController interface {
	InitialOutboundWindowSize() int32
	SetInitialOutboundWindowSize(size int32) error

	// UpdateOutboundWindowSize applies a WINDOW_UPDATE increment. Stream id
	// 0 targets the connection window.
	UpdateOutboundWindowSize(streamID uint32, increment int) error

	// WriteData admits a DATA write. Ownership of data passes to the
	// controller; the promise completes once the final chunk reaches the
	// writer.
	WriteData(streamID uint32, data []byte, padding int, endStream bool, p *WritePromise)
}

var (
	errInvalidWindowSizeIncrement = errors.New("invalid window size increment")
	errWindowSizeOverflow         = errors.New("window size overflow")
	errWindowIncrementZero        = errors.New("window size increment is 0")
	errInvalidWindowSize          = errors.New("window size outside 0..2^31-1")
)

func validateWindowIncrement(inc int64) error {
	if inc == 0 {
		return errWindowIncrementZero
	}

	if inc < 0 || inc > maxWindowSize {
		return errInvalidWindowSizeIncrement
	}

	return nil
}

func addAndClampWindow(window *int64, inc int64) (int64, error) {
	if inc <= 0 || inc > maxWindowSize {
		return *window, errInvalidWindowSizeIncrement
	}

	if *window > maxWindowSize-inc {
		*window = maxWindowSize
		return *window, errWindowSizeOverflow
	}

	*window += inc
	return *window, nil
}

func windowUpdateErrorMessage(err error) string {
	switch err {
	case errInvalidWindowSizeIncrement:
		return "invalid window size increment"
	case errWindowSizeOverflow:
		return "window is above limits"
	case errWindowIncrementZero:
		return "window size increment is 0"
	default:
		return err.Error()
	}
}

// windowIncrement computes how much credit can be returned without growing
// the window past its limit.
func windowIncrement(limit, current int64, n int) int {
	if n <= 0 || current >= limit {
		return 0
	}

	remaining := limit - current
	if int64(n) > remaining {
		return int(remaining)
	}

	return n
}

type inboundFlow struct {
	fw FrameWriter

	initialWindow int32
	connWindow    int32
	windows       map[uint32]int32
}

// NewInboundFlowController returns the default inbound flow controller,
// crediting windows back through fw as data is consumed.
func NewInboundFlowController(fw FrameWriter) InboundFlowController {
	return &inboundFlow{
		fw:            fw,
		initialWindow: defaultWindowSize,
		connWindow:    defaultWindowSize,
		windows:       make(map[uint32]int32),
	}
}

func (fl *inboundFlow) InitialInboundWindowSize() int32 {
	return fl.initialWindow
}

func (fl *inboundFlow) SetInitialInboundWindowSize(size int32) error {
	if size < 0 {
		return errInvalidWindowSize
	}

	delta := size - fl.initialWindow
	fl.initialWindow = size
	fl.connWindow += delta

	for id, w := range fl.windows {
		fl.windows[id] = w + delta
	}

	return nil
}

func (fl *inboundFlow) OnDataRead(streamID uint32, data []byte, padding int, endStream bool) error {
	n := len(data) + padding
	if padding > 0 {
		n++ // the pad length octet counts against the window too
	}

	if n == 0 {
		return nil
	}

	if int32(n) > fl.connWindow {
		return NewGoAwayError(FlowControlError, "connection flow control window exceeded")
	}
	fl.connWindow -= int32(n)

	w, ok := fl.windows[streamID]
	if !ok {
		w = fl.initialWindow
	}

	if int32(n) > w {
		return NewStreamError(streamID, FlowControlError, "stream flow control window exceeded")
	}
	w -= int32(n)

	if inc := windowIncrement(int64(fl.initialWindow), int64(fl.connWindow), n); inc > 0 {
		fl.connWindow += int32(inc)
		fl.fw.WriteWindowUpdate(0, inc)
	}

	if endStream {
		delete(fl.windows, streamID)
		return nil
	}

	if inc := windowIncrement(int64(fl.initialWindow), int64(w), n); inc > 0 {
		w += int32(inc)
		fl.fw.WriteWindowUpdate(streamID, inc)
	}
	fl.windows[streamID] = w

	return nil
}

type pendingData struct {
	data      []byte
	padding   int
	endStream bool
	p         *WritePromise
}

type outStream struct {
	window  int64
	pending []*pendingData
}

type outboundFlow struct {
	fw FrameWriter

	initialWindow int32
	connWindow    int64
	streams       map[uint32]*outStream
}

// NewOutboundFlowController returns the default outbound flow controller
// pacing DATA against the peer's connection and stream windows.
func NewOutboundFlowController(fw FrameWriter) OutboundFlowController {
	return &outboundFlow{
		fw:            fw,
		initialWindow: defaultWindowSize,
		connWindow:    int64(defaultWindowSize),
		streams:       make(map[uint32]*outStream),
	}
}

func (fl *outboundFlow) InitialOutboundWindowSize() int32 {
	return fl.initialWindow
}

func (fl *outboundFlow) SetInitialOutboundWindowSize(size int32) error {
	if size < 0 {
		return errInvalidWindowSize
	}

	delta := int64(size) - int64(fl.initialWindow)
	fl.initialWindow = size

	for id, os := range fl.streams {
		os.window += delta
		if os.window > maxWindowSize {
			os.window = maxWindowSize
		}
		fl.flush(id, os)
	}

	return nil
}

func (fl *outboundFlow) UpdateOutboundWindowSize(streamID uint32, increment int) error {
	if err := validateWindowIncrement(int64(increment)); err != nil {
		code := FlowControlError
		if errors.Is(err, errWindowIncrementZero) {
			code = ProtocolError
		}

		msg := windowUpdateErrorMessage(err)
		if streamID == 0 {
			return NewGoAwayError(code, msg)
		}
		return NewStreamError(streamID, code, msg)
	}

	if streamID == 0 {
		if _, err := addAndClampWindow(&fl.connWindow, int64(increment)); err != nil {
			return NewGoAwayError(FlowControlError, windowUpdateErrorMessage(err))
		}

		for id, os := range fl.streams {
			fl.flush(id, os)
		}

		return nil
	}

	os := fl.stream(streamID)
	if _, err := addAndClampWindow(&os.window, int64(increment)); err != nil {
		return NewStreamError(streamID, FlowControlError, windowUpdateErrorMessage(err))
	}

	fl.flush(streamID, os)
	return nil
}

func (fl *outboundFlow) WriteData(streamID uint32, data []byte, padding int, endStream bool, p *WritePromise) {
	os := fl.stream(streamID)
	os.pending = append(os.pending, &pendingData{
		data:      data,
		padding:   padding,
		endStream: endStream,
		p:         p,
	})

	fl.flush(streamID, os)
}

func (fl *outboundFlow) stream(id uint32) *outStream {
	os := fl.streams[id]
	if os == nil {
		os = &outStream{window: int64(fl.initialWindow)}
		fl.streams[id] = os
	}

	return os
}

// flush drains as much pending data as the windows allow, chunking at the
// writer's max frame size.
func (fl *outboundFlow) flush(id uint32, os *outStream) {
	for len(os.pending) > 0 {
		pd := os.pending[0]

		if len(pd.data) == 0 {
			wp := fl.fw.WriteData(id, nil, pd.padding, pd.endStream)
			wp.OnComplete(pd.p.Complete)
			os.pending = os.pending[1:]
			continue
		}

		budget := int(fl.fw.MaxFrameSize())
		if pd.padding > 0 {
			budget -= pd.padding + 1
		}

		for len(pd.data) > 0 {
			if os.window <= 0 || fl.connWindow <= 0 {
				return
			}

			n := min(len(pd.data), budget, int(os.window), int(fl.connWindow))
			chunk := pd.data[:n]
			pd.data = pd.data[n:]
			os.window -= int64(n)
			fl.connWindow -= int64(n)

			if len(pd.data) == 0 {
				wp := fl.fw.WriteData(id, chunk, pd.padding, pd.endStream)
				wp.OnComplete(pd.p.Complete)
			} else {
				wp := fl.fw.WriteData(id, chunk, 0, false)
				wp.OnComplete(func(err error) {
					if err != nil {
						pd.p.Complete(err)
					}
				})
			}
		}

		os.pending = os.pending[1:]

		if pd.endStream {
			delete(fl.streams, id)
			return
		}
	}
}
