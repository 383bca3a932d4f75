package http2

import (
	"bufio"
	"errors"
	"io"
	"net"
)

// Transport is the byte-egress seam of the engine. The engine never blocks
// on it: writes return deferred completions, reads are pushed into the
// handler by whoever owns the ingress loop.
type Transport interface {
	IsActive() bool

	// Write queues b for transmission. The promise resolves once the bytes
	// are accepted by the transport.
	Write(b []byte) *WritePromise

	Flush() error

	// Close tears the transport down and resolves p once done.
	Close(p *WritePromise)
}

var errTransportClosed = errors.New("transport is closed")

type netTransport struct {
	c  net.Conn
	bw *bufio.Writer

	closed bool
}

// NewNetTransport wraps a net.Conn into a Transport with buffered writes.
func NewNetTransport(c net.Conn) Transport {
	return &netTransport{
		c:  c,
		bw: bufio.NewWriterSize(c, 1<<14*10),
	}
}

func (tr *netTransport) IsActive() bool {
	return !tr.closed
}

func (tr *netTransport) Write(b []byte) *WritePromise {
	if tr.closed {
		return failedPromise(errTransportClosed)
	}

	if _, err := tr.bw.Write(b); err != nil {
		return failedPromise(err)
	}

	return succeededPromise()
}

func (tr *netTransport) Flush() error {
	if tr.closed {
		return errTransportClosed
	}

	return tr.bw.Flush()
}

func (tr *netTransport) Close(p *WritePromise) {
	if tr.closed {
		p.Complete(nil)
		return
	}

	tr.closed = true
	_ = tr.bw.Flush()
	err := tr.c.Close()
	p.Complete(err)
}

// ServeConn runs a connection handler over c, pumping inbound bytes into
// the engine until the peer disconnects or the engine closes the
// transport. All engine entry points run on this goroutine, satisfying the
// serial execution model the engine requires.
func ServeConn(c net.Conn, cfg HandlerConfig) error {
	tr := NewNetTransport(c)
	cfg.Transport = tr

	h := NewConnHandler(cfg)
	h.OnAttached()
	h.OnActive()

	defer func() {
		h.OnInactive()
		h.OnRemoved()
		_ = c.Close()
	}()

	br := bufio.NewReader(c)
	buf := make([]byte, 1<<14)

	for tr.IsActive() {
		n, err := br.Read(buf)
		if n > 0 {
			h.Decode(buf[:n])
		}

		if err != nil {
			// an engine-initiated close surfaces as a read error here
			if errors.Is(err, io.EOF) || !tr.IsActive() {
				return nil
			}
			return err
		}
	}

	return nil
}
