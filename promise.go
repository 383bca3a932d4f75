package http2

// WritePromise is the deferred completion handle of a write. Listeners added
// after completion fire immediately; listeners added before fire in order
// when Complete is called.
//
// The engine runs on a single goroutine (all entry points are driven by the
// transport's serve loop), so WritePromise needs no synchronisation.
type WritePromise struct {
	done      bool
	err       error
	listeners []func(error)
}

func NewWritePromise() *WritePromise {
	return &WritePromise{}
}

func succeededPromise() *WritePromise {
	return &WritePromise{done: true}
}

func failedPromise(err error) *WritePromise {
	return &WritePromise{done: true, err: err}
}

// Complete resolves the promise. Only the first call has any effect.
func (p *WritePromise) Complete(err error) {
	if p.done {
		return
	}

	p.done = true
	p.err = err

	for _, fn := range p.listeners {
		fn(err)
	}
	p.listeners = nil
}

// Fail is shorthand for Complete with a non-nil error, returning the promise
// for call chaining.
func (p *WritePromise) Fail(err error) *WritePromise {
	p.Complete(err)
	return p
}

func (p *WritePromise) Done() bool {
	return p.done
}

func (p *WritePromise) Err() error {
	return p.err
}

// OnComplete registers fn to run once the promise resolves.
func (p *WritePromise) OnComplete(fn func(error)) {
	if p.done {
		fn(p.err)
		return
	}

	p.listeners = append(p.listeners, fn)
}
