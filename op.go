package tagnet

import (
	"context"
	"sync/atomic"
)

// Op is a pending transport operation. It is resolved exactly once, either
// with a result or with a cancellation/error signal, always via a progress
// engine draining the owning worker's completion queue.
type Op struct {
	done     chan struct{}
	resolved atomic.Bool
	n        int
	data     [][]byte
	err      error
}

func newOp() *Op {
	return &Op{done: make(chan struct{})}
}

// complete resolves the operation. The first call wins; later calls are
// ignored so a cancellation racing a genuine completion cannot resolve the
// operation twice.
func (o *Op) complete(n int, data [][]byte, err error) bool {
	if !o.resolved.CompareAndSwap(false, true) {
		return false
	}
	o.n = n
	o.data = data
	o.err = err
	close(o.done)

	return true
}

// Await suspends the caller until the operation resolves or ctx expires.
func (o *Op) Await(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// N returns the number of bytes transferred. Valid after Await returns nil.
func (o *Op) N() int { return o.n }

// Data returns the buffers assembled by a multi-buffer receive. Valid after
// Await returns nil.
func (o *Op) Data() [][]byte { return o.data }

// Err returns the resolution error, or nil if unresolved or successful.
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}
