package tagnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// tcpKeepAlivePeriod is the TCP keepalive probe interval for engine
	// connections.
	tcpKeepAlivePeriod = 30 * time.Second
	// tcpWriteTimeout is the per-frame write deadline.
	tcpWriteTimeout = 5 * time.Second
	// tcpMaxAcceptHandlers bounds concurrent accept dispatches per listener.
	tcpMaxAcceptHandlers = 64
)

// tcpHandleSeq assigns native handle values for TCP workers and connections.
var tcpHandleSeq atomic.Uint64

// TCPDriver is a transport engine carrying tagged messages over framed TCP.
type TCPDriver struct {
	log zerolog.Logger
}

// NewTCPDriver creates a TCP transport engine.
func NewTCPDriver(logger zerolog.Logger) *TCPDriver {
	return &TCPDriver{log: logger}
}

// NewWorker creates a TCP worker with its own completion queue.
func (d *TCPDriver) NewWorker(cfg WorkerConfig) (Worker, error) {
	return &tcpWorker{
		handle:    tcpHandleSeq.Add(1),
		cfg:       cfg,
		m:         newMatcher(),
		conns:     make(map[*tcpConn]struct{}),
		listeners: make(map[*tcpListenHandle]struct{}),
		log:       d.log,
	}, nil
}

// Close releases the driver.
func (d *TCPDriver) Close() error { return nil }

type tcpWorker struct {
	handle uint64
	cfg    WorkerConfig
	m      *matcher

	mu        sync.Mutex
	delayed   []func()
	conns     map[*tcpConn]struct{}
	listeners map[*tcpListenHandle]struct{}
	closed    bool

	log zerolog.Logger
}

func (w *tcpWorker) Handle() uint64 { return w.handle }

func (w *tcpWorker) submit(fn func()) {
	if !w.cfg.DelayedSubmission {
		fn()

		return
	}

	w.mu.Lock()
	w.delayed = append(w.delayed, fn)
	w.mu.Unlock()
	w.m.poke()
}

func (w *tcpWorker) Connect(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := newTCPConn(w, nc)
	w.register(c)
	go c.readLoop()

	return c, nil
}

func (w *tcpWorker) Listen(port int, accept func(Conn)) (ListenHandle, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	lh := &tcpListenHandle{
		w:        w,
		ln:       ln,
		stopChan: make(chan struct{}),
		sem:      semaphore.NewWeighted(tcpMaxAcceptHandlers),
	}

	w.mu.Lock()
	w.listeners[lh] = struct{}{}
	w.mu.Unlock()

	go lh.acceptLoop(accept)

	return lh, nil
}

func (w *tcpWorker) register(c *tcpConn) {
	w.mu.Lock()
	w.conns[c] = struct{}{}
	w.mu.Unlock()
}

func (w *tcpWorker) deregister(c *tcpConn) {
	w.mu.Lock()
	delete(w.conns, c)
	w.mu.Unlock()
}

func (w *tcpWorker) TagProbe(tag Tag) bool { return w.m.probe(tag) }

func (w *tcpWorker) Progress() bool {
	w.mu.Lock()
	delayed := w.delayed
	w.delayed = nil
	w.mu.Unlock()

	for _, fn := range delayed {
		fn()
	}

	return w.m.pending()
}

func (w *tcpWorker) WaitCompletions(timeout time.Duration) WaitState {
	w.mu.Lock()
	closed := w.closed
	hasDelayed := len(w.delayed) > 0
	w.mu.Unlock()

	if closed {
		return WaitShutdown
	}
	if hasDelayed {
		return WaitReady
	}

	return w.m.wait(timeout)
}

func (w *tcpWorker) Drain() []Completion { return w.m.drain() }

func (w *tcpWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}
	w.closed = true
	conns := make([]*tcpConn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	listeners := make([]*tcpListenHandle, 0, len(w.listeners))
	for lh := range w.listeners {
		listeners = append(listeners, lh)
	}
	w.mu.Unlock()

	for _, lh := range listeners {
		_ = lh.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	w.m.close()

	return nil
}

type tcpListenHandle struct {
	w        *tcpWorker
	ln       net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	sem      *semaphore.Weighted
	connWG   sync.WaitGroup
}

func (lh *tcpListenHandle) Addr() string { return lh.ln.Addr().String() }

func (lh *tcpListenHandle) Port() int {
	if ta, ok := lh.ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}

	return 0
}

func (lh *tcpListenHandle) Close() error {
	var err error
	lh.stopOnce.Do(func() {
		close(lh.stopChan)
		err = lh.ln.Close()
	})

	return err
}

func (lh *tcpListenHandle) acceptLoop(accept func(Conn)) {
	for {
		select {
		case <-lh.stopChan:
			return
		default:
		}

		nc, err := lh.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)

				continue
			}
			lh.w.log.Error().Err(err).Msg("accept error")

			return
		}

		// Blocking here provides backpressure to the accept loop.
		if err := lh.sem.Acquire(context.Background(), 1); err != nil {
			_ = nc.Close()

			return
		}

		c := newTCPConn(lh.w, nc)
		lh.w.register(c)
		go c.readLoop()

		go func() {
			defer lh.sem.Release(1)
			accept(c)
		}()
	}
}

type tcpConn struct {
	w      *tcpWorker
	nc     net.Conn
	handle uint64
	stream *streamBox

	writeMu sync.Mutex // serializes concurrent frame writes.

	mu      sync.Mutex
	err     error
	closed  bool
	closeCB func()
	cbFired bool
}

func newTCPConn(w *tcpWorker, nc net.Conn) *tcpConn {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(tcpKeepAlivePeriod)
	}

	return &tcpConn{
		w:      w,
		nc:     nc,
		handle: tcpHandleSeq.Add(1),
		stream: newStreamBox(w.m),
	}
}

func (c *tcpConn) Handle() uint64 { return c.handle }

// readLoop dispatches inbound frames until the connection dies: stream
// frames feed the handshake queue, tagged frames feed the worker matcher.
func (c *tcpConn) readLoop() {
	for {
		kind, tag, payload, err := readFrame(c.nc)
		if err != nil {
			c.fail(err)

			return
		}

		switch kind {
		case frameKindStream:
			c.stream.push(payload)
		case frameKindTag:
			c.w.m.deliver(tag, [][]byte{payload}, false)
		case frameKindMulti:
			parts, derr := decodeMultiPayload(payload)
			if derr != nil {
				c.fail(derr)

				return
			}
			c.w.m.deliver(tag, parts, true)
		default:
			c.fail(fmt.Errorf("%w: unknown frame kind %#x", ErrInvalidFrame, kind))

			return
		}
	}
}

// fail records the connection error and cancels everything still waiting on
// this connection. After a local Close the read error is expected and the
// teardown already ran.
func (c *tcpConn) fail(cause error) {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()

		return
	}
	if errors.Is(cause, io.EOF) {
		c.err = fmt.Errorf("%w: connection closed by peer", ErrConnection)
	} else {
		c.err = fmt.Errorf("%w: %w", ErrConnection, cause)
	}
	err := c.err
	cb := c.fireCloseCallbackLocked()
	c.mu.Unlock()

	if cb != nil {
		cb()
	}

	c.w.m.cancelOwner(c, err)
	c.stream.fail(err)
	c.w.deregister(c)
}

func (c *tcpConn) gate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCanceled
	}

	return c.err
}

// write sends one frame under the write mutex with a bounded deadline.
func (c *tcpConn) write(kind byte, tag Tag, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return err
	}

	return writeFrame(c.nc, kind, tag, payload)
}

func (c *tcpConn) TagSend(buf []byte, tag Tag) *Op {
	op := newOp()
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		if err := c.write(frameKindTag, tag, buf); err != nil {
			c.w.m.complete(op, 0, nil, fmt.Errorf("%w: %w", ErrConnection, err))

			return
		}
		c.w.m.complete(op, len(buf), nil, nil)
	})

	return op
}

func (c *tcpConn) TagSendMulti(bufs [][]byte, tag Tag) *Op {
	op := newOp()
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		if err := c.write(frameKindMulti, tag, encodeMultiPayload(bufs)); err != nil {
			c.w.m.complete(op, 0, nil, fmt.Errorf("%w: %w", ErrConnection, err))

			return
		}
		c.w.m.complete(op, totalLen(bufs), nil, nil)
	})

	return op
}

func (c *tcpConn) TagRecv(buf []byte, tag Tag) *Op {
	op := newOp()
	c.w.submit(func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.w.m.complete(op, 0, nil, ErrCanceled)

			return
		}
		c.w.m.post(&postedRecv{op: op, buf: buf, owner: c}, tag)
	})

	return op
}

func (c *tcpConn) TagRecvMulti(tag Tag) *Op {
	op := newOp()
	c.w.submit(func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.w.m.complete(op, 0, nil, ErrCanceled)

			return
		}
		c.w.m.post(&postedRecv{op: op, multi: true, owner: c}, tag)
	})

	return op
}

func (c *tcpConn) StreamSend(buf []byte) *Op {
	op := newOp()
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		if err := c.write(frameKindStream, 0, buf); err != nil {
			c.w.m.complete(op, 0, nil, fmt.Errorf("%w: %w", ErrConnection, err))

			return
		}
		c.w.m.complete(op, len(buf), nil, nil)
	})

	return op
}

func (c *tcpConn) StreamRecv(buf []byte) *Op {
	op := newOp()
	c.w.submit(func() {
		c.stream.pop(op, buf)
	})

	return op
}

func (c *tcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *tcpConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.err == nil
}

func (c *tcpConn) SetCloseCallback(fn func()) {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.cbFired = true
		c.mu.Unlock()
		fn()

		return
	}
	c.closeCB = fn
	c.mu.Unlock()
}

func (c *tcpConn) fireCloseCallbackLocked() func() {
	if c.cbFired || c.closeCB == nil {
		c.cbFired = true

		return nil
	}
	c.cbFired = true
	fn := c.closeCB
	c.closeCB = nil

	return fn
}

// Close releases the handle. Outstanding receives posted on this connection
// resolve canceled; the peer's read loop observes the reset.
func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	cb := c.fireCloseCallbackLocked()
	c.mu.Unlock()

	if cb != nil {
		cb()
	}

	err := c.nc.Close()
	c.w.m.cancelOwner(c, ErrCanceled)
	c.stream.fail(ErrCanceled)
	c.w.deregister(c)

	return err
}
