package tagnet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// memEphemeralBase is the first port assigned to loopback listeners bound
// with port 0.
const memEphemeralBase = 49152

// memHandleSeq assigns native handle values for loopback workers and
// connections. Handles are process-wide so two drivers never collide.
var memHandleSeq atomic.Uint64

// MemDriver is an in-process loopback transport engine. Connections are
// wired directly between workers with no wire serialization; it backs tests,
// benchmarks and the bench CLI command.
type MemDriver struct {
	mu        sync.Mutex
	listeners map[int]*memListener
	nextPort  int
	log       zerolog.Logger
}

// NewMemDriver creates a loopback transport engine.
func NewMemDriver(logger zerolog.Logger) *MemDriver {
	return &MemDriver{
		listeners: make(map[int]*memListener),
		nextPort:  memEphemeralBase,
		log:       logger,
	}
}

// NewWorker creates a loopback worker with its own completion queue.
func (d *MemDriver) NewWorker(cfg WorkerConfig) (Worker, error) {
	return &memWorker{
		d:      d,
		handle: memHandleSeq.Add(1),
		cfg:    cfg,
		m:      newMatcher(),
		conns:  make(map[*memConn]struct{}),
		log:    d.log,
	}, nil
}

// Close releases the driver. Listeners are owned by their workers and
// deregister themselves.
func (d *MemDriver) Close() error {
	return nil
}

func (d *MemDriver) bind(port int, lis *memListener) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if port == 0 {
		for d.listeners[d.nextPort] != nil {
			d.nextPort++
		}
		port = d.nextPort
		d.nextPort++
	} else if d.listeners[port] != nil {
		return 0, fmt.Errorf("port %d already bound", port)
	}
	d.listeners[port] = lis

	return port, nil
}

func (d *MemDriver) unbind(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.listeners, port)
}

func (d *MemDriver) lookup(port int) *memListener {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.listeners[port]
}

type memWorker struct {
	d      *MemDriver
	handle uint64
	cfg    WorkerConfig
	m      *matcher

	mu      sync.Mutex
	delayed []func()
	conns   map[*memConn]struct{}
	closed  bool

	log zerolog.Logger
}

func (w *memWorker) Handle() uint64 { return w.handle }

// submit runs fn inline, or defers it to the next progress tick when the
// worker was created with delayed submission.
func (w *memWorker) submit(fn func()) {
	if !w.cfg.DelayedSubmission {
		fn()

		return
	}

	w.mu.Lock()
	w.delayed = append(w.delayed, fn)
	w.mu.Unlock()
	w.m.poke()
}

func (w *memWorker) Connect(_ context.Context, addr string) (Conn, error) {
	port, err := parsePort(addr)
	if err != nil {
		return nil, err
	}

	lis := w.d.lookup(port)
	if lis == nil {
		return nil, fmt.Errorf("connection refused: no listener on port %d", port)
	}

	client := newMemConn(w)
	server := newMemConn(lis.w)
	client.peer = server
	server.peer = client

	w.register(client)
	lis.w.register(server)

	go lis.accept(server)

	return client, nil
}

func (w *memWorker) Listen(port int, accept func(Conn)) (ListenHandle, error) {
	lis := &memListener{w: w, accept: accept}
	bound, err := w.d.bind(port, lis)
	if err != nil {
		return nil, err
	}
	lis.port = bound

	return lis, nil
}

func (w *memWorker) register(c *memConn) {
	w.mu.Lock()
	w.conns[c] = struct{}{}
	w.mu.Unlock()
}

func (w *memWorker) deregister(c *memConn) {
	w.mu.Lock()
	delete(w.conns, c)
	w.mu.Unlock()
}

func (w *memWorker) TagProbe(tag Tag) bool { return w.m.probe(tag) }

// Progress flushes delayed submissions and reports whether completions are
// queued.
func (w *memWorker) Progress() bool {
	w.mu.Lock()
	delayed := w.delayed
	w.delayed = nil
	w.mu.Unlock()

	for _, fn := range delayed {
		fn()
	}

	return w.m.pending()
}

func (w *memWorker) WaitCompletions(timeout time.Duration) WaitState {
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

func (w *memWorker) Drain() []Completion { return w.m.drain() }

func (w *memWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}
	w.closed = true
	conns := make([]*memConn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	w.m.close()

	return nil
}

type memListener struct {
	w      *memWorker
	port   int
	accept func(Conn)
	closed atomic.Bool
}

func (l *memListener) Addr() string { return net.JoinHostPort("127.0.0.1", strconv.Itoa(l.port)) }
func (l *memListener) Port() int    { return l.port }

func (l *memListener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.w.d.unbind(l.port)
	}

	return nil
}

type memConn struct {
	w      *memWorker
	handle uint64
	peer   *memConn
	stream *streamBox

	mu      sync.Mutex
	err     error
	closed  bool
	closeCB func()
	cbFired bool
}

func newMemConn(w *memWorker) *memConn {
	return &memConn{
		w:      w,
		handle: memHandleSeq.Add(1),
		stream: newStreamBox(w.m),
	}
}

func (c *memConn) Handle() uint64 { return c.handle }

// gate returns the reason new operations on this connection must resolve
// canceled or failed, nil while healthy.
func (c *memConn) gate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCanceled
	}

	return c.err
}

func (c *memConn) TagSend(buf []byte, tag Tag) *Op {
	op := newOp()
	payload := append([]byte(nil), buf...)
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		c.peer.w.m.deliver(tag, [][]byte{payload}, false)
		c.w.m.complete(op, len(payload), nil, nil)
	})

	return op
}

func (c *memConn) TagSendMulti(bufs [][]byte, tag Tag) *Op {
	op := newOp()
	parts := make([][]byte, len(bufs))
	for i, b := range bufs {
		parts[i] = append([]byte(nil), b...)
	}
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		c.peer.w.m.deliver(tag, parts, true)
		c.w.m.complete(op, totalLen(parts), nil, nil)
	})

	return op
}

func (c *memConn) TagRecv(buf []byte, tag Tag) *Op {
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

func (c *memConn) TagRecvMulti(tag Tag) *Op {
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

func (c *memConn) StreamSend(buf []byte) *Op {
	op := newOp()
	payload := append([]byte(nil), buf...)
	c.w.submit(func() {
		if err := c.gate(); err != nil {
			c.w.m.complete(op, 0, nil, err)

			return
		}
		c.peer.stream.push(payload)
		c.w.m.complete(op, len(payload), nil, nil)
	})

	return op
}

func (c *memConn) StreamRecv(buf []byte) *Op {
	op := newOp()
	c.w.submit(func() {
		c.stream.pop(op, buf)
	})

	return op
}

func (c *memConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *memConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.err == nil
}

func (c *memConn) SetCloseCallback(fn func()) {
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

// fireCloseCallback runs the registered callback at most once. Caller must
// hold c.mu; the callback runs outside the lock.
func (c *memConn) fireCloseCallbackLocked() func() {
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
// resolve canceled; the peer observes a connection error.
func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	cb := c.fireCloseCallbackLocked()
	peer := c.peer
	c.mu.Unlock()

	if cb != nil {
		cb()
	}

	c.w.m.cancelOwner(c, ErrCanceled)
	c.stream.fail(ErrCanceled)
	c.w.deregister(c)

	if peer != nil {
		peer.peerClosed()
	}

	return nil
}

// peerClosed marks the connection failed because the remote side released
// its handle. Messages already delivered remain receivable.
func (c *memConn) peerClosed() {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()

		return
	}
	c.err = fmt.Errorf("%w: connection reset by peer", ErrConnection)
	err := c.err
	cb := c.fireCloseCallbackLocked()
	c.mu.Unlock()

	if cb != nil {
		cb()
	}

	c.w.m.cancelOwner(c, err)
	c.stream.fail(err)
}

func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// A bare port is accepted too.
		portStr = addr
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid address %q", addr)
	}

	return port, nil
}
