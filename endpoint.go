package tagnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// closeDrainTimeout caps how long Close waits for in-flight sends to be
// observed by the progress engine before aborting locally.
const closeDrainTimeout = time.Second

// Allocator allocates a receive buffer of the requested size for RecvObject.
type Allocator func(size int) []byte

// Endpoint is a live, bidirectional connection to one peer. Endpoints are
// created by ApplicationContext.CreateEndpoint or delivered to a listener
// callback; both construct the endpoint only after a successful handshake.
//
// Callers own the endpoint's lifetime: pair every created endpoint with a
// deferred Abort or an explicit Close.
type Endpoint struct {
	mu   sync.Mutex
	conn Conn
	app  *ApplicationContext
	tags TagSet
	uid  uint64
	ref  uint64

	sendCount         atomic.Uint64
	recvCount         atomic.Uint64
	finishedRecvCount atomic.Uint64
	inFlightSends     atomic.Int64

	shuttingDownPeer bool  // told peer to shut down.
	closeAfterNRecv  int64 // absolute finished-recv threshold, 0 when unarmed.

	log zerolog.Logger
}

func newEndpoint(conn Conn, app *ApplicationContext, tags TagSet) *Endpoint {
	ep := &Endpoint{
		conn: conn,
		app:  app,
		tags: tags,
		uid:  conn.Handle(),
		log:  app.log,
	}
	ep.ref = app.registerRef(fmt.Sprintf("endpoint %#x", ep.uid))

	return ep
}

// ID returns the native handle value of the underlying connection.
func (ep *Endpoint) ID() uint64 { return ep.uid }

// Tags returns the tag set negotiated for this endpoint.
func (ep *Endpoint) Tags() TagSet {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.tags
}

// WorkerHandle returns the native handle of the worker this endpoint posts
// operations on.
func (ep *Endpoint) WorkerHandle() uint64 {
	ep.mu.Lock()
	app := ep.app
	ep.mu.Unlock()
	if app == nil {
		return 0
	}

	return app.worker.Handle()
}

// Closed reports whether the endpoint has been closed or aborted, locally or
// by the peer.
func (ep *Endpoint) Closed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.conn == nil || !ep.conn.Alive()
}

// SendCount returns the number of send operations posted on this endpoint.
func (ep *Endpoint) SendCount() uint64 { return ep.sendCount.Load() }

// RecvCount returns the number of receive operations posted.
func (ep *Endpoint) RecvCount() uint64 { return ep.recvCount.Load() }

// FinishedRecvCount returns the number of receive operations completed.
func (ep *Endpoint) FinishedRecvCount() uint64 { return ep.finishedRecvCount.Load() }

// sendWireTag resolves the effective wire tag for an outgoing operation.
func (ep *Endpoint) sendWireTag(tag Tag, useTag, force bool) Tag {
	switch {
	case !useTag:
		return ep.tags.MsgSend
	case force:
		return tag
	default:
		return CombineTags(ep.tags.MsgSend, tag)
	}
}

// recvWireTag resolves the effective wire tag for an incoming operation.
func (ep *Endpoint) recvWireTag(tag Tag, useTag, force bool) Tag {
	switch {
	case !useTag:
		return ep.tags.MsgRecv
	case force:
		return tag
	default:
		return CombineTags(ep.tags.MsgRecv, tag)
	}
}

// sendConn gates a send: connection errors win over the closed state so the
// caller sees the root cause.
func (ep *Endpoint) sendConn() (Conn, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.conn == nil {
		return nil, ErrClosed
	}
	if err := ep.conn.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !ep.conn.Alive() {
		return nil, ErrClosed
	}

	return ep.conn, nil
}

// Send posts a tagged send of buf under the negotiated message-send tag and
// suspends the caller until the transport resolves it.
func (ep *Endpoint) Send(ctx context.Context, buf []byte) error {
	return ep.send(ctx, buf, 0, false, false)
}

// SendTag posts a tagged send of buf. The effective wire tag is tag hashed
// under the endpoint's negotiated tag unless forceTag is set, in which case
// tag is used verbatim.
func (ep *Endpoint) SendTag(ctx context.Context, buf []byte, tag Tag, forceTag bool) error {
	return ep.send(ctx, buf, tag, true, forceTag)
}

func (ep *Endpoint) send(ctx context.Context, buf []byte, tag Tag, useTag, force bool) error {
	conn, err := ep.sendConn()
	if err != nil {
		return err
	}
	wire := ep.sendWireTag(tag, useTag, force)

	count := ep.sendCount.Add(1)
	ep.log.Debug().Msgf("[Send #%03d] ep: %#x, tag: %#x, nbytes: %d", count-1, ep.uid, wire, len(buf))

	ep.inFlightSends.Add(1)
	defer ep.inFlightSends.Add(-1)

	return ep.awaitSend(ctx, conn.TagSend(buf, wire))
}

// SendMulti posts an ordered list of buffers as one logical scatter-gather
// send under the negotiated message-send tag.
func (ep *Endpoint) SendMulti(ctx context.Context, bufs [][]byte) error {
	return ep.sendMulti(ctx, bufs, 0, false, false)
}

// SendMultiTag is SendMulti with the tag-namespacing rule of SendTag.
func (ep *Endpoint) SendMultiTag(ctx context.Context, bufs [][]byte, tag Tag, forceTag bool) error {
	return ep.sendMulti(ctx, bufs, tag, true, forceTag)
}

func (ep *Endpoint) sendMulti(ctx context.Context, bufs [][]byte, tag Tag, useTag, force bool) error {
	conn, err := ep.sendConn()
	if err != nil {
		return err
	}
	wire := ep.sendWireTag(tag, useTag, force)

	count := ep.sendCount.Add(1)
	ep.log.Debug().Msgf("[Send Multi #%03d] ep: %#x, tag: %#x, parts: %d, nbytes: %d",
		count-1, ep.uid, wire, len(bufs), totalLen(bufs))

	ep.inFlightSends.Add(1)
	defer ep.inFlightSends.Add(-1)

	return ep.awaitSend(ctx, conn.TagSendMulti(bufs, wire))
}

// awaitSend waits on a posted send. A cancellation signaled during teardown
// is swallowed when the endpoint was torn down locally; the teardown already
// explains it. A foreign cancellation is re-raised.
func (ep *Endpoint) awaitSend(ctx context.Context, op *Op) error {
	err := op.Await(ctx)
	if err != nil && errors.Is(err, ErrCanceled) {
		ep.mu.Lock()
		tornDown := ep.conn == nil
		ep.mu.Unlock()
		if tornDown {
			return nil
		}
	}

	return err
}

// SendObject sends an 8-byte length prefix followed by obj, as two
// sequential sends under the same tag. The peer reads it with RecvObject.
func (ep *Endpoint) SendObject(ctx context.Context, obj []byte) error {
	return ep.sendObject(ctx, obj, 0, false)
}

// SendObjectTag is SendObject under a user tag.
func (ep *Endpoint) SendObjectTag(ctx context.Context, obj []byte, tag Tag) error {
	return ep.sendObject(ctx, obj, tag, true)
}

func (ep *Endpoint) sendObject(ctx context.Context, obj []byte, tag Tag, useTag bool) error {
	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, uint64(len(obj)))

	if err := ep.send(ctx, size, tag, useTag, false); err != nil {
		return err
	}

	return ep.send(ctx, obj, tag, useTag, false)
}

// recvConn gates a receive. The transport is probed for an already-arrived
// message first: a receive for data that landed just as the peer closed must
// not be rejected spuriously.
func (ep *Endpoint) recvConn(wire Tag) (Conn, error) {
	ep.mu.Lock()
	conn := ep.conn
	app := ep.app
	ep.mu.Unlock()

	if conn == nil {
		return nil, ErrClosed
	}

	if app == nil || !app.worker.TagProbe(wire) {
		if err := conn.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnection, err)
		}
		if !conn.Alive() {
			return nil, ErrClosed
		}
	}

	return conn, nil
}

// Recv posts a tagged receive into buf under the negotiated message-recv tag
// and suspends the caller until a matching message arrives.
func (ep *Endpoint) Recv(ctx context.Context, buf []byte) error {
	return ep.recv(ctx, buf, 0, false, false)
}

// RecvTag posts a tagged receive into buf. Tag namespacing follows SendTag.
func (ep *Endpoint) RecvTag(ctx context.Context, buf []byte, tag Tag, forceTag bool) error {
	return ep.recv(ctx, buf, tag, true, forceTag)
}

func (ep *Endpoint) recv(ctx context.Context, buf []byte, tag Tag, useTag, force bool) error {
	wire := ep.recvWireTag(tag, useTag, force)
	conn, err := ep.recvConn(wire)
	if err != nil {
		return err
	}

	count := ep.recvCount.Add(1)
	ep.log.Debug().Msgf("[Recv #%03d] ep: %#x, tag: %#x, nbytes: %d", count-1, ep.uid, wire, len(buf))

	if err := conn.TagRecv(buf, wire).Await(ctx); err != nil {
		return err
	}
	ep.finishRecv()

	return nil
}

// RecvMulti posts a multi-buffer receive under the negotiated message-recv
// tag and returns the assembled buffers.
func (ep *Endpoint) RecvMulti(ctx context.Context) ([][]byte, error) {
	return ep.recvMulti(ctx, 0, false, false)
}

// RecvMultiTag is RecvMulti under a user tag.
func (ep *Endpoint) RecvMultiTag(ctx context.Context, tag Tag, forceTag bool) ([][]byte, error) {
	return ep.recvMulti(ctx, tag, true, forceTag)
}

func (ep *Endpoint) recvMulti(ctx context.Context, tag Tag, useTag, force bool) ([][]byte, error) {
	wire := ep.recvWireTag(tag, useTag, force)
	conn, err := ep.recvConn(wire)
	if err != nil {
		return nil, err
	}

	count := ep.recvCount.Add(1)
	ep.log.Debug().Msgf("[Recv Multi #%03d] ep: %#x, tag: %#x", count-1, ep.uid, wire)

	op := conn.TagRecvMulti(wire)
	if err := op.Await(ctx); err != nil {
		return nil, err
	}
	ep.finishRecv()

	return op.Data(), nil
}

// RecvObject receives an object sent by the peer's SendObject: an 8-byte
// length prefix followed by the payload. The payload buffer comes from
// alloc, or make when alloc is nil.
func (ep *Endpoint) RecvObject(ctx context.Context, alloc Allocator) ([]byte, error) {
	return ep.recvObject(ctx, alloc, 0, false)
}

// RecvObjectTag is RecvObject under a user tag.
func (ep *Endpoint) RecvObjectTag(ctx context.Context, alloc Allocator, tag Tag) ([]byte, error) {
	return ep.recvObject(ctx, alloc, tag, true)
}

func (ep *Endpoint) recvObject(ctx context.Context, alloc Allocator, tag Tag, useTag bool) ([]byte, error) {
	if alloc == nil {
		alloc = func(size int) []byte { return make([]byte, size) }
	}

	size := make([]byte, 8)
	if err := ep.recv(ctx, size, tag, useTag, false); err != nil {
		return nil, err
	}

	obj := alloc(int(binary.LittleEndian.Uint64(size)))
	if err := ep.recv(ctx, obj, tag, useTag, false); err != nil {
		return nil, err
	}

	return obj, nil
}

// finishRecv accounts a completed receive and fires the armed auto-abort
// threshold. The abort happens only after the triggering receive has
// produced its result.
func (ep *Endpoint) finishRecv() {
	n := ep.finishedRecvCount.Add(1)

	ep.mu.Lock()
	armed := ep.closeAfterNRecv
	ep.mu.Unlock()

	if armed > 0 && int64(n) >= armed {
		ep.Abort()
	}
}

// CloseAfterNRecvs arms the endpoint to abort itself after n received
// messages. n counts from this call unless countFromCreation is set, in
// which case it is an absolute finished-receive count. Re-arming, or arming
// below the current progress, fails.
func (ep *Endpoint) CloseAfterNRecvs(n int, countFromCreation bool) error {
	ep.mu.Lock()

	finished := int64(ep.finishedRecvCount.Load())
	abs := int64(n)
	if !countFromCreation {
		abs += finished
	}

	if ep.closeAfterNRecv != 0 {
		armed := ep.closeAfterNRecv
		ep.mu.Unlock()

		return fmt.Errorf("%w: close-after-n-recvs already set to %d (abs)", ErrConfiguration, armed)
	}

	switch {
	case abs == finished:
		ep.mu.Unlock()
		ep.Abort()

		return nil
	case abs > finished:
		ep.closeAfterNRecv = abs
		ep.mu.Unlock()

		return nil
	default:
		ep.mu.Unlock()

		return fmt.Errorf("%w: threshold %d (abs) is below current finished count %d",
			ErrConfiguration, abs, finished)
	}
}

// SetCloseCallback registers fn to run when the transport's error/close
// notification fires, or during final teardown if that notification never
// fires. After it runs, further sends fail; receives may still succeed for
// messages already in flight.
func (ep *Endpoint) SetCloseCallback(fn func()) {
	ep.mu.Lock()
	conn := ep.conn
	ep.mu.Unlock()

	if conn == nil {
		fn()

		return
	}
	conn.SetCloseCallback(fn)
}

// Abort closes the communication immediately and abruptly: the connection
// handle is released and the back-reference to the owning context dropped.
// The peer is not notified. Abort is idempotent and callable from any state,
// including deferred teardown paths.
func (ep *Endpoint) Abort() {
	ep.mu.Lock()
	conn := ep.conn
	app := ep.app
	ref := ep.ref
	ep.conn = nil
	ep.app = nil
	ep.mu.Unlock()

	if conn != nil {
		ep.log.Debug().Msgf("Endpoint.Abort(): %#x", ep.uid)
		_ = conn.Close()
	}
	if app != nil {
		app.dropRef(ref)
	}
}

// Close tears the endpoint down gracefully: the peer-shutdown mark is set
// exactly once, in-flight sends are given a bounded drain window to be
// observed by the progress engine, then the endpoint aborts locally. Close
// does not wait for the peer's acknowledgment; it is a best-effort flush,
// not a two-phase close handshake. Calling Close on a closed endpoint is a
// no-op.
func (ep *Endpoint) Close(ctx context.Context) error {
	if ep.Closed() {
		ep.Abort()

		return nil
	}

	ep.mu.Lock()
	if ep.shuttingDownPeer {
		ep.mu.Unlock()

		return nil
	}
	ep.shuttingDownPeer = true
	app := ep.app
	ep.mu.Unlock()

	ep.drainSends(ctx, app)
	ep.Abort()

	return nil
}

// drainSends progresses the worker until every in-flight send on this
// endpoint resolved or the drain window expires.
func (ep *Endpoint) drainSends(ctx context.Context, app *ApplicationContext) {
	if app == nil {
		return
	}

	deadline := time.Now().Add(closeDrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for ep.inFlightSends.Load() > 0 && time.Now().Before(deadline) {
		app.worker.Progress()

		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Microsecond):
		}
	}
}
