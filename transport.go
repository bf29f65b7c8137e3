package tagnet

import (
	"context"
	"time"
)

// WaitState reports the outcome of a blocking wait on a worker's completion
// queue.
type WaitState int

const (
	// WaitReady indicates completions are available for draining.
	WaitReady WaitState = iota
	// WaitTimeout indicates the wait expired with no completions.
	WaitTimeout
	// WaitShutdown indicates the worker has been closed.
	WaitShutdown
)

// Completion is one resolved transport operation, drained from a worker and
// delivered to the pending operation by a progress engine.
type Completion struct {
	Op   *Op
	N    int      // bytes transferred, single-buffer operations.
	Data [][]byte // assembled buffers, multi-buffer receives.
	Err  error
}

// WorkerConfig carries the engine-level options a worker is created with.
type WorkerConfig struct {
	// DelayedSubmission defers posting of operations until the next progress
	// tick instead of submitting inline from the caller.
	DelayedSubmission bool
}

// Driver is a transport engine: it creates workers. Connection
// establishment, memory handling and wire transmission all live behind this
// interface.
type Driver interface {
	// NewWorker creates a worker owning its own completion queue.
	NewWorker(cfg WorkerConfig) (Worker, error)

	// Close releases driver-wide resources.
	Close() error
}

// Worker owns a completion queue shared by every connection created from it.
// Drain and WaitCompletions are safe to call from a goroutine other than the
// ones posting operations.
type Worker interface {
	// Handle returns the worker's native handle value.
	Handle() uint64

	// Connect establishes an outbound connection.
	Connect(ctx context.Context, addr string) (Conn, error)

	// Listen binds a passive handle on port (0 picks an unused port) and
	// invokes accept for every inbound connection.
	Listen(port int, accept func(Conn)) (ListenHandle, error)

	// TagProbe reports whether a message matching tag is queued, not yet
	// claimed by a posted receive.
	TagProbe(tag Tag) bool

	// Progress drives the engine one step: flushes delayed submissions and
	// reports whether completions are pending.
	Progress() bool

	// WaitCompletions blocks until completions are ready, the timeout
	// expires or the worker shuts down.
	WaitCompletions(timeout time.Duration) WaitState

	// Drain removes and returns every currently queued completion.
	Drain() []Completion

	// Close releases the worker and every connection created from it.
	Close() error
}

// ListenHandle is a live passive handle bound by Worker.Listen.
type ListenHandle interface {
	Addr() string
	Port() int
	Close() error
}

// Conn is a live connection handle. Posting methods never block: they return
// a pending operation resolved later through the worker's completion queue.
type Conn interface {
	// Handle returns the connection's native handle value.
	Handle() uint64

	// TagSend posts a tagged send of buf.
	TagSend(buf []byte, tag Tag) *Op

	// TagRecv posts a tagged receive into buf.
	TagRecv(buf []byte, tag Tag) *Op

	// TagSendMulti posts an ordered list of buffers as one logical
	// scatter-gather send.
	TagSendMulti(bufs [][]byte, tag Tag) *Op

	// TagRecvMulti posts a multi-buffer receive; the transport allocates the
	// component buffers and delivers them on the completion.
	TagRecvMulti(tag Tag) *Op

	// StreamSend posts an ordered, untagged send used by the handshake.
	StreamSend(buf []byte) *Op

	// StreamRecv posts an ordered, untagged receive used by the handshake.
	StreamRecv(buf []byte) *Op

	// Err returns the connection's error state, nil while healthy.
	Err() error

	// Alive reports whether the handle is still live and error free.
	Alive() bool

	// SetCloseCallback registers fn to run once when the connection's
	// error/close notification fires. A connection fires its callback
	// exactly once, on error detection or on Close, whichever comes first.
	SetCloseCallback(fn func())

	// Close releases the handle. Outstanding operations posted on this
	// connection resolve as canceled.
	Close() error
}
