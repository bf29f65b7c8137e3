package tagnet

import "errors"

var (
	// ErrClosed indicates an operation was attempted on a closed or aborted
	// endpoint.
	ErrClosed = errors.New("endpoint closed")

	// ErrCanceled indicates an in-flight operation was canceled, typically
	// by a concurrent teardown of its endpoint.
	ErrCanceled = errors.New("operation canceled")

	// ErrConnection indicates a transport-level failure surfaced through the
	// connection's error state.
	ErrConnection = errors.New("connection error")

	// ErrProtocol indicates a handshake checksum mismatch. It is fatal and
	// never retried.
	ErrProtocol = errors.New("handshake protocol error")

	// ErrConfiguration indicates an unrecognized progress mode or
	// conflicting settings at context construction.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrActiveReferences indicates a context reset was refused because live
	// endpoints or listeners still reference it.
	ErrActiveReferences = errors.New("context has active references")

	// ErrContextClosed indicates the application context has been reset.
	ErrContextClosed = errors.New("context is closed")

	// ErrTruncated indicates a received message does not fit the buffer the
	// receive was posted with.
	ErrTruncated = errors.New("message larger than receive buffer")
)
