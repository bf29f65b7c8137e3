package tagnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// frameLenSize is the size in bytes of a frame's length header.
	frameLenSize = 4
	// frameMetaSize covers the kind byte and the 8-byte tag that follow the
	// length header.
	frameMetaSize = 1 + 8
	// maxFramePayload caps a single frame's payload.
	maxFramePayload = 16 * 1024 * 1024
)

// Frame kinds carried on the wire by the TCP engine.
const (
	frameKindStream byte = 0x01 // ordered, untagged handshake transfer.
	frameKindTag    byte = 0x02 // tagged single-buffer message.
	frameKindMulti  byte = 0x03 // tagged scatter-gather message.
)

// ErrInvalidFrame indicates a frame header is malformed.
var ErrInvalidFrame = errors.New("invalid frame")

// ErrMaxLenExceeded indicates a payload exceeds the maximum frame size.
var ErrMaxLenExceeded = errors.New("maximum frame length exceeded")

// writeFrame writes one frame: a big-endian length header covering the kind
// byte, the tag and the payload.
func writeFrame(w io.Writer, kind byte, tag Tag, payload []byte) error {
	if len(payload) > maxFramePayload {
		return ErrMaxLenExceeded
	}

	total := frameLenSize + frameMetaSize + len(payload)
	buf := getBuffer(total)
	buf = buf[:total]

	binary.BigEndian.PutUint32(buf[0:4], uint32(frameMetaSize+len(payload)))
	buf[4] = kind
	binary.BigEndian.PutUint64(buf[5:13], uint64(tag))
	copy(buf[13:], payload)

	_, err := w.Write(buf)
	putBuffer(buf)

	return err
}

// readFrame reads one frame and returns its kind, tag and payload. The
// payload slice is freshly allocated and owned by the caller.
func readFrame(r io.Reader) (byte, Tag, []byte, error) {
	var hdr [frameLenSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length < frameMetaSize {
		return 0, 0, nil, fmt.Errorf("%w: body length %d below header size", ErrInvalidFrame, length)
	}
	if length > frameMetaSize+maxFramePayload {
		return 0, 0, nil, ErrMaxLenExceeded
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}

	kind := body[0]
	tag := Tag(binary.BigEndian.Uint64(body[1:9]))

	return kind, tag, body[9:], nil
}

// encodeMultiPayload flattens an ordered buffer list into one frame payload:
// a 4-byte part count followed by a 4-byte length and the bytes of each part.
func encodeMultiPayload(parts [][]byte) []byte {
	size := 4
	for _, p := range parts {
		size += 4 + len(p)
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(parts)))
	off := 4
	for _, p := range parts {
		binary.BigEndian.PutUint32(out[off:off+4], uint32(len(p)))
		off += 4
		off += copy(out[off:], p)
	}

	return out
}

// decodeMultiPayload reverses encodeMultiPayload.
func decodeMultiPayload(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: multi payload too short", ErrInvalidFrame)
	}

	count := binary.BigEndian.Uint32(payload[0:4])
	// Each part carries at least its 4-byte length header; a count the
	// payload cannot hold is rejected before any allocation sized by it.
	if count > uint32(len(payload)-4)/4 {
		return nil, fmt.Errorf("%w: multi part count %d exceeds payload", ErrInvalidFrame, count)
	}
	parts := make([][]byte, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("%w: truncated multi part header", ErrInvalidFrame)
		}
		n := int(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+n > len(payload) {
			return nil, fmt.Errorf("%w: truncated multi part body", ErrInvalidFrame)
		}
		part := make([]byte, n)
		copy(part, payload[off:off+n])
		parts = append(parts, part)
		off += n
	}

	return parts, nil
}

// maxPooledBuffer is the maximum size of buffers that will be pooled.
const maxPooledBuffer = 64 * 1024 // 64KB

// framePool holds size-classed byte slices reused by the frame writer.
type framePool struct {
	pools []*sync.Pool
}

var globalFramePool = newFramePool()

func newFramePool() *framePool {
	fp := &framePool{
		pools: make([]*sync.Pool, 0, 12), // Pool sizes from 32B to 64KB.
	}

	for size := 32; size <= maxPooledBuffer; size *= 2 {
		size := size
		fp.pools = append(fp.pools, &sync.Pool{
			New: func() any {
				return make([]byte, size)
			},
		})
	}

	return fp
}

func (fp *framePool) classFor(size int) int {
	idx := 0
	poolSize := 32
	for poolSize < size {
		poolSize *= 2
		idx++
	}

	return idx
}

// getBuffer retrieves a buffer of at least size bytes.
func getBuffer(size int) []byte {
	if size > maxPooledBuffer {
		return make([]byte, size)
	}

	return globalFramePool.pools[globalFramePool.classFor(size)].Get().([]byte)
}

// putBuffer returns a buffer to the pool.
func putBuffer(buf []byte) {
	if cap(buf) > maxPooledBuffer {
		return // Don't pool large buffers.
	}

	globalFramePool.pools[globalFramePool.classFor(cap(buf))].Put(buf[:cap(buf)])
}
