package tagnet

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// handshakeInfoSize is the wire size of a serialized handshakeInfo: three
// little-endian 8-byte unsigned integers.
const handshakeInfoSize = 24

// handshakeInfo is the tag assignment one peer proposes to the other right
// after connection establishment.
type handshakeInfo struct {
	MsgTag   Tag
	CtrlTag  Tag
	Checksum uint64
}

// checksumTags computes the integrity checksum over a tag pair.
func checksumTags(msgTag, ctrlTag Tag) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(msgTag))
	binary.LittleEndian.PutUint64(b[8:], uint64(ctrlTag))

	return xxhash.Sum64(b[:])
}

func (h handshakeInfo) pack() []byte {
	b := make([]byte, handshakeInfoSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.MsgTag))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.CtrlTag))
	binary.LittleEndian.PutUint64(b[16:24], h.Checksum)

	return b
}

// unpackHandshakeInfo parses and validates a serialized handshakeInfo. A
// checksum mismatch means the peers have desynced; the handshake fails hard
// and is not retried.
func unpackHandshakeInfo(b []byte) (handshakeInfo, error) {
	if len(b) != handshakeInfoSize {
		return handshakeInfo{}, fmt.Errorf("%w: handshake info is %d bytes, want %d",
			ErrProtocol, len(b), handshakeInfoSize)
	}

	h := handshakeInfo{
		MsgTag:   Tag(binary.LittleEndian.Uint64(b[0:8])),
		CtrlTag:  Tag(binary.LittleEndian.Uint64(b[8:16])),
		Checksum: binary.LittleEndian.Uint64(b[16:24]),
	}

	if want := checksumTags(h.MsgTag, h.CtrlTag); want != h.Checksum {
		return handshakeInfo{}, fmt.Errorf("%w: checksum invalid, %#x != %#x",
			ErrProtocol, want, h.Checksum)
	}

	return h, nil
}

// exchangePeerInfo runs the two one-way transfers that agree on tags for a
// new connection. The ordering is fixed by role: the acceptor receives then
// sends, the connector sends then receives. The await between the transfers
// is required; posting both before either completes can deadlock head-of-line
// when both sides send first.
func exchangePeerInfo(ctx context.Context, conn Conn, msgTag, ctrlTag Tag, acceptor bool) (handshakeInfo, error) {
	my := handshakeInfo{
		MsgTag:   msgTag,
		CtrlTag:  ctrlTag,
		Checksum: checksumTags(msgTag, ctrlTag),
	}
	myBuf := my.pack()
	peerBuf := make([]byte, handshakeInfoSize)

	if acceptor {
		if err := conn.StreamRecv(peerBuf).Await(ctx); err != nil {
			return handshakeInfo{}, fmt.Errorf("handshake recv: %w", err)
		}
		if err := conn.StreamSend(myBuf).Await(ctx); err != nil {
			return handshakeInfo{}, fmt.Errorf("handshake send: %w", err)
		}
	} else {
		if err := conn.StreamSend(myBuf).Await(ctx); err != nil {
			return handshakeInfo{}, fmt.Errorf("handshake send: %w", err)
		}
		if err := conn.StreamRecv(peerBuf).Await(ctx); err != nil {
			return handshakeInfo{}, fmt.Errorf("handshake recv: %w", err)
		}
	}

	return unpackHandshakeInfo(peerBuf)
}
