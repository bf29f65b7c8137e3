package tagnet

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// minSeedSize is the minimum number of random bytes required to derive
// connection tags. Handle values may be reused after a connection closes, so
// the seed is the primary collision breaker between connections.
const minSeedSize = 16

// Tag matches an outstanding receive to an incoming send on a shared
// transport worker.
type Tag uint64

// TagSet holds the four tags negotiated for one endpoint. The control tags
// are reserved for future use but always negotiated.
type TagSet struct {
	MsgSend  Tag // tag used for outgoing application messages.
	MsgRecv  Tag // tag matched by incoming application messages.
	CtrlSend Tag // tag used for outgoing control messages.
	CtrlRecv Tag // tag matched by incoming control messages.
}

// MakeTag derives a 64-bit tag from a role-distinguishing string, a fresh
// random seed of at least 16 bytes and the connection's native handle value.
// The derivation is deterministic for identical inputs.
func MakeTag(role string, seed []byte, handle uint64) Tag {
	if len(seed) < minSeedSize {
		panic("tagnet: tag seed must be at least 16 bytes")
	}

	d := xxhash.New()
	_, _ = d.WriteString(role)
	_, _ = d.Write(seed)

	var h [8]byte
	binary.LittleEndian.PutUint64(h[:], handle)
	_, _ = d.Write(h[:])

	return Tag(d.Sum64())
}

// CombineTags namespaces a user-supplied tag under an endpoint's negotiated
// tag, preventing cross-connection collisions on a shared worker.
func CombineTags(base, user Tag) Tag {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(base))
	binary.LittleEndian.PutUint64(b[8:], uint64(user))

	return Tag(xxhash.Sum64(b[:]))
}

// TagFromBytes hashes an arbitrary byte sequence into a fixed-width tag.
// This is the one declared algorithm for byte-sequence user tags.
func TagFromBytes(b []byte) Tag {
	return Tag(xxhash.Sum64(b))
}
