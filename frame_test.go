package tagnet

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		kind    byte
		tag     Tag
		payload []byte
	}{
		{"stream", frameKindStream, 0, []byte("handshake bytes")},
		{"tag", frameKindTag, 0xdeadbeefcafe, []byte{0x01, 0x02, 0x03, 0x04}},
		{"empty payload", frameKindTag, 7, nil},
		{"large payload", frameKindMulti, 1, bytes.Repeat([]byte{0xaa}, 128*1024)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeFrame(&buf, c.kind, c.tag, c.payload))

			kind, tag, payload, err := readFrame(&buf)
			require.NoError(t, err)
			require.Equal(t, c.kind, kind)
			require.Equal(t, c.tag, tag)
			require.Equal(t, len(c.payload), len(payload))
			require.Equal(t, []byte(c.payload), []byte(payload[:len(c.payload)]))
		})
	}
}

func TestFrameSequential(t *testing.T) {
	// Frames written back to back must read back in order with no residue.
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameKindTag, 1, []byte("first")))
	require.NoError(t, writeFrame(&buf, frameKindTag, 2, []byte("second")))

	_, tag, payload, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, Tag(1), tag)
	require.Equal(t, []byte("first"), payload)

	_, tag, payload, err = readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, Tag(2), tag)
	require.Equal(t, []byte("second"), payload)

	require.Zero(t, buf.Len())
}

func TestWriteFrameMaxLen(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frameKindTag, 1, make([]byte, maxFramePayload+1))
	require.ErrorIs(t, err, ErrMaxLenExceeded)
	require.Zero(t, buf.Len())
}

func TestReadFrameInvalid(t *testing.T) {
	t.Run("length below header", func(t *testing.T) {
		var hdr [frameLenSize]byte
		binary.BigEndian.PutUint32(hdr[:], frameMetaSize-1)

		_, _, _, err := readFrame(bytes.NewReader(hdr[:]))
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("length above maximum", func(t *testing.T) {
		var hdr [frameLenSize]byte
		binary.BigEndian.PutUint32(hdr[:], frameMetaSize+maxFramePayload+1)

		_, _, _, err := readFrame(bytes.NewReader(hdr[:]))
		require.ErrorIs(t, err, ErrMaxLenExceeded)
	})

	t.Run("truncated body", func(t *testing.T) {
		var hdr [frameLenSize]byte
		binary.BigEndian.PutUint32(hdr[:], frameMetaSize+10)

		_, _, _, err := readFrame(bytes.NewReader(hdr[:]))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("empty stream", func(t *testing.T) {
		_, _, _, err := readFrame(bytes.NewReader(nil))
		require.ErrorIs(t, err, io.EOF)
	})
}

func TestMultiPayloadRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		parts [][]byte
	}{
		{"three parts", [][]byte{[]byte("alpha"), []byte(""), []byte("gamma")}},
		{"single part", [][]byte{[]byte{0xff}}},
		{"no parts", nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := decodeMultiPayload(encodeMultiPayload(c.parts))
			require.NoError(t, err)
			require.Len(t, got, len(c.parts))
			for i := range c.parts {
				require.Equal(t, []byte(c.parts[i]), []byte(got[i]))
			}
		})
	}
}

func TestDecodeMultiPayloadInvalid(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := decodeMultiPayload([]byte{0x00})
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("huge declared count", func(t *testing.T) {
		// A hostile peer can declare far more parts than the payload holds;
		// the count must be rejected before sizing any allocation by it.
		payload := make([]byte, 8)
		binary.BigEndian.PutUint32(payload[0:4], 1<<26)

		_, err := decodeMultiPayload(payload)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("truncated part header", func(t *testing.T) {
		payload := make([]byte, 6)
		binary.BigEndian.PutUint32(payload[0:4], 1)

		_, err := decodeMultiPayload(payload)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("truncated part body", func(t *testing.T) {
		payload := make([]byte, 8)
		binary.BigEndian.PutUint32(payload[0:4], 1)
		binary.BigEndian.PutUint32(payload[4:8], 100)

		_, err := decodeMultiPayload(payload)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})
}

func TestFramePool(t *testing.T) {
	buf := getBuffer(100)
	require.GreaterOrEqual(t, cap(buf), 100)
	putBuffer(buf)

	// Oversized buffers bypass the pool but still come back correctly sized.
	big := getBuffer(maxPooledBuffer + 1)
	require.GreaterOrEqual(t, cap(big), maxPooledBuffer+1)
	putBuffer(big)
}
