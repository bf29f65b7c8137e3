package tagnet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextPow2Uint64(t *testing.T) {
	cases := []struct {
		input  uint64
		expect uint64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{15, 16},
		{16, 16},
		{17, 32},
	}
	for _, c := range cases {
		require.Equal(t, c.expect, nextPow2Uint64(c.input), "nextPow2Uint64(%d)", c.input)
	}
}

func TestRingBufferCompletions(t *testing.T) {
	// capacity rounds up to the next power of two
	rb := NewRingBuffer[Completion](3)
	require.Equal(t, uint64(4), rb.Cap())
	require.Zero(t, rb.Len())

	ops := make([]*Op, 4)
	for i := range ops {
		ops[i] = newOp()
		require.True(t, rb.Enqueue(Completion{Op: ops[i], N: i}))
		require.Equal(t, uint64(i+1), rb.Len())
	}

	// full: the next completion must spill to the matcher's overflow list,
	// never silently overwrite
	require.False(t, rb.Enqueue(Completion{Op: newOp()}))

	// drain in queue order
	for i := range ops {
		c, ok := rb.Dequeue()
		require.True(t, ok)
		require.Same(t, ops[i], c.Op)
		require.Equal(t, i, c.N)
	}

	_, ok := rb.Dequeue()
	require.False(t, ok)
	require.Zero(t, rb.Len())
}

func TestRingBufferConcurrentCompletions(t *testing.T) {
	rb := NewRingBuffer[Completion](8)
	wg := sync.WaitGroup{}

	// producers model connections queueing completions
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := pid * 10; i < pid*10+10; i++ {
				c := Completion{Op: newOp(), N: i}
				for !rb.Enqueue(c) {
					// spin until space available
				}
			}
		}(p)
	}

	// consumers model progress engines draining the queue
	results := sync.Map{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count := 0
			for count < 10 {
				c, ok := rb.Dequeue()
				if !ok {
					continue
				}
				results.Store(c.N, true)
				count++
			}
		}()
	}
	wg.Wait()

	for v := 0; v < 40; v++ {
		_, ok := results.Load(v)
		require.True(t, ok, "completion %d missing", v)
	}
}
