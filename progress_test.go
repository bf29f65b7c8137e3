package tagnet_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/andrei-cloud/tagnet"
)

var allProgressModes = []tagnet.ProgressMode{
	tagnet.ProgressThread,
	tagnet.ProgressThreadPolling,
	tagnet.ProgressPolling,
}

func TestSchedulerSubmit(t *testing.T) {
	s := tagnet.NewScheduler()
	defer s.Close()

	done := make(chan struct{})
	s.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("submitted task never ran")
	}
}

func TestSchedulerOrdering(t *testing.T) {
	s := tagnet.NewScheduler()
	defer s.Close()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		s.Submit(func() { got = append(got, i) })
	}
	s.Submit(func() { close(done) })

	<-done
	require.Len(t, got, 10)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSchedulerClose(t *testing.T) {
	s := tagnet.NewScheduler()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		s.Submit(func() { ran.Add(1) })
	}
	s.Close()

	// Queued work drains before the scheduler stops.
	require.Equal(t, int32(5), ran.Load())

	// Submissions after close are dropped, not deadlocked.
	s.Submit(func() { ran.Add(1) })
	require.Equal(t, int32(5), ran.Load())

	// Close is idempotent.
	s.Close()
}

func TestProgressModes(t *testing.T) {
	for _, mode := range allProgressModes {
		t.Run(string(mode), func(t *testing.T) {
			_, client, server := newPair(t, &tagnet.Config{ProgressMode: string(mode)})
			ctx := testContext(t)

			require.NoError(t, client.Send(ctx, []byte("hello")))

			buf := make([]byte, 5)
			require.NoError(t, server.Recv(ctx, buf))
			require.Equal(t, []byte("hello"), buf)
		})
	}
}

func TestProgressConcurrentLoad(t *testing.T) {
	for _, mode := range allProgressModes {
		t.Run(string(mode), func(t *testing.T) {
			_, client, server := newPair(t, &tagnet.Config{ProgressMode: string(mode)})
			ctx := testContext(t)

			const transfers = 1000
			eg, egCtx := errgroup.WithContext(ctx)
			eg.SetLimit(128)

			for i := 0; i < transfers; i++ {
				tag := tagnet.Tag(i + 1)
				want := byte(i)

				eg.Go(func() error {
					return client.SendTag(egCtx, []byte{want}, tag, false)
				})
				eg.Go(func() error {
					buf := make([]byte, 1)
					if err := server.RecvTag(egCtx, buf, tag, false); err != nil {
						return err
					}
					if buf[0] != want {
						return fmt.Errorf("transfer %d: got %d, want %d", tag, buf[0], want)
					}

					return nil
				})
			}

			require.NoError(t, eg.Wait())
			require.Equal(t, uint64(transfers), server.FinishedRecvCount())
			require.Equal(t, uint64(transfers), client.SendCount())
		})
	}
}

func TestProgressDelayedSubmissionDisabled(t *testing.T) {
	off := false
	_, client, server := newPair(t, &tagnet.Config{EnableDelayedSubmission: &off})
	ctx := testContext(t)

	require.NoError(t, client.Send(ctx, []byte("now")))

	buf := make([]byte, 3)
	require.NoError(t, server.Recv(ctx, buf))
	require.Equal(t, []byte("now"), buf)
}

func TestProgressBindingStops(t *testing.T) {
	for _, mode := range allProgressModes {
		t.Run(string(mode), func(t *testing.T) {
			appCtx, err := tagnet.NewApplicationContext(tagnet.NewMemDriver(zerolog.Nop()),
				&tagnet.Config{ProgressMode: string(mode)}, zerolog.Nop())
			require.NoError(t, err)

			// Close stops every binding; it must return promptly, not hang
			// on a blocked drain loop.
			done := make(chan error, 1)
			go func() { done <- appCtx.Close() }()

			select {
			case cerr := <-done:
				require.NoError(t, cerr)
			case <-time.After(testTimeout):
				t.Fatal("context close hung on progress binding shutdown")
			}
		})
	}
}
