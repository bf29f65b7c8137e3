package tagnet_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/tagnet"
)

func TestContextCloseRefusedWithLiveReferences(t *testing.T) {
	appCtx, client, server := newPair(t, nil)

	err := appCtx.Close()
	require.ErrorIs(t, err, tagnet.ErrActiveReferences)
	require.Contains(t, err.Error(), "endpoint")
	require.Contains(t, err.Error(), "listener")

	// The context stays usable after a refused close.
	ctx := testContext(t)
	require.NoError(t, client.Send(ctx, []byte("x")))
	require.NoError(t, server.Recv(ctx, make([]byte, 1)))
}

func TestContextCloseAfterTeardown(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	accepted := make(chan *tagnet.Endpoint, 1)
	lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) { accepted <- ep })
	require.NoError(t, err)

	client, err := appCtx.CreateEndpoint(testContext(t), lis.Addr())
	require.NoError(t, err)
	server := <-accepted

	require.ErrorIs(t, appCtx.Close(), tagnet.ErrActiveReferences)

	client.Abort()
	server.Abort()
	require.ErrorIs(t, appCtx.Close(), tagnet.ErrActiveReferences)

	require.NoError(t, lis.Close())
	require.NoError(t, appCtx.Close())

	// Closing again is a no-op.
	require.NoError(t, appCtx.Close())
}

func TestContextClosedRejectsFactories(t *testing.T) {
	appCtx := newTestAppContext(t, nil)
	require.NoError(t, appCtx.Close())

	_, err := appCtx.CreateEndpoint(testContext(t), "127.0.0.1:49152")
	require.ErrorIs(t, err, tagnet.ErrContextClosed)

	_, err = appCtx.CreateListener(0, func(*tagnet.Endpoint) {})
	require.ErrorIs(t, err, tagnet.ErrContextClosed)
}

func TestContextConnectFailure(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	// Nothing listens here: no endpoint may come back.
	ep, err := appCtx.CreateEndpoint(testContext(t), "127.0.0.1:1")
	require.ErrorIs(t, err, tagnet.ErrConnection)
	require.Nil(t, ep)

	// The failed attempt leaves no reference behind.
	require.NoError(t, appCtx.Close())
}

func TestContextInvalidProgressMode(t *testing.T) {
	_, err := tagnet.NewApplicationContext(tagnet.NewMemDriver(zerolog.Nop()),
		&tagnet.Config{ProgressMode: "bogus"}, zerolog.Nop())
	require.ErrorIs(t, err, tagnet.ErrConfiguration)
}

func TestContextProgressModeFromEnv(t *testing.T) {
	t.Setenv(tagnet.EnvProgressMode, string(tagnet.ProgressThreadPolling))

	appCtx := newTestAppContext(t, nil)
	defer appCtx.Close()
	require.Equal(t, tagnet.ProgressThreadPolling, appCtx.ProgressMode())

	// An explicit setting wins over the environment.
	explicit := newTestAppContext(t, &tagnet.Config{ProgressMode: string(tagnet.ProgressThread)})
	defer explicit.Close()
	require.Equal(t, tagnet.ProgressThread, explicit.ProgressMode())
}

func TestContextNotifier(t *testing.T) {
	on := true

	t.Run("delivers completions", func(t *testing.T) {
		appCtx, err := tagnet.NewApplicationContext(tagnet.NewMemDriver(zerolog.Nop()),
			&tagnet.Config{EnableNotifier: &on}, zerolog.Nop())
		require.NoError(t, err)

		accepted := make(chan *tagnet.Endpoint, 1)
		lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) { accepted <- ep })
		require.NoError(t, err)

		ctx := testContext(t)
		client, err := appCtx.CreateEndpoint(ctx, lis.Addr())
		require.NoError(t, err)
		server := <-accepted

		require.NoError(t, client.Send(ctx, []byte("via notifier")))
		buf := make([]byte, 12)
		require.NoError(t, server.Recv(ctx, buf))
		require.Equal(t, []byte("via notifier"), buf)

		client.Abort()
		server.Abort()
		require.NoError(t, lis.Close())
		require.NoError(t, appCtx.Close())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		appCtx, err := tagnet.NewApplicationContext(tagnet.NewMemDriver(zerolog.Nop()),
			&tagnet.Config{EnableNotifier: &on}, zerolog.Nop())
		require.NoError(t, err)

		appCtx.StopNotifier()
		appCtx.StopNotifier()
		require.NoError(t, appCtx.Close())
	})
}

func TestSharedContext(t *testing.T) {
	require.NoError(t, tagnet.Reset())
	t.Cleanup(func() { _ = tagnet.Reset() })

	t.Run("init and use", func(t *testing.T) {
		require.NoError(t, tagnet.Init(tagnet.NewMemDriver(zerolog.Nop()), nil, zerolog.Nop()))

		accepted := make(chan *tagnet.Endpoint, 1)
		lis, err := tagnet.CreateListener(0, func(ep *tagnet.Endpoint) { accepted <- ep })
		require.NoError(t, err)

		ctx := testContext(t)
		client, err := tagnet.CreateEndpoint(ctx, lis.Addr())
		require.NoError(t, err)

		var server *tagnet.Endpoint
		select {
		case server = <-accepted:
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for the accepted endpoint")
		}

		require.NoError(t, client.Send(ctx, []byte("shared")))
		buf := make([]byte, 6)
		require.NoError(t, server.Recv(ctx, buf))
		require.Equal(t, []byte("shared"), buf)

		client.Abort()
		server.Abort()
		require.NoError(t, lis.Close())
	})

	t.Run("double init fails", func(t *testing.T) {
		require.ErrorIs(t, tagnet.Init(tagnet.NewMemDriver(zerolog.Nop()), nil, zerolog.Nop()),
			tagnet.ErrConfiguration)
	})

	t.Run("reset with live references fails", func(t *testing.T) {
		lis, err := tagnet.CreateListener(0, func(*tagnet.Endpoint) {})
		require.NoError(t, err)

		require.ErrorIs(t, tagnet.Reset(), tagnet.ErrActiveReferences)

		require.NoError(t, lis.Close())
		require.NoError(t, tagnet.Reset())
	})

	t.Run("re-init after reset", func(t *testing.T) {
		require.NoError(t, tagnet.Init(tagnet.NewMemDriver(zerolog.Nop()), nil, zerolog.Nop()))
		require.NoError(t, tagnet.Reset())

		// Reset on an uninitialized shared context is a no-op.
		require.NoError(t, tagnet.Reset())
	})
}

func TestListenerLifecycle(t *testing.T) {
	appCtx := newTestAppContext(t, nil)

	lis, err := appCtx.CreateListener(0, func(*tagnet.Endpoint) {})
	require.NoError(t, err)

	require.False(t, lis.Closed())
	require.NotEmpty(t, lis.Addr())
	require.NotZero(t, lis.Port())

	require.NoError(t, lis.Close())
	require.True(t, lis.Closed())
	require.Empty(t, lis.Addr())
	require.Zero(t, lis.Port())

	// Idempotent.
	require.NoError(t, lis.Close())

	require.NoError(t, appCtx.Close())
}

func TestListenerStopsAccepting(t *testing.T) {
	appCtx := newTestAppContext(t, nil)
	defer appCtx.Close()

	lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) { ep.Abort() })
	require.NoError(t, err)

	addr := lis.Addr()
	require.NoError(t, lis.Close())

	_, err = appCtx.CreateEndpoint(testContext(t), addr)
	require.ErrorIs(t, err, tagnet.ErrConnection)
}
