package tagnet_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/tagnet"
)

const testTimeout = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

func newTestAppContext(t *testing.T, cfg *tagnet.Config) *tagnet.ApplicationContext {
	t.Helper()

	appCtx, err := tagnet.NewApplicationContext(tagnet.NewMemDriver(zerolog.Nop()), cfg, zerolog.Nop())
	require.NoError(t, err)

	return appCtx
}

// newPair builds a mem-transport context with a connected, handshaken
// endpoint pair and registers teardown for the whole stack.
func newPair(t *testing.T, cfg *tagnet.Config) (*tagnet.ApplicationContext, *tagnet.Endpoint, *tagnet.Endpoint) {
	t.Helper()

	appCtx := newTestAppContext(t, cfg)

	accepted := make(chan *tagnet.Endpoint, 1)
	lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) { accepted <- ep })
	require.NoError(t, err)

	client, err := appCtx.CreateEndpoint(testContext(t), lis.Addr())
	require.NoError(t, err)

	var server *tagnet.Endpoint
	select {
	case server = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the accepted endpoint")
	}

	t.Cleanup(func() {
		client.Abort()
		server.Abort()
		require.NoError(t, lis.Close())
		require.NoError(t, appCtx.Close())
	})

	return appCtx, client, server
}

// newTCPPair is newPair over the framed TCP engine on loopback.
func newTCPPair(t *testing.T, cfg *tagnet.Config) (*tagnet.ApplicationContext, *tagnet.Endpoint, *tagnet.Endpoint) {
	t.Helper()

	appCtx, err := tagnet.NewApplicationContext(tagnet.NewTCPDriver(zerolog.Nop()), cfg, zerolog.Nop())
	require.NoError(t, err)

	accepted := make(chan *tagnet.Endpoint, 1)
	lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) { accepted <- ep })
	require.NoError(t, err)

	client, err := appCtx.CreateEndpoint(testContext(t), fmt.Sprintf("127.0.0.1:%d", lis.Port()))
	require.NoError(t, err)

	var server *tagnet.Endpoint
	select {
	case server = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the accepted endpoint")
	}

	t.Cleanup(func() {
		client.Abort()
		server.Abort()
		require.NoError(t, lis.Close())
		require.NoError(t, appCtx.Close())
	})

	return appCtx, client, server
}
