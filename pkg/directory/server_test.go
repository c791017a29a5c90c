package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksnap/pkg/types"
)

func startTestServer(t *testing.T, svc *Service) string {
	t.Helper()
	srv := NewServer(svc, testLogger(t))
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return addr
}

func newTestClient(t *testing.T, address string, fallbacks ...string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		Address:        address,
		Fallbacks:      fallbacks,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Logger:         testLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestServer_RoundTrip(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), newFakeClock())
	client := newTestClient(t, startTestServer(t, svc))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Register(ctx, types.NodeRecord{
		NodeID:       "node-a",
		Endpoint:     "10.0.0.1:7000",
		Capabilities: types.AllCapabilities,
	}))
	require.NoError(t, client.Heartbeat(ctx, "node-a"))

	nodes, err := client.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeID("node-a"), nodes[0].NodeID)
	assert.True(t, nodes[0].Capabilities.Has(types.CapVerify))
	assert.False(t, nodes[0].LastSeen.IsZero())
}

func TestServer_ErrorsMapToSentinels(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), newFakeClock())
	client := newTestClient(t, startTestServer(t, svc))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Heartbeat(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	err = client.Register(ctx, types.NodeRecord{NodeID: "node-a"})
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestClient_FailsOverToFallbackDirectory(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), newFakeClock())
	live := startTestServer(t, svc)

	// Nothing listens on port 1
	client := newTestClient(t, "127.0.0.1:1", live)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Register(ctx, types.NodeRecord{
		NodeID:       "node-a",
		Endpoint:     "10.0.0.1:7000",
		Capabilities: types.AllCapabilities,
	}))
	assert.Equal(t, live, client.EndpointSet().Current)
	assert.Equal(t, 1, svc.Len())
}
