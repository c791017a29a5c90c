package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksnap/pkg/directory"
	"blocksnap/pkg/types"
)

func startDirectory(t *testing.T) string {
	t.Helper()
	svc := directory.New(context.Background(), directory.Options{
		NodeTimeout: time.Hour,
		Logger:      testLogger(t),
	})
	srv := directory.NewServer(svc, testLogger(t))
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return addr
}

// startNetworkNode runs a node with a real gRPC listener, directory client
// and peer transport.
func startNetworkNode(t *testing.T, id types.NodeID, directoryAddr string) *Node {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	dirClient, err := directory.NewClient(directory.ClientOptions{
		Address:        directoryAddr,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Logger:         testLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(dirClient.Close)

	transport := NewGRPCTransport()
	t.Cleanup(transport.Close)

	n, err := New(Options{
		NodeID:            id,
		Endpoint:          lis.Addr().String(),
		DataDir:           t.TempDir(),
		EnableP2P:         true,
		DiscoveryInterval: time.Hour,
		HeartbeatInterval: time.Hour,
		RequestTimeout:    2 * time.Second,
		Retry:             RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Directory:         dirClient,
		Transport:         transport,
		Logger:            testLogger(t),
	})
	require.NoError(t, err)

	go n.Serve(lis)
	t.Cleanup(n.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.registerSelf(ctx))
	return n
}

func TestNetwork_VerifyThroughPeer(t *testing.T) {
	dirAddr := startDirectory(t)
	n1 := startNetworkNode(t, "N1", dirAddr)
	n2 := startNetworkNode(t, "N2", dirAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, n1.RegisterMedia(ctx, &types.MediaRecord{
		TxHash:  "0xAAA",
		Type:    types.MediaPhoto,
		Owner:   "0x111",
		TokenID: types.Int64(7),
	}))

	added, err := n2.DiscoverPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	result, err := n2.VerifyAcrossNetwork(ctx, "0xAAA")
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "peer_N1", result.Source)
	require.NotNil(t, result.MediaInfo)
	assert.Equal(t, "0x111", result.MediaInfo.Owner)
	assert.Equal(t, int64(7), *result.MediaInfo.TokenID)

	learned := n2.GetRegisteredMedia(types.MediaPhoto, "")
	require.Len(t, learned, 1)
	assert.Equal(t, types.TxHash("0xAAA"), learned[0].TxHash)
	assert.Equal(t, types.NodeID("N1"), learned[0].LearnedFrom)

	missing, err := n2.VerifyAcrossNetwork(ctx, "0xBBB")
	require.NoError(t, err)
	assert.False(t, missing.Verified)
}

func TestNetwork_BroadcastReachesPeer(t *testing.T) {
	dirAddr := startDirectory(t)
	n1 := startNetworkNode(t, "N1", dirAddr)
	n2 := startNetworkNode(t, "N2", dirAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := n1.DiscoverPeers(ctx)
	require.NoError(t, err)

	require.NoError(t, n1.RegisterMedia(ctx, &types.MediaRecord{
		TxHash:    "0xCAFE",
		MediaType: types.MediaVideoChunk,
		Owner:     "0x222",
	}))
	n1.broadcasts.Wait()

	received := n2.GetRegisteredMedia("", "0x222")
	require.Len(t, received, 1)
	assert.Equal(t, types.NodeID("N1"), received[0].RegisteredBy)
	assert.Equal(t, types.MediaVideoChunk, received[0].Type)
}

func TestNetwork_ReregistersAfterDirectoryRestart(t *testing.T) {
	serveDirectory := func(addr string) (*directory.Service, *directory.Server, string) {
		svc := directory.New(context.Background(), directory.Options{
			NodeTimeout: time.Hour,
			Logger:      testLogger(t),
		})
		srv := directory.NewServer(svc, testLogger(t))
		bound, err := srv.Listen(addr)
		require.NoError(t, err)
		go srv.Serve()
		return svc, srv, bound
	}

	first, firstSrv, addr := serveDirectory("127.0.0.1:0")
	n := startNetworkNode(t, "N1", addr)
	require.Equal(t, 1, first.Len())

	// A restarted directory comes back empty on the same address.
	firstSrv.Stop()
	second, secondSrv, _ := serveDirectory(addr)
	t.Cleanup(secondSrv.Stop)
	require.Equal(t, 0, second.Len())

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.heartbeat(ctx)
		return second.Len() == 1
	}, 15*time.Second, 100*time.Millisecond)

	nodes := second.ListActive(context.Background())
	assert.Equal(t, types.NodeID("N1"), nodes[0].NodeID)
	assert.Equal(t, n.Endpoint(), nodes[0].Endpoint)
}
