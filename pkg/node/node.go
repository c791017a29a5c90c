package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"blocksnap/pkg/metrics"
	"blocksnap/pkg/protocol"
	"blocksnap/pkg/resilient"
	"blocksnap/pkg/shared"
	"blocksnap/pkg/types"
)

const (
	DefaultDiscoveryInterval = 60 * time.Second
	DefaultHeartbeatInterval = 300 * time.Second
	DefaultRequestTimeout    = 30 * time.Second

	// NodeIDFile holds a generated node id so it survives restarts.
	NodeIDFile = "node_id"
)

// DirectoryClient is the node's view of the peer directory.
type DirectoryClient interface {
	Register(ctx context.Context, rec types.NodeRecord) error
	ListActive(ctx context.Context) ([]types.NodeRecord, error)
	Heartbeat(ctx context.Context, nodeID types.NodeID) error
}

// PeerTransport carries the node-to-node protocol.
type PeerTransport interface {
	Verify(ctx context.Context, endpoint string, txHash types.TxHash) (*types.VerifyAnswer, error)
	Broadcast(ctx context.Context, endpoint string, rec *types.MediaRecord) error
}

// LedgerVerifier resolves a transaction directly against the ledger.
type LedgerVerifier interface {
	VerifyTransaction(ctx context.Context, txHash types.TxHash) (bool, *types.MediaRecord, error)
}

// RetryPolicy applies to each peer query.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
}

type Options struct {
	// NodeID is optional; without it an id is loaded from or generated into
	// DataDir.
	NodeID types.NodeID
	// Endpoint is the address peers dial to reach this node.
	Endpoint     string
	DataDir      string
	EnableP2P    bool
	Capabilities types.Capabilities

	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	Retry             RetryPolicy

	Directory DirectoryClient
	Transport PeerTransport
	Ledger    LedgerVerifier

	Logger            *zap.Logger
	Metrics           *metrics.NodeMetrics
	ResilienceMetrics *metrics.ResilienceMetrics
	RestartDelay      time.Duration
	Clock             func() time.Time
}

type Node struct {
	protocol.UnimplementedMediaServiceServer

	nodeID       types.NodeID
	endpoint     string
	dataDir      string
	enableP2P    bool
	capabilities types.Capabilities

	discoveryInterval time.Duration
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	retry             RetryPolicy

	directory DirectoryClient
	transport PeerTransport
	ledger    LedgerVerifier

	peers    *peerCache
	registry *registry

	logger            *zap.Logger
	metrics           *metrics.NodeMetrics
	resilienceMetrics *metrics.ResilienceMetrics
	supervisor        *shared.Supervisor
	now               func() time.Time

	// guards self-registration so the heartbeat repair path and startup
	// never register concurrently
	registerMutex sync.Mutex

	// broadcastMutex orders broadcasts.Add against Stop's Wait
	broadcastMutex sync.Mutex
	broadcasts     sync.WaitGroup

	server *grpc.Server

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds a node, resolving its identity and loading the persisted peer
// cache and media registry from DataDir.
func New(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNodeMetrics(nil)
	}
	if opts.ResilienceMetrics == nil {
		opts.ResilienceMetrics = metrics.NewResilienceMetrics(nil)
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = resilient.DefaultMaxRetries
	}
	if opts.Capabilities == 0 {
		opts.Capabilities = types.AllCapabilities
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	nodeID, err := resolveNodeID(opts.NodeID, opts.DataDir)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(zap.String("node_id", string(nodeID)))
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		nodeID:            nodeID,
		endpoint:          opts.Endpoint,
		dataDir:           opts.DataDir,
		enableP2P:         opts.EnableP2P,
		capabilities:      opts.Capabilities,
		discoveryInterval: opts.DiscoveryInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		requestTimeout:    opts.RequestTimeout,
		retry:             opts.Retry,
		directory:         opts.Directory,
		transport:         opts.Transport,
		ledger:            opts.Ledger,
		peers:             loadPeerCache(dataFile(opts.DataDir, PeersFile), logger),
		registry:          loadRegistry(dataFile(opts.DataDir, RegistryFile), logger),
		logger:            logger,
		metrics:           opts.Metrics,
		resilienceMetrics: opts.ResilienceMetrics,
		supervisor:        shared.NewSupervisor(logger, opts.RestartDelay),
		now:               opts.Clock,
		ctx:               ctx,
		cancel:            cancel,
	}
	n.server = grpc.NewServer()
	protocol.RegisterMediaServiceServer(n.server, n)
	n.supervisor.OnRestart = func(task string) {
		n.metrics.TaskRestarts.WithLabelValues(task).Inc()
	}
	n.metrics.Peers.Set(float64(n.peers.Len()))
	n.metrics.MediaRecords.Set(float64(n.registry.Len()))

	return n, nil
}

// Start launches self-registration and the discovery and heartbeat loops.
// It does not block. With P2P disabled or no directory client the node runs
// standalone.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		n.logger.Info("Node starting",
			zap.String("endpoint", n.endpoint),
			zap.Bool("p2p", n.enableP2P),
			zap.String("capabilities", n.capabilities.String()),
			zap.Int("peers", n.peers.Len()),
			zap.Int("media_records", n.registry.Len()))

		if !n.enableP2P {
			n.logger.Info("P2P disabled, not joining the network")
			return
		}
		if n.directory == nil {
			n.logger.Warn("No peer directory configured, running standalone")
			return
		}

		n.supervisor.Go(n.ctx, "registration", func(ctx context.Context) {
			if err := n.registerSelf(ctx); err != nil {
				n.logger.Warn("Initial registration failed, heartbeat loop will retry", zap.Error(err))
			}
		})
		n.supervisor.Go(n.ctx, "discovery", n.discoveryLoop)
		n.supervisor.Go(n.ctx, "heartbeat", n.heartbeatLoop)
	})
}

// Serve runs the node's gRPC MediaService on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	n.logger.Info("Media service listening", zap.String("address", lis.Addr().String()))
	if err := n.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe binds address and calls Serve. A host in address is
// dropped so the node binds every interface on that port.
func (n *Node) ListenAndServe(address string) error {
	bindAddr := address
	if host, port, err := net.SplitHostPort(address); err == nil && host != "" {
		bindAddr = ":" + port
	}

	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	return n.Serve(lis)
}

// Stop cancels background work, waits for in-flight broadcasts and stops
// the gRPC server.
func (n *Node) Stop() {
	n.broadcastMutex.Lock()
	n.cancel()
	n.broadcastMutex.Unlock()

	n.supervisor.Wait()
	n.broadcasts.Wait()

	n.server.GracefulStop()
	n.logger.Info("Node stopped")
}

func (n *Node) ID() types.NodeID { return n.nodeID }

func (n *Node) Endpoint() string { return n.endpoint }

// Peers returns the cached peers in query order.
func (n *Node) Peers() []types.NodeRecord {
	return n.peers.List()
}

// Record describes this node the way the directory stores it.
func (n *Node) Record() types.NodeRecord {
	return types.NodeRecord{
		NodeID:       n.nodeID,
		Endpoint:     n.endpoint,
		Capabilities: n.capabilities,
		LastSeen:     n.now(),
	}
}

// resolveNodeID prefers an explicit id, then one persisted in dataDir, and
// otherwise generates and persists a new one.
func resolveNodeID(explicit types.NodeID, dataDir string) (types.NodeID, error) {
	if id := strings.TrimSpace(string(explicit)); id != "" {
		return types.NodeID(id), nil
	}
	if dataDir == "" {
		return types.NodeID(uuid.New().String()), nil
	}

	path := filepath.Join(dataDir, NodeIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return types.NodeID(id), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	return types.NodeID(id), nil
}

func dataFile(dataDir, name string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, name)
}
