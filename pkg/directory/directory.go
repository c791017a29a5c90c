// Package directory implements the peer directory: an authoritative registrar
// that nodes register with, heartbeat to, and list live peers from. Records
// that miss the heartbeat deadline are filtered from listings and removed by
// a periodic sweep.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"blocksnap/pkg/metrics"
	"blocksnap/pkg/types"
)

var (
	// ErrMissingFields is returned when a registration lacks node_id or endpoint.
	ErrMissingFields = errors.New("node_id and endpoint are required")
	// ErrNodeNotFound is returned by Heartbeat for ids that never registered
	// or have since expired.
	ErrNodeNotFound = errors.New("node not found")
)

const (
	DefaultNodeTimeout     = 3600 * time.Second
	DefaultCleanupInterval = 300 * time.Second
)

type Options struct {
	NodeTimeout     time.Duration
	CleanupInterval time.Duration
	Store           Store
	Logger          *zap.Logger
	Metrics         *metrics.DirectoryMetrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service holds the node map. Every mutation is written through to the Store
// before returning. With a SharedStore the map is re-read before listing,
// before a sweep and when a heartbeat names an unknown node, so replicas see
// each other's registrations.
type Service struct {
	nodes     map[types.NodeID]types.NodeRecord
	nodeMutex sync.RWMutex

	store           Store
	shared          bool
	nodeTimeout     time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger
	metrics         *metrics.DirectoryMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a directory and loads any persisted node map. An unreadable
// or corrupt map is logged and the directory starts empty.
func New(ctx context.Context, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDirectoryMetrics(nil)
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = DefaultNodeTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}

	s := &Service{
		nodes:           make(map[types.NodeID]types.NodeRecord),
		store:           opts.Store,
		shared:          isShared(opts.Store),
		nodeTimeout:     opts.NodeTimeout,
		cleanupInterval: opts.CleanupInterval,
		now:             opts.Clock,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}

	nodes, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load node map, starting empty", zap.Error(err))
	} else if nodes != nil {
		s.nodes = nodes
	}
	s.metrics.ActiveNodes.Set(float64(len(s.nodes)))

	s.logger.Info("Peer directory initialized",
		zap.Int("nodes", len(s.nodes)),
		zap.Duration("node_timeout", s.nodeTimeout),
		zap.Duration("cleanup_interval", s.cleanupInterval))
	return s
}

// Start launches the background cleanup sweep.
func (s *Service) Start() {
	s.nodeMutex.Lock()
	if s.cancel != nil {
		s.nodeMutex.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.nodeMutex.Unlock()

	s.wg.Add(1)
	go s.cleanupLoop(ctx)
}

// Stop ends the sweep and waits for it to exit. The service can be started
// again afterwards.
func (s *Service) Stop() {
	s.nodeMutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.nodeMutex.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// Register upserts a node record with last_seen set to now.
func (s *Service) Register(ctx context.Context, nodeID types.NodeID, endpoint string, caps types.Capabilities) error {
	nodeID = types.NodeID(strings.TrimSpace(string(nodeID)))
	endpoint = strings.TrimSpace(endpoint)
	if nodeID == "" || endpoint == "" {
		return ErrMissingFields
	}

	rec := types.NodeRecord{
		NodeID:       nodeID,
		Endpoint:     endpoint,
		Capabilities: caps,
		LastSeen:     s.now(),
	}

	s.nodeMutex.Lock()
	defer s.nodeMutex.Unlock()

	if err := s.store.Put(ctx, rec); err != nil {
		s.metrics.PersistErrors.Inc()
		return fmt.Errorf("failed to persist node %s: %w", nodeID, err)
	}
	s.nodes[nodeID] = rec

	s.metrics.Registrations.Inc()
	s.metrics.ActiveNodes.Set(float64(len(s.nodes)))
	s.logger.Info("Node registered",
		zap.String("node_id", string(nodeID)),
		zap.String("endpoint", endpoint),
		zap.String("capabilities", caps.String()))
	return nil
}

// ListActive returns every record seen within the node timeout, ordered by
// node id. It does not write to the store.
func (s *Service) ListActive(ctx context.Context) []types.NodeRecord {
	if s.shared {
		s.refresh(ctx)
	}
	cutoff := s.now().Add(-s.nodeTimeout)

	s.nodeMutex.RLock()
	active := make([]types.NodeRecord, 0, len(s.nodes))
	for _, rec := range s.nodes {
		if rec.LastSeen.After(cutoff) {
			active = append(active, rec)
		}
	}
	s.nodeMutex.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].NodeID < active[j].NodeID })
	return active
}

// Heartbeat refreshes last_seen for a registered node.
func (s *Service) Heartbeat(ctx context.Context, nodeID types.NodeID) error {
	s.nodeMutex.RLock()
	_, exists := s.nodes[nodeID]
	s.nodeMutex.RUnlock()
	if !exists && s.shared {
		s.refresh(ctx)
	}

	s.nodeMutex.Lock()
	defer s.nodeMutex.Unlock()

	rec, exists := s.nodes[nodeID]
	if !exists {
		s.metrics.Heartbeats.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	rec.LastSeen = s.now()
	if err := s.store.Put(ctx, rec); err != nil {
		s.metrics.PersistErrors.Inc()
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist node %s: %w", nodeID, err)
	}
	s.nodes[nodeID] = rec

	s.metrics.Heartbeats.WithLabelValues("ok").Inc()
	s.logger.Debug("Node heartbeat received", zap.String("node_id", string(nodeID)))
	return nil
}

// Sweep removes every record older than the node timeout and returns how
// many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.shared {
		s.refresh(ctx)
	}
	cutoff := s.now().Add(-s.nodeTimeout)

	s.nodeMutex.Lock()
	defer s.nodeMutex.Unlock()

	var expired []types.NodeRecord
	var ids []types.NodeID
	for id, rec := range s.nodes {
		if !rec.LastSeen.After(cutoff) {
			expired = append(expired, rec)
			ids = append(ids, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.store.Delete(ctx, ids...); err != nil {
		s.metrics.PersistErrors.Inc()
		return 0, fmt.Errorf("failed to remove expired nodes: %w", err)
	}
	for _, id := range ids {
		delete(s.nodes, id)
	}

	s.metrics.Expired.Add(float64(len(expired)))
	s.metrics.ActiveNodes.Set(float64(len(s.nodes)))
	for _, rec := range expired {
		s.logger.Info("Removed inactive node",
			zap.String("node_id", string(rec.NodeID)),
			zap.Time("last_seen", rec.LastSeen))
	}
	return len(expired), nil
}

// Len reports how many records are held, expired or not.
func (s *Service) Len() int {
	s.nodeMutex.RLock()
	defer s.nodeMutex.RUnlock()
	return len(s.nodes)
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Service) runSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Cleanup sweep panicked", zap.Any("panic", r))
		}
	}()

	removed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("Cleanup sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Cleanup sweep complete", zap.Int("removed", removed))
	}
}

// refresh replaces the in-memory map with the store's view. A failed read
// keeps the current map.
func (s *Service) refresh(ctx context.Context) {
	nodes, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh node map from store", zap.Error(err))
		return
	}

	s.nodeMutex.Lock()
	s.nodes = nodes
	s.nodeMutex.Unlock()
	s.metrics.ActiveNodes.Set(float64(len(nodes)))
}
