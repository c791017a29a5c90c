package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// registerSelf announces this node to the directory.
func (n *Node) registerSelf(ctx context.Context) error {
	n.registerMutex.Lock()
	defer n.registerMutex.Unlock()

	if n.endpoint == "" {
		return fmt.Errorf("node has no public endpoint to register")
	}
	if err := n.directory.Register(ctx, n.Record()); err != nil {
		return fmt.Errorf("failed to register with directory: %w", err)
	}

	n.logger.Info("Registered with peer directory", zap.String("endpoint", n.endpoint))
	return nil
}

// discoveryLoop refreshes the peer cache immediately and then on every tick.
func (n *Node) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(n.discoveryInterval)
	defer ticker.Stop()

	for {
		if _, err := n.DiscoverPeers(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("Peer discovery failed, retrying next cycle", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DiscoverPeers pulls the live-node list from the directory and merges it
// into the peer cache. It returns how many peers were new.
func (n *Node) DiscoverPeers(ctx context.Context) (int, error) {
	if n.directory == nil {
		return 0, fmt.Errorf("no peer directory configured")
	}

	nodes, err := n.directory.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active nodes: %w", err)
	}

	added, err := n.peers.Upsert(nodes, n.nodeID)
	n.metrics.Peers.Set(float64(n.peers.Len()))
	if err != nil {
		// the in-memory cache is still current
		n.logger.Error("Failed to persist peer cache", zap.Error(err))
	}

	if added > 0 {
		n.logger.Info("Discovered new peers",
			zap.Int("new", added),
			zap.Int("total", n.peers.Len()))
	} else {
		n.logger.Debug("Peer cache refreshed", zap.Int("total", n.peers.Len()))
	}
	return added, nil
}

// heartbeatLoop heartbeats on every tick and re-registers when a heartbeat
// fails for any reason.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeat(ctx)
		}
	}
}

func (n *Node) heartbeat(ctx context.Context) {
	err := n.directory.Heartbeat(ctx, n.nodeID)
	if err == nil {
		n.logger.Debug("Heartbeat sent")
		return
	}
	if ctx.Err() != nil {
		return
	}

	n.logger.Warn("Heartbeat failed, re-registering", zap.Error(err))
	if err := n.registerSelf(ctx); err != nil {
		n.logger.Error("Failed to re-register", zap.Error(err))
		return
	}
	n.logger.Info("Successfully re-registered with peer directory")
}
