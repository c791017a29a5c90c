package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"blocksnap/pkg/types"
)

// RegisterMedia stores a confirmed fact as registered by this node and
// gossips it to broadcast-capable peers in the background. Only validation
// and persistence errors are returned; delivery failures never are.
func (n *Node) RegisterMedia(ctx context.Context, fact *types.MediaRecord) error {
	if err := fact.Validate(); err != nil {
		return err
	}

	rec := fact.Clone()
	rec.Normalize()
	rec.RegisteredBy = n.nodeID
	rec.RegisteredAt = n.now()
	rec.LearnedFrom = ""

	if err := n.registry.Put(rec); err != nil {
		return err
	}
	n.metrics.MediaRecords.Set(float64(n.registry.Len()))

	n.logger.Info("Media registered",
		zap.String("tx_hash", string(rec.TxHash)),
		zap.String("media_type", string(rec.MediaType)),
		zap.String("owner", rec.Owner))

	if n.enableP2P && n.transport != nil {
		n.startBroadcast(rec)
	}
	return nil
}

// startBroadcast does nothing once the node is stopping.
func (n *Node) startBroadcast(rec *types.MediaRecord) {
	n.broadcastMutex.Lock()
	defer n.broadcastMutex.Unlock()
	if n.ctx.Err() != nil {
		n.logger.Debug("Node stopping, media not broadcast", zap.String("tx_hash", string(rec.TxHash)))
		return
	}

	n.broadcasts.Add(1)
	go func() {
		defer n.broadcasts.Done()
		n.broadcast(n.ctx, rec)
	}()
}

// broadcast delivers rec to each broadcast-capable peer in turn. A failed
// delivery is logged and does not stop the others.
func (n *Node) broadcast(ctx context.Context, rec *types.MediaRecord) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Broadcast panicked", zap.Any("panic", r))
		}
	}()

	delivered := 0
	for _, peer := range n.peers.List() {
		if !peer.Capabilities.Has(types.CapBroadcast) || peer.Endpoint == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, n.requestTimeout)
		err := n.transport.Broadcast(callCtx, peer.Endpoint, rec)
		cancel()

		if err != nil {
			n.metrics.Broadcasts.WithLabelValues("failed").Inc()
			n.logger.Warn("Failed to broadcast media to peer",
				zap.String("peer_id", string(peer.NodeID)),
				zap.String("endpoint", peer.Endpoint),
				zap.String("tx_hash", string(rec.TxHash)),
				zap.Error(err))
			continue
		}
		n.metrics.Broadcasts.WithLabelValues("delivered").Inc()
		delivered++
	}

	n.logger.Debug("Broadcast complete",
		zap.String("tx_hash", string(rec.TxHash)),
		zap.Int("delivered", delivered))
}

// ReceiveBroadcast stores a fact gossiped by a peer. The origin's
// registered_by is kept and the fact is not forwarded again.
func (n *Node) ReceiveBroadcast(ctx context.Context, fact *types.MediaRecord) error {
	if err := fact.Validate(); err != nil {
		return err
	}

	rec := fact.Clone()
	rec.Normalize()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = n.now()
	}
	if rec.LearnedFrom == "" {
		rec.LearnedFrom = rec.RegisteredBy
	}

	if err := n.registry.Put(rec); err != nil {
		return fmt.Errorf("failed to store broadcast media: %w", err)
	}
	n.metrics.MediaRecords.Set(float64(n.registry.Len()))

	n.logger.Info("Received media broadcast",
		zap.String("tx_hash", string(rec.TxHash)),
		zap.String("registered_by", string(rec.RegisteredBy)))
	return nil
}

// GetRegisteredMedia lists local records, optionally filtered by media type
// and owner. It never touches the network.
func (n *Node) GetRegisteredMedia(mediaType types.MediaType, owner string) []*types.MediaRecord {
	return n.registry.List(mediaType, owner)
}

// LookupMedia returns the local record for txHash without touching the
// network.
func (n *Node) LookupMedia(txHash types.TxHash) (*types.MediaRecord, bool) {
	return n.registry.Get(txHash)
}
