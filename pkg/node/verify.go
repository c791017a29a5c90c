package node

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"blocksnap/pkg/resilient"
	"blocksnap/pkg/types"
)

// VerifyAcrossNetwork answers whether txHash is a known ledger fact. The
// local registry is checked first; otherwise verify-capable peers are asked
// in cache order and the first positive answer is stored locally and
// returned. A negative result is not an error and is never cached.
//
// The call is bounded by ctx and, per peer, by MaxRetries attempts of up to
// RequestTimeout each plus backoff between them.
func (n *Node) VerifyAcrossNetwork(ctx context.Context, txHash types.TxHash) (*types.VerifyResult, error) {
	txHash = types.TxHash(strings.TrimSpace(string(txHash)))
	if txHash == "" {
		return nil, types.ErrMissingTxHash
	}

	start := time.Now()
	defer func() { n.metrics.VerifyLatency.Observe(time.Since(start).Seconds()) }()

	if rec, ok := n.registry.Get(txHash); ok {
		n.metrics.Verifications.WithLabelValues("local").Inc()
		return &types.VerifyResult{
			Verified:  true,
			Source:    types.SourceLocalRegistry,
			MediaInfo: rec,
		}, nil
	}

	if !n.enableP2P || n.transport == nil {
		n.metrics.Verifications.WithLabelValues("disabled").Inc()
		return &types.VerifyResult{
			Verified: false,
			Message:  "Media not found in local registry and P2P is disabled",
		}, nil
	}

	for _, peer := range n.peers.List() {
		if !peer.Capabilities.Has(types.CapVerify) || peer.Endpoint == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		answer, err := n.queryPeer(ctx, peer, txHash)
		if err != nil {
			n.metrics.PeerQueries.WithLabelValues("error").Inc()
			n.logger.Debug("Peer verification query failed",
				zap.String("peer_id", string(peer.NodeID)),
				zap.String("tx_hash", string(txHash)),
				zap.Error(err))
			continue
		}
		if !answer.ExistsOnBlockchain {
			n.metrics.PeerQueries.WithLabelValues("negative").Inc()
			continue
		}
		n.metrics.PeerQueries.WithLabelValues("positive").Inc()

		rec := n.learnFromPeer(peer.NodeID, txHash, answer)
		n.metrics.Verifications.WithLabelValues("peer").Inc()
		n.logger.Info("Media verified by peer",
			zap.String("tx_hash", string(txHash)),
			zap.String("peer_id", string(peer.NodeID)))

		return &types.VerifyResult{
			Verified:  true,
			Source:    types.PeerSource(peer.NodeID),
			MediaInfo: rec,
		}, nil
	}

	n.metrics.Verifications.WithLabelValues("not_found").Inc()
	return &types.VerifyResult{
		Verified: false,
		Message:  "Media not found in local registry or on any peer",
	}, nil
}

// queryPeer asks one peer, retrying with backoff on transient errors.
func (n *Node) queryPeer(ctx context.Context, peer types.NodeRecord, txHash types.TxHash) (*types.VerifyAnswer, error) {
	client, err := resilient.New(resilient.Config{
		Name:       "peer",
		Primary:    peer.Endpoint,
		MaxRetries: n.retry.MaxRetries,
		RetryDelay: n.retry.RetryDelay,
		MaxDelay:   n.retry.MaxDelay,
		Jitter:     n.retry.Jitter,
		Logger:     n.logger,
		Metrics:    n.resilienceMetrics,
	})
	if err != nil {
		return nil, err
	}

	var answer *types.VerifyAnswer
	err = client.Execute(ctx, func(ctx context.Context, endpoint string) error {
		callCtx, cancel := context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()

		a, err := n.transport.Verify(callCtx, endpoint, txHash)
		if err != nil {
			return err
		}
		answer = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// learnFromPeer stores a peer's positive answer as this node's own record.
// A persist failure is logged; the answer is still returned to the caller.
func (n *Node) learnFromPeer(peer types.NodeID, txHash types.TxHash, answer *types.VerifyAnswer) *types.MediaRecord {
	if answer.TxHash == "" {
		answer.TxHash = txHash
	}

	rec := answer.Record()
	rec.TxHash = txHash
	rec.RegisteredBy = n.nodeID
	rec.RegisteredAt = n.now()
	rec.LearnedFrom = peer
	rec.Verification = answerMap(answer)

	if err := n.registry.Put(rec); err != nil {
		n.logger.Error("Failed to store media learned from peer",
			zap.String("tx_hash", string(txHash)),
			zap.Error(err))
	} else {
		n.metrics.MediaRecords.Set(float64(n.registry.Len()))
	}
	return rec
}

// AnswerVerification is what this node tells a peer asking about txHash:
// the local registry first, then the ledger when one is configured.
func (n *Node) AnswerVerification(ctx context.Context, txHash types.TxHash) (*types.VerifyAnswer, error) {
	txHash = types.TxHash(strings.TrimSpace(string(txHash)))
	if txHash == "" {
		return nil, types.ErrMissingTxHash
	}

	if rec, ok := n.registry.Get(txHash); ok {
		return types.AnswerFromRecord(rec), nil
	}

	if n.ledger != nil {
		exists, fact, err := n.ledger.VerifyTransaction(ctx, txHash)
		if err != nil {
			n.logger.Warn("Ledger lookup failed while answering peer",
				zap.String("tx_hash", string(txHash)),
				zap.Error(err))
		} else if exists && fact != nil {
			answer := types.AnswerFromRecord(fact)
			answer.TxHash = txHash
			return answer, nil
		}
	}

	return &types.VerifyAnswer{ExistsOnBlockchain: false, TxHash: txHash}, nil
}

func answerMap(a *types.VerifyAnswer) map[string]any {
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
