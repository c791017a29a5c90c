package node

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"blocksnap/pkg/snapshot"
	"blocksnap/pkg/types"
)

// PeersFile is the peer cache snapshot inside the data dir.
const PeersFile = "peers.json"

// peerCache mirrors the directory's live-node list. Peers keep the order in
// which they were first learned; an update for a known id overwrites in place.
type peerCache struct {
	mu    sync.RWMutex
	order []types.NodeID
	peers map[types.NodeID]types.NodeRecord
	path  string
}

func loadPeerCache(path string, logger *zap.Logger) *peerCache {
	c := &peerCache{
		peers: make(map[types.NodeID]types.NodeRecord),
		path:  path,
	}
	if path == "" {
		return c
	}

	stored := make(map[types.NodeID]types.NodeRecord)
	if err := snapshot.Load(path, &stored); err != nil {
		logger.Error("Peer cache unreadable, starting empty", zap.String("path", path), zap.Error(err))
		return c
	}
	for id, rec := range stored {
		c.peers[id] = rec
		c.order = append(c.order, id)
	}
	// map order is random; fall back to id order after a restart
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c
}

// Upsert merges records, skipping self and entries without an id, then
// persists the cache. It returns how many peers were new.
func (c *peerCache) Upsert(records []types.NodeRecord, self types.NodeID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, rec := range records {
		if rec.NodeID == "" || rec.NodeID == self {
			continue
		}
		if _, exists := c.peers[rec.NodeID]; !exists {
			c.order = append(c.order, rec.NodeID)
			added++
		}
		c.peers[rec.NodeID] = rec
	}
	return added, c.persistLocked()
}

// List returns the peers in query order.
func (c *peerCache) List() []types.NodeRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.NodeRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.peers[id])
	}
	return out
}

func (c *peerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

func (c *peerCache) persistLocked() error {
	if c.path == "" {
		return nil
	}
	return snapshot.Save(c.path, c.peers)
}
