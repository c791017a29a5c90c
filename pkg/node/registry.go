package node

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"blocksnap/pkg/snapshot"
	"blocksnap/pkg/types"
)

// RegistryFile is the media registry snapshot inside the data dir.
const RegistryFile = "media_registry.json"

// registry is the node's local media registry, last-write-wins per tx hash.
type registry struct {
	mu      sync.RWMutex
	records map[types.TxHash]*types.MediaRecord
	path    string
}

func loadRegistry(path string, logger *zap.Logger) *registry {
	r := &registry{
		records: make(map[types.TxHash]*types.MediaRecord),
		path:    path,
	}
	if path == "" {
		return r
	}

	stored := make(map[types.TxHash]*types.MediaRecord)
	if err := snapshot.Load(path, &stored); err != nil {
		logger.Error("Media registry unreadable, starting empty", zap.String("path", path), zap.Error(err))
		return r
	}
	for tx, rec := range stored {
		if rec == nil {
			continue
		}
		rec.Normalize()
		r.records[tx] = rec
	}
	return r
}

// Put replaces the record for rec.TxHash and persists the registry. On a
// persist failure the previous record is restored.
func (r *registry) Put(rec *types.MediaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.records[rec.TxHash]
	r.records[rec.TxHash] = rec.Clone()

	if r.path == "" {
		return nil
	}
	if err := snapshot.Save(r.path, r.records); err != nil {
		if existed {
			r.records[rec.TxHash] = prev
		} else {
			delete(r.records, rec.TxHash)
		}
		return fmt.Errorf("failed to persist media registry: %w", err)
	}
	return nil
}

func (r *registry) Get(tx types.TxHash) (*types.MediaRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[tx]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List scans the registry with optional filters. Owner addresses compare
// case-insensitively since hex addresses may or may not be checksummed.
func (r *registry) List(mediaType types.MediaType, owner string) []*types.MediaRecord {
	r.mu.RLock()
	out := make([]*types.MediaRecord, 0, len(r.records))
	for _, rec := range r.records {
		if mediaType != "" && rec.MediaType != mediaType && rec.Type != mediaType {
			continue
		}
		if owner != "" && !strings.EqualFold(rec.Owner, owner) {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
