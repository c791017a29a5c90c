package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"blocksnap/pkg/snapshot"
	"blocksnap/pkg/types"
)

// Store persists node records one at a time, so a write never touches
// records it was not given.
type Store interface {
	Load(ctx context.Context) (map[types.NodeID]types.NodeRecord, error)
	Put(ctx context.Context, rec types.NodeRecord) error
	Delete(ctx context.Context, ids ...types.NodeID) error
}

// SharedStore is a Store that other directory replicas may write to as well.
// A Service re-reads a shared store before answering from memory.
type SharedStore interface {
	Store
	Shared() bool
}

func isShared(s Store) bool {
	ss, ok := s.(SharedStore)
	return ok && ss.Shared()
}

// NodesFile is the snapshot file name inside the directory's data dir.
const NodesFile = "nodes.json"

// FileStore keeps the node map in an atomically replaced JSON file. It
// assumes a single writing process.
type FileStore struct {
	path string

	mu     sync.Mutex
	nodes  map[types.NodeID]types.NodeRecord
	loaded bool
}

func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, NodesFile)}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (map[types.NodeID]types.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	return copyNodes(f.nodes), nil
}

func (f *FileStore) Put(ctx context.Context, rec types.NodeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadLocked()

	prev, existed := f.nodes[rec.NodeID]
	f.nodes[rec.NodeID] = rec
	if err := snapshot.Save(f.path, f.nodes); err != nil {
		if existed {
			f.nodes[rec.NodeID] = prev
		} else {
			delete(f.nodes, rec.NodeID)
		}
		return err
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, ids ...types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadLocked()

	removed := make(map[types.NodeID]types.NodeRecord, len(ids))
	for _, id := range ids {
		if rec, ok := f.nodes[id]; ok {
			removed[id] = rec
			delete(f.nodes, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := snapshot.Save(f.path, f.nodes); err != nil {
		for id, rec := range removed {
			f.nodes[id] = rec
		}
		return err
	}
	return nil
}

// loadLocked reads the file once. A corrupt file leaves an empty map that
// the next write replaces.
func (f *FileStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	f.nodes = make(map[types.NodeID]types.NodeRecord)

	stored := make(map[types.NodeID]types.NodeRecord)
	if err := snapshot.Load(f.path, &stored); err != nil {
		return err
	}
	f.nodes = stored
	return nil
}

// RedisStore keeps one hash field per node under a single key. Writes from
// several directory replicas only touch their own fields.
type RedisStore struct {
	client *redis.Client
	key    string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Key == "" {
		opts.Key = "blocksnap:directory:nodes"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client, key: opts.Key}
}

// Ping verifies the Redis server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Shared() bool { return true }

func (r *RedisStore) Load(ctx context.Context) (map[types.NodeID]types.NodeRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node map from redis: %w", err)
	}

	nodes := make(map[types.NodeID]types.NodeRecord, len(fields))
	for id, raw := range fields {
		var rec types.NodeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// one bad field should not hide the rest of the network
			continue
		}
		nodes[types.NodeID(id)] = rec
	}
	return nodes, nil
}

func (r *RedisStore) Put(ctx context.Context, rec types.NodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, string(rec.NodeID), data).Err(); err != nil {
		return fmt.Errorf("failed to write node %s to redis: %w", rec.NodeID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ids ...types.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = string(id)
	}
	if err := r.client.HDel(ctx, r.key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete nodes from redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore keeps records in memory. Used when no persistence is
// configured and in tests; several services may share one.
type MemoryStore struct {
	mu     sync.Mutex
	nodes  map[types.NodeID]types.NodeRecord
	writes int
	err    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[types.NodeID]types.NodeRecord)}
}

func (m *MemoryStore) Shared() bool { return true }

func (m *MemoryStore) Load(ctx context.Context) (map[types.NodeID]types.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNodes(m.nodes), nil
}

func (m *MemoryStore) Put(ctx context.Context, rec types.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.nodes[rec.NodeID] = rec
	m.writes++
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, ids ...types.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, id := range ids {
		delete(m.nodes, id)
	}
	m.writes++
	return nil
}

// Writes reports how many Put and Delete calls succeeded.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWith makes subsequent writes return err; nil restores normal writes.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func copyNodes(in map[types.NodeID]types.NodeRecord) map[types.NodeID]types.NodeRecord {
	out := make(map[types.NodeID]types.NodeRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
