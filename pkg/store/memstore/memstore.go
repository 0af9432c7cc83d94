// Package memstore implements store.Storage as a sharded in-memory map,
// adapted from the teacher's pkg/storage/map sharded concurrent map:
// each shard is an independent RWMutex-guarded Go map, selected by an
// xxh3 hash of the cache key. Replacement is a pointer swap onto an
// immutable byte buffer, so a reader holding a value reference never
// observes a torn write (I5) even if the key is concurrently
// overwritten or evicted.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/mirror-cache/mirror-cache/pkg/store"
)

// numShards mirrors the teacher's NumOfShards partitioning constant,
// sized down from 2048 since blob entries are coarser-grained than the
// teacher's per-request cache entries.
const numShards = 256

type shard struct {
	mu    sync.RWMutex
	items map[string][]byte
	mem   int64
}

// Memory is a sharded in-memory Storage. Not persistent across restarts.
type Memory struct {
	shards [numShards]*shard
}

// New returns an empty in-memory Storage.
func New() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string][]byte)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[xxh3.HashString(key)%numShards]
}

// Put implements store.Storage. The stored slice is a private copy, so
// later mutation of the caller's buffer never affects a concurrent
// reader's view (I5).
func (m *Memory) Put(_ context.Context, key string, data []byte) (int64, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s := m.shardFor(key)
	s.mu.Lock()
	old, existed := s.items[key]
	s.items[key] = buf
	s.mu.Unlock()

	diff := int64(len(buf))
	if existed {
		diff -= int64(len(old))
	}
	atomic.AddInt64(&s.mem, diff)
	return int64(len(buf)), nil
}

// Get implements store.Storage.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	data, ok := s.items[key]
	s.mu.RUnlock()
	return data, ok, nil
}

// Del implements store.Storage. Idempotent.
func (m *Memory) Del(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	data, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	if ok {
		atomic.AddInt64(&s.mem, -int64(len(data)))
	}
	return nil
}

// Exists implements store.Storage.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	_, ok := s.items[key]
	s.mu.RUnlock()
	return ok, nil
}

// Len implements store.Storage.
func (m *Memory) Len(_ context.Context, key string) (int64, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	data, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

// Mem returns the approximate total resident byte size across all
// shards, mirroring the teacher's Map.RealMem.
func (m *Memory) Mem() int64 {
	var total int64
	for _, s := range m.shards {
		total += atomic.LoadInt64(&s.mem)
	}
	return total
}

var _ store.Storage = (*Memory)(nil)
