// Package lru implements the size-bounded LRU eviction policy of spec
// §4.3.1: a sorted-set index of (key -> last_access_at) plus a scalar
// total_size counter, both held in MetaDB, guarding a Storage backend.
// Grounded on the teacher's pkg/storage/lru capacity-enforcement loop
// shape and pkg/storage/evictor.go's background-loop idiom, with the
// teacher's most-loaded-shard sampling replaced by the spec's
// deterministic zpopmin-lowest-score eviction.
package lru

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirror-cache/mirror-cache/pkg/metadb"
	"github.com/mirror-cache/mirror-cache/pkg/policy"
	"github.com/mirror-cache/mirror-cache/pkg/store"
)

// Policy is the LRU eviction policy.
type Policy struct {
	policy.Coalescer

	name         string
	meta         metadb.MetaDB
	storage      store.Storage
	maxSizeBytes uint64
	timeout      time.Duration

	lruSet       string
	totalSizeKey string
}

// New constructs an LRU policy named name, bounded to maxSizeBytes,
// backed by meta and storage.
func New(name string, meta metadb.MetaDB, storage store.Storage, maxSizeBytes uint64, timeout time.Duration) *Policy {
	return &Policy{
		name:         name,
		meta:         meta,
		storage:      storage,
		maxSizeBytes: maxSizeBytes,
		timeout:      timeout,
		lruSet:       "lru:" + name,
		totalSizeKey: "total_size:" + name,
	}
}

// Name implements policy.Policy.
func (p *Policy) Name() string { return p.name }

// Get implements policy.Policy.
func (p *Policy) Get(ctx context.Context, key string) (policy.Outcome, error) {
	meta, found, err := p.meta.GetMeta(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("policy", p.name).Str("key", key).Msg("[lru] metadata unavailable, degrading to miss")
		return policy.Outcome{}, nil
	}
	if !found {
		return policy.Outcome{}, nil
	}

	data, ok, err := p.storage.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("policy", p.name).Str("key", key).Msg("[lru] storage unavailable, degrading to miss")
		return policy.Outcome{}, nil
	}
	if !ok {
		// Metadata present but blob missing: repair by dropping the
		// orphaned metadata record (spec §9 startup-repair note,
		// applied lazily on read too).
		_ = p.meta.DelMeta(ctx, key)
		_ = p.meta.ZRem(ctx, p.lruSet, key)
		return policy.Outcome{}, nil
	}

	if err := p.touch(ctx, key, meta); err != nil {
		log.Warn().Err(err).Str("policy", p.name).Str("key", key).Msg("[lru] failed to update access time")
	}

	return policy.Outcome{Hit: true, Data: data, ContentType: meta.ContentType}, nil
}

// OnHitAccess implements policy.Policy.
func (p *Policy) OnHitAccess(ctx context.Context, key string) error {
	meta, found, err := p.meta.GetMeta(ctx, key)
	if err != nil || !found {
		return err
	}
	return p.touch(ctx, key, meta)
}

func (p *Policy) touch(ctx context.Context, key string, meta metadb.Meta) error {
	now := time.Now()
	meta.LastAccessAt = now
	if err := p.meta.PutMeta(ctx, key, meta); err != nil {
		return err
	}
	return p.meta.ZAdd(ctx, p.lruSet, key, nowScore(now))
}

// Put implements policy.Policy: write bytes, persist metadata, update
// the LRU index and total_size counter, then enforce capacity.
func (p *Policy) Put(ctx context.Context, key string, data []byte, contentType string) error {
	size, err := p.storage.Put(ctx, key, data)
	if err != nil {
		return err
	}

	now := time.Now()
	old, existed, _ := p.meta.GetMeta(ctx, key)
	createdAt := now
	if existed {
		createdAt = old.CreatedAt
	}

	meta := metadb.Meta{
		Size:         size,
		CreatedAt:    createdAt,
		LastAccessAt: now,
		ContentType:  contentType,
	}
	if err := p.meta.PutMeta(ctx, key, meta); err != nil {
		return err
	}
	if err := p.meta.ZAdd(ctx, p.lruSet, key, nowScore(now)); err != nil {
		return err
	}

	delta := size
	if existed {
		delta -= old.Size
	}
	total, err := p.meta.IncrBy(ctx, p.totalSizeKey, delta)
	if err != nil {
		return err
	}

	return p.enforceCapacity(ctx, total)
}

// enforceCapacity evicts the lowest-scored (oldest last_access_at, then
// lexicographically smallest key) entries until total_size no longer
// exceeds max_size_bytes (spec §4.3.1 step 5, invariant I2).
func (p *Policy) enforceCapacity(ctx context.Context, total int64) error {
	for total > int64(p.maxSizeBytes) {
		victims, err := p.meta.ZPopMin(ctx, p.lruSet, 1)
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			break
		}
		victimKey := victims[0].Member

		victimMeta, found, _ := p.meta.GetMeta(ctx, victimKey)
		_ = p.meta.DelMeta(ctx, victimKey)
		_ = p.storage.Del(ctx, victimKey)

		freed := int64(0)
		if found {
			freed = victimMeta.Size
		}
		total, err = p.meta.IncrBy(ctx, p.totalSizeKey, -freed)
		if err != nil {
			return err
		}
		log.Debug().Str("policy", p.name).Str("key", victimKey).Int64("freed", freed).Msg("[lru] evicted")
	}
	return nil
}

// Fetch implements policy.Policy.
func (p *Policy) Fetch(ctx context.Context, key string, fetch func(ctx context.Context) (*policy.FetchResult, error)) (*policy.FetchResult, error) {
	return p.Coalescer.Do(ctx, key, p.timeout, fetch, p.Put)
}

// TotalSizeBytes implements policy.SizeReporter: a zero-delta IncrBy
// reads the counter without mutating it.
func (p *Policy) TotalSizeBytes(ctx context.Context) (int64, error) {
	return p.meta.IncrBy(ctx, p.totalSizeKey, 0)
}

// nowScore encodes a time.Time as a fractional-seconds Unix score
// suitable for both the embedded and remote MetaDB backends.
func nowScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

var (
	_ policy.Policy       = (*Policy)(nil)
	_ policy.SizeReporter = (*Policy)(nil)
)
