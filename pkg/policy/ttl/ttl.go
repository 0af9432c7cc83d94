// Package ttl implements the per-entry absolute-expiry eviction policy
// of spec §4.3.2: entries carry an expires_at, checked lazily on read
// and swept in batches by a background ticker. Grounded on the
// teacher's pkg/storage/evictor.go ticker-driven background loop.
package ttl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirror-cache/mirror-cache/pkg/metadb"
	"github.com/mirror-cache/mirror-cache/pkg/policy"
	"github.com/mirror-cache/mirror-cache/pkg/store"
)

// sweepBatch bounds how many expired members a single sweep pass
// removes per pass, matching the "limit=BATCH" language of spec §4.3.2.
const sweepBatch = 256

// Policy is the TTL eviction policy.
type Policy struct {
	policy.Coalescer

	name    string
	meta    metadb.MetaDB
	storage store.Storage

	ttlSeconds     int
	sweepInterval  time.Duration
	fetchTimeout   time.Duration
	ttlSet         string
	totalSizeKey   string

	stopOnce sync.Once
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a TTL policy named name. sweepInterval drives the
// background sweeper goroutine started by Run.
func New(name string, meta metadb.MetaDB, storage store.Storage, ttlSeconds, sweepIntervalSeconds int, fetchTimeout time.Duration) *Policy {
	return &Policy{
		name:          name,
		meta:          meta,
		storage:       storage,
		ttlSeconds:    ttlSeconds,
		sweepInterval: time.Duration(sweepIntervalSeconds) * time.Second,
		fetchTimeout:  fetchTimeout,
		ttlSet:        "ttl:" + name,
		totalSizeKey:  "total_size:" + name,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Name implements policy.Policy.
func (p *Policy) Name() string { return p.name }

// Get implements policy.Policy: lazy expiry on read.
func (p *Policy) Get(ctx context.Context, key string) (policy.Outcome, error) {
	meta, found, err := p.meta.GetMeta(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("policy", p.name).Str("key", key).Msg("[ttl] metadata unavailable, degrading to miss")
		return policy.Outcome{}, nil
	}
	if !found {
		return policy.Outcome{}, nil
	}

	if !meta.ExpiresAt.After(time.Now()) {
		p.expire(ctx, key)
		return policy.Outcome{}, nil
	}

	data, ok, err := p.storage.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("policy", p.name).Str("key", key).Msg("[ttl] storage unavailable, degrading to miss")
		return policy.Outcome{}, nil
	}
	if !ok {
		_ = p.meta.DelMeta(ctx, key)
		_ = p.meta.ZRem(ctx, p.ttlSet, key)
		return policy.Outcome{}, nil
	}

	return policy.Outcome{Hit: true, Data: data, ContentType: meta.ContentType}, nil
}

// OnHitAccess implements policy.Policy: a no-op for TTL, per §4.3.
func (p *Policy) OnHitAccess(context.Context, string) error { return nil }

// Put implements policy.Policy.
func (p *Policy) Put(ctx context.Context, key string, data []byte, contentType string) error {
	size, err := p.storage.Put(ctx, key, data)
	if err != nil {
		return err
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(p.ttlSeconds) * time.Second)

	old, existed, _ := p.meta.GetMeta(ctx, key)

	meta := metadb.Meta{
		Size:        size,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		ContentType: contentType,
	}
	if err := p.meta.PutMeta(ctx, key, meta); err != nil {
		return err
	}
	if err := p.meta.ZAdd(ctx, p.ttlSet, key, unixScore(expiresAt)); err != nil {
		return err
	}

	delta := size
	if existed {
		delta -= old.Size
	}
	_, err = p.meta.IncrBy(ctx, p.totalSizeKey, delta)
	return err
}

// Fetch implements policy.Policy.
func (p *Policy) Fetch(ctx context.Context, key string, fetch func(ctx context.Context) (*policy.FetchResult, error)) (*policy.FetchResult, error) {
	return p.Coalescer.Do(ctx, key, p.fetchTimeout, fetch, p.Put)
}

// expire removes key from metadata, the ttl index, and storage, and
// debits its bytes from total_size — the lazy-expiry deletion path
// shared by Get and Sweep.
func (p *Policy) expire(ctx context.Context, key string) {
	meta, found, _ := p.meta.GetMeta(ctx, key)
	_ = p.meta.DelMeta(ctx, key)
	_ = p.meta.ZRem(ctx, p.ttlSet, key)
	_ = p.storage.Del(ctx, key)
	if found {
		_, _ = p.meta.IncrBy(ctx, p.totalSizeKey, -meta.Size)
	}
}

// TotalSizeBytes implements policy.SizeReporter.
func (p *Policy) TotalSizeBytes(ctx context.Context) (int64, error) {
	return p.meta.IncrBy(ctx, p.totalSizeKey, 0)
}

// Sweep performs one background sweep pass: it removes every member of
// the ttl index whose score (expires_at) is at or before now, batched
// at sweepBatch per call, repeating until a pass returns fewer than a
// full batch (spec §4.3.2, invariant I3).
func (p *Policy) Sweep(ctx context.Context) (removed int, err error) {
	for {
		now := unixScore(time.Now())
		expired, err := p.meta.ZRangeByScore(ctx, p.ttlSet, 0, now, sweepBatch)
		if err != nil {
			return removed, err
		}
		if len(expired) == 0 {
			return removed, nil
		}
		for _, m := range expired {
			p.expire(ctx, m.Member)
			removed++
		}
		if len(expired) < sweepBatch {
			return removed, nil
		}
	}
}

// Run launches the background sweeper goroutine, ticking every
// sweepInterval until Stop is called, mirroring the teacher's
// evictor.go ticker loop, with a debug log line for each pass that
// removed entries and an error log line for each pass that failed.
func (p *Policy) Run(ctx context.Context) {
	p.started.Store(true)
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				n, err := p.Sweep(ctx)
				if err != nil {
					log.Error().Err(err).Str("policy", p.name).Msg("[ttl] sweep failed")
					continue
				}
				if n > 0 {
					log.Debug().Str("policy", p.name).Int("removed", n).Msg("[ttl] sweep complete")
				}
			}
		}
	}()
}

// Stop halts the background sweeper and waits for it to exit. If Run
// was never called there is no sweeper to wait for, and Stop returns
// at once.
func (p *Policy) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.doneCh
	}
}

// unixScore encodes t as a fractional-seconds Unix score, so the ttl
// index keeps sub-second expires_at precision.
func unixScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

var (
	_ policy.Policy       = (*Policy)(nil)
	_ policy.SizeReporter = (*Policy)(nil)
)
