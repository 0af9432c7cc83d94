// Package metadb defines the metadata store abstraction: a small
// key/value plus sorted-set store persisting per-entry cache metadata
// and eviction/expiry indexes. Two interchangeable backends exist:
// embedded (buntdb) and remote (Redis).
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by any MetaDB operation that cannot
// complete because the backing store is unreachable or broken. The
// policy layer treats this as a cache miss on reads and as a fetch
// refusal (entry not persisted, bytes still streamed to the caller) on
// writes.
var ErrUnavailable = errors.New("metadb: unavailable")

// ErrNotFound is a sentinel for a key with no record. GetMeta does not
// return it: both backends report an absent record as found=false with
// a nil error. It is exported for backends that need to distinguish the
// two internally.
var ErrNotFound = errors.New("metadb: not found")

// Meta is the per-entry metadata record described in spec §3.
type Meta struct {
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessAt  time.Time `json:"last_access_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
}

// ScoredMember is one member of a sorted-set range result.
type ScoredMember struct {
	Member string
	Score  float64
}

// MetaDB is the §4.1 operation set. All operations may fail with (an
// error wrapping) ErrUnavailable.
type MetaDB interface {
	GetMeta(ctx context.Context, key string) (Meta, bool, error)
	PutMeta(ctx context.Context, key string, meta Meta) error
	DelMeta(ctx context.Context, key string) error

	ZAdd(ctx context.Context, set, member string, score float64) error
	ZRem(ctx context.Context, set, member string) error
	ZRangeByScore(ctx context.Context, set string, lo, hi float64, limit int) ([]ScoredMember, error)
	ZPopMin(ctx context.Context, set string, n int) ([]ScoredMember, error)

	IncrBy(ctx context.Context, counter string, delta int64) (int64, error)

	// Close releases any resources (file handles, connections) held by
	// the backend.
	Close() error
}
