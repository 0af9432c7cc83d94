// Package policy defines the eviction-policy contract (spec §4.3) and a
// shared single-flight coalescing helper used by both the LRU and TTL
// implementations.
package policy

import (
	"context"
	"time"

	"github.com/mirror-cache/mirror-cache/pkg/singleflight"
)

// Outcome is the result of Policy.Get.
type Outcome struct {
	Hit         bool
	Data        []byte
	ContentType string
}

// FetchResult is what an upstream fetch (performed by the single-flight
// leader) produces: either a cacheable 200 response, or a non-200
// response to propagate without caching (spec §4.6 step 3c).
type FetchResult struct {
	StatusCode  int
	Data        []byte
	ContentType string
}

// Policy is the common contract exposed to the request handler.
type Policy interface {
	// Get returns Hit with the stored bytes, or a non-hit Outcome on miss.
	Get(ctx context.Context, key string) (Outcome, error)

	// Put persists bytes and metadata and enforces the policy-specific
	// capacity rule, returning after both are durable.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// OnHitAccess updates access-time bookkeeping on a hit (LRU); a
	// no-op for TTL. Get already performs this internally on its own
	// hit path, so handlers do not need to call this separately — it
	// is exposed for callers (e.g. a read-through cache warmer) that
	// observe a hit without going through Get.
	OnHitAccess(ctx context.Context, key string) error

	// Fetch coalesces concurrent misses for key into a single call to
	// fetch (spec §4.4), then — only for a 200 result — stores it via
	// Put before returning the shared result to every waiter.
	Fetch(ctx context.Context, key string, fetch func(ctx context.Context) (*FetchResult, error)) (*FetchResult, error)

	// Name returns the policy's configured name, used as the "policy"
	// metric label.
	Name() string
}

// SizeReporter is implemented by every Policy kind that maintains a
// total_size accounting key in MetaDB (spec §10 storage_size_bytes{policy}).
// Grounded on the teacher's Storage.Mem()/RealMem() pair ("refreshes
// every 100ms" / "calculates and return value"): TotalSizeBytes is the
// RealMem-style exact read, left to the caller to poll at whatever
// cadence it wants rather than this package imposing its own refresh
// timer.
type SizeReporter interface {
	TotalSizeBytes(ctx context.Context) (int64, error)
}

// PutFunc matches Policy.Put's signature, used to parameterize Coalescer
// without an import cycle back onto the concrete policy types.
type PutFunc func(ctx context.Context, key string, data []byte, contentType string) error

// Coalescer embeds a per-policy singleflight.Group and implements the
// fetch-then-conditionally-store sequence common to every Policy kind.
// The upstream fetch is bounded by timeout and, per spec §5, by the
// combined liveness of every caller currently waiting on it: singleflight.Group
// cancels the ctx it threads into the callback once the last interested
// caller (the leader included) has had its own ctx cancelled, so a solo
// leader disconnecting does end the fetch early rather than only ever
// timing out.
type Coalescer struct {
	sf singleflight.Group[string, *FetchResult]
}

// Do runs (or joins) the coalesced fetch for key.
func (c *Coalescer) Do(ctx context.Context, key string, timeout time.Duration, fetch func(ctx context.Context) (*FetchResult, error), put PutFunc) (*FetchResult, error) {
	return c.sf.Do(ctx, key, func(sfCtx context.Context) (*FetchResult, error) {
		fctx, cancel := context.WithTimeout(sfCtx, timeout)
		defer cancel()

		res, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode == 200 {
			// MetaUnavailable/StorageError degrade to passthrough per
			// spec §7: bytes are still returned to every waiter even
			// if the entry could not be persisted.
			_ = put(context.Background(), key, res.Data, res.ContentType)
		}
		return res, nil
	})
}
