// Package remote implements metadb.MetaDB on top of redis/go-redis/v9,
// a multi-process-capable, persistent remote key/value and sorted-set
// store. Keys follow the scheme documented in SPEC_FULL.md §6:
// "meta:<key>" for metadata blobs, "<set>" verbatim for sorted sets,
// "<name>" verbatim for scalar counters (e.g. "total_size:<policy>").
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mirror-cache/mirror-cache/pkg/metadb"
)

// DB is a remote MetaDB backed by a Redis-compatible server.
type DB struct {
	client *redis.Client
}

// Open parses url (a redis:// connection string) and returns a ready DB.
func Open(url string) (*DB, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("remote metadb: parse url: %w", err)
	}
	return &DB{client: redis.NewClient(opts)}, nil
}

func metaKey(key string) string    { return "meta:" + key }
func counterKey(name string) string { return name }

// GetMeta implements metadb.MetaDB.
func (d *DB) GetMeta(ctx context.Context, key string) (metadb.Meta, bool, error) {
	val, err := d.client.Get(ctx, metaKey(key)).Bytes()
	if err == redis.Nil {
		return metadb.Meta{}, false, nil
	}
	if err != nil {
		return metadb.Meta{}, false, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	var meta metadb.Meta
	if err := json.Unmarshal(val, &meta); err != nil {
		return metadb.Meta{}, false, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return meta, true, nil
}

// PutMeta implements metadb.MetaDB.
func (d *DB) PutMeta(ctx context.Context, key string, meta metadb.Meta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	if err := d.client.Set(ctx, metaKey(key), encoded, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// DelMeta implements metadb.MetaDB. Idempotent (redis DEL of a missing
// key is a no-op success).
func (d *DB) DelMeta(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, metaKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZAdd implements metadb.MetaDB.
func (d *DB) ZAdd(ctx context.Context, set, member string, score float64) error {
	err := d.client.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZRem implements metadb.MetaDB. Idempotent.
func (d *DB) ZRem(ctx context.Context, set, member string) error {
	if err := d.client.ZRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZRangeByScore implements metadb.MetaDB, ascending.
func (d *DB) ZRangeByScore(ctx context.Context, set string, lo, hi float64, limit int) ([]metadb.ScoredMember, error) {
	opts := &redis.ZRangeBy{
		Min: scoreString(lo),
		Max: scoreString(hi),
	}
	if limit > 0 {
		opts.Count = int64(limit)
	}
	results, err := d.client.ZRangeByScoreWithScores(ctx, set, opts).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	out := make([]metadb.ScoredMember, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		out = append(out, metadb.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

// ZPopMin implements metadb.MetaDB.
func (d *DB) ZPopMin(ctx context.Context, set string, n int) ([]metadb.ScoredMember, error) {
	results, err := d.client.ZPopMin(ctx, set, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	out := make([]metadb.ScoredMember, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		out = append(out, metadb.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

// IncrBy implements metadb.MetaDB, using Redis's native atomic INCRBY.
func (d *DB) IncrBy(ctx context.Context, counter string, delta int64) (int64, error) {
	v, err := d.client.IncrBy(ctx, counterKey(counter), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return v, nil
}

// Close implements metadb.MetaDB.
func (d *DB) Close() error {
	return d.client.Close()
}

func scoreString(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

var _ metadb.MetaDB = (*DB)(nil)
