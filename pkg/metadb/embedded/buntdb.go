// Package embedded implements metadb.MetaDB on top of tidwall/buntdb,
// an embedded, ordered, single-process, persistent key/value store.
// Sorted-set members are stored as ordinary buntdb keys whose values
// carry a composite "<set>\x00<zero-padded-score>\x00<member>" string, and
// a single custom index orders all such values lexicographically —
// which, by construction, orders first by set name and then by score.
package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/mirror-cache/mirror-cache/pkg/metadb"
)

const zsetIndex = "zscore"

// scoreFormat bounds the zero-padded fixed-point encoding of a score so
// that byte-lexicographic order equals numeric order. 13 integer digits
// comfortably covers unix timestamps for millennia.
const scoreFormat = "%020.6f"

const minScore = 0
const maxScore = 9_999_999_999_999.999999

// DB is an embedded MetaDB backed by a buntdb database file.
type DB struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the buntdb database at path.
func Open(path string) (*DB, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("embedded metadb: open %s: %w", path, err)
	}
	if err := db.CreateIndex(zsetIndex, "zset:*", func(a, b string) bool {
		return a < b
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded metadb: create index: %w", err)
	}
	return &DB{db: db}, nil
}

func metaKey(key string) string    { return "meta:" + key }
func counterKey(name string) string { return "counter:" + name }
func memberKey(set, member string) string { return "zset:" + set + ":" + member }

func formatScore(score float64) string {
	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}
	return fmt.Sprintf(scoreFormat, score)
}

func composeValue(set string, score float64, member string) string {
	return set + "\x00" + formatScore(score) + "\x00" + member
}

func parseValue(value string) (set string, score float64, member string, err error) {
	parts := strings.SplitN(value, "\x00", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("embedded metadb: malformed zset value %q", value)
	}
	score, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("embedded metadb: malformed score in %q: %w", value, err)
	}
	return parts[0], score, parts[2], nil
}

// GetMeta implements metadb.MetaDB.
func (d *DB) GetMeta(_ context.Context, key string) (metadb.Meta, bool, error) {
	var meta metadb.Meta
	found := false
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(metaKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return metadb.Meta{}, false, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return meta, found, nil
}

// PutMeta implements metadb.MetaDB.
func (d *DB) PutMeta(_ context.Context, key string, meta metadb.Meta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	err = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(metaKey(key), string(encoded), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// DelMeta implements metadb.MetaDB. Idempotent.
func (d *DB) DelMeta(_ context.Context, key string) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(metaKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZAdd implements metadb.MetaDB.
func (d *DB) ZAdd(_ context.Context, set, member string, score float64) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(memberKey(set, member), composeValue(set, score, member), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZRem implements metadb.MetaDB. Idempotent.
func (d *DB) ZRem(_ context.Context, set, member string) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(memberKey(set, member))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return nil
}

// ZRangeByScore implements metadb.MetaDB, ascending, inclusive of lo/hi.
func (d *DB) ZRangeByScore(_ context.Context, set string, lo, hi float64, limit int) ([]metadb.ScoredMember, error) {
	var out []metadb.ScoredMember
	pivot := composeValue(set, lo, "")
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual(zsetIndex, pivot, func(_, value string) bool {
			s, score, member, perr := parseValue(value)
			if perr != nil || s != set {
				return false
			}
			if score > hi {
				return false
			}
			out = append(out, metadb.ScoredMember{Member: member, Score: score})
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return out, nil
}

// ZPopMin implements metadb.MetaDB: removes and returns the n
// lowest-scored members of set.
func (d *DB) ZPopMin(_ context.Context, set string, n int) ([]metadb.ScoredMember, error) {
	var victims []metadb.ScoredMember
	pivot := composeValue(set, minScore, "")
	err := d.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.AscendGreaterOrEqual(zsetIndex, pivot, func(key, value string) bool {
			s, score, member, perr := parseValue(value)
			if perr != nil || s != set {
				return false
			}
			victims = append(victims, metadb.ScoredMember{Member: member, Score: score})
			keys = append(keys, key)
			return len(victims) < n
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return victims, nil
}

// IncrBy implements metadb.MetaDB. buntdb serializes all Update
// transactions, so the read-modify-write below is atomic with respect
// to other IncrBy/Update calls.
func (d *DB) IncrBy(_ context.Context, counter string, delta int64) (int64, error) {
	var newVal int64
	err := d.db.Update(func(tx *buntdb.Tx) error {
		cur := int64(0)
		val, err := tx.Get(counterKey(counter))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil {
			cur, err = strconv.ParseInt(val, 10, 64)
			if err != nil {
				return err
			}
		}
		newVal = cur + delta
		_, _, err = tx.Set(counterKey(counter), strconv.FormatInt(newVal, 10), nil)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", metadb.ErrUnavailable, err)
	}
	return newVal, nil
}

// Close implements metadb.MetaDB.
func (d *DB) Close() error {
	return d.db.Close()
}

var _ metadb.MetaDB = (*DB)(nil)
