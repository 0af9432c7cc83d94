package lru_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/mirror-cache/mirror-cache/pkg/metadb/embedded"
	"github.com/mirror-cache/mirror-cache/pkg/policy/lru"
	"github.com/mirror-cache/mirror-cache/pkg/store/memstore"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

// BenchmarkLRUPolicy_Put measures the MetaDB+Storage LRU put path.
func BenchmarkLRUPolicy_Put(b *testing.B) {
	db, err := embedded.Open(filepath.Join(b.TempDir(), "meta.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	p := lru.New("bench", db, memstore.New(), 1<<30, 30*time.Second)
	ctx := context.Background()
	payload := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("/pkgs/%d", i)
		if err := p.Put(ctx, key, payload, "application/octet-stream"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRistrettoBaseline_Put is a comparison baseline, not a
// production dependency — ristretto has no MetaDB/Storage split and no
// deterministic eviction order, so it is never wired as a Policy
// implementation, only benchmarked here.
func BenchmarkRistrettoBaseline_Put(b *testing.B) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000_000,
		MaxCost:     1 << 30,
		BufferItems: 64,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	payload := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("/pkgs/%d", i)
		cache.Set(key, payload, int64(len(payload)))
	}
}
