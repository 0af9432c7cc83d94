// Package graph materializes the declarative config into a runtime
// object graph (storages, metadata stores, policies, router) and
// supports the atomic hot-reload snapshot swap of spec §5. Grounded on
// the teacher's setupper.go/runner.go construction sequence (backend ->
// storage -> policy -> background workers) and cache.go's overall
// wiring order.
package graph

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirror-cache/mirror-cache/pkg/config"
	"github.com/mirror-cache/mirror-cache/pkg/metadb"
	"github.com/mirror-cache/mirror-cache/pkg/metadb/embedded"
	"github.com/mirror-cache/mirror-cache/pkg/metadb/remote"
	"github.com/mirror-cache/mirror-cache/pkg/policy"
	"github.com/mirror-cache/mirror-cache/pkg/policy/lru"
	"github.com/mirror-cache/mirror-cache/pkg/policy/ttl"
	"github.com/mirror-cache/mirror-cache/pkg/router"
	"github.com/mirror-cache/mirror-cache/pkg/store"
	"github.com/mirror-cache/mirror-cache/pkg/store/fsstore"
	"github.com/mirror-cache/mirror-cache/pkg/store/memstore"
)

// Graph is one immutable, fully-wired instantiation of the config.
// Config reload rebuilds a new Graph and atomically swaps the pointer
// the handler reads (see pkg/graph.Snapshot); in-flight requests
// continue against the Graph they captured.
type Graph struct {
	Router   *router.Router
	Policies map[string]policy.Policy

	sweepers []*ttl.Policy
	closers  []io.Closer
	memDumps map[*memstore.Memory]string
}

// Build constructs a Graph from cfg. Embedded and remote MetaDB
// connections are each opened at most once and shared across every
// policy that references them.
func Build(cfg *config.Config) (*Graph, error) {
	storages, memDumps, err := buildStorages(cfg.Storages)
	if err != nil {
		return nil, err
	}

	var embeddedDB metadb.MetaDB
	var remoteDB metadb.MetaDB
	var closers []io.Closer

	policies := make(map[string]policy.Policy, len(cfg.Policies))
	var sweepers []*ttl.Policy

	for _, p := range cfg.Policies {
		storage, ok := storages[p.Storage]
		if !ok {
			return nil, fmt.Errorf("graph: policy %q: unknown storage %q", p.Name, p.Storage)
		}

		var db metadb.MetaDB
		switch p.MetadataDB {
		case "redis":
			if remoteDB == nil {
				remoteDB, err = remote.Open(cfg.Redis.URL)
				if err != nil {
					return nil, fmt.Errorf("graph: open remote metadb: %w", err)
				}
				closers = append(closers, remoteDB)
			}
			db = remoteDB
		default:
			if embeddedDB == nil {
				embeddedDB, err = embedded.Open(cfg.Sled.MetadataPath)
				if err != nil {
					return nil, fmt.Errorf("graph: open embedded metadb: %w", err)
				}
				closers = append(closers, embeddedDB)
			}
			db = embeddedDB
		}

		timeout := time.Duration(p.TimeoutSeconds) * time.Second

		switch p.Type {
		case config.PolicyLRU:
			policies[p.Name] = lru.New(p.Name, db, storage, p.SizeBytes, timeout)
		case config.PolicyTTL:
			tp := ttl.New(p.Name, db, storage, p.TimeoutSeconds, p.CleanIntervalSeconds, timeout)
			policies[p.Name] = tp
			sweepers = append(sweepers, tp)
		default:
			return nil, fmt.Errorf("graph: policy %q: unsupported type %q", p.Name, p.Type)
		}
	}

	reconcileFilesystems(storages, embeddedDB, remoteDB)

	rtr, err := router.New(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}

	return &Graph{
		Router:   rtr,
		Policies: policies,
		sweepers: sweepers,
		closers:  closers,
		memDumps: memDumps,
	}, nil
}

// buildStorages also returns a memDumps map of every MEM storage that
// names a dump_path, so Close can persist it for the next restart's
// warm start (Build already performed the corresponding Load).
func buildStorages(cfgs []config.Storage) (map[string]store.Storage, map[*memstore.Memory]string, error) {
	out := make(map[string]store.Storage, len(cfgs))
	memDumps := make(map[*memstore.Memory]string)
	for _, s := range cfgs {
		switch s.Type {
		case config.StorageFS:
			fs, err := fsstore.New(s.Root())
			if err != nil {
				return nil, nil, fmt.Errorf("graph: storage %q: %w", s.Name, err)
			}
			out[s.Name] = fs
		case config.StorageMEM:
			mem := memstore.New()
			if path := s.DumpPath(); path != "" {
				if err := mem.Load(context.Background(), path); err != nil {
					log.Warn().Err(err).Str("storage", s.Name).Msg("[graph] warm-start dump load failed")
				}
				memDumps[mem] = path
			}
			out[s.Name] = mem
		default:
			return nil, nil, fmt.Errorf("graph: storage %q: unsupported type %q", s.Name, s.Type)
		}
	}
	return out, memDumps, nil
}

// reconcileFilesystems runs the §9 startup-repair pass for every FS
// storage: files on disk with no corresponding MetaDB record are
// deleted. Best-effort — a reconciliation failure is logged, not fatal,
// since the opposite-direction orphan (metadata without blob) is
// already repaired lazily on read.
func reconcileFilesystems(storages map[string]store.Storage, dbs ...metadb.MetaDB) {
	ctx := context.Background()
	for name, s := range storages {
		fs, ok := s.(*fsstore.FS)
		if !ok {
			continue
		}
		deleted, err := fs.Reconcile(func(key string) bool {
			for _, db := range dbs {
				if db == nil {
					continue
				}
				if _, found, _ := db.GetMeta(ctx, key); found {
					return true
				}
			}
			return false
		})
		if err != nil {
			log.Warn().Err(err).Str("storage", name).Msg("[graph] startup reconciliation failed")
			continue
		}
		if len(deleted) > 0 {
			log.Info().Str("storage", name).Int("orphans", len(deleted)).Msg("[graph] startup reconciliation removed orphan blobs")
		}
	}
}

// Run starts every TTL policy's background sweeper.
func (g *Graph) Run(ctx context.Context) {
	for _, tp := range g.sweepers {
		tp.Run(ctx)
	}
}

// Close stops every TTL sweeper, persists every dump-path-configured MEM
// storage for the next warm start, and closes every MetaDB connection
// this Graph opened.
func (g *Graph) Close() {
	for _, tp := range g.sweepers {
		tp.Stop()
	}
	for mem, path := range g.memDumps {
		if err := mem.Dump(context.Background(), path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("[graph] shutdown dump failed")
		}
	}
	for _, c := range g.closers {
		_ = c.Close()
	}
}
