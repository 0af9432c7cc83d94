package graph

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/mirror-cache/mirror-cache/pkg/config"
)

// Snapshot holds the currently-live Graph behind an atomic pointer, so
// a config reload can swap in a freshly built Graph without any reader
// (the request handler) ever observing a torn or locked read — spec §5:
// "requests in flight continue to completion against the graph they
// already captured."
type Snapshot struct {
	ptr atomic.Pointer[Graph]
}

// NewSnapshot wraps an already-built Graph.
func NewSnapshot(g *Graph) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(g)
	return s
}

// Load returns the currently-live Graph.
func (s *Snapshot) Load() *Graph { return s.ptr.Load() }

// Swap installs next as the live Graph and returns the previous one, so
// the caller can Run background workers on the new graph and Close the
// old one once it is safe to do so (its in-flight requests, if any,
// hold their own reference via Load and are unaffected by Close of
// MetaDB connections the new graph does not share).
func (s *Snapshot) Swap(next *Graph) *Graph {
	return s.ptr.Swap(next)
}

// WatchAndReload starts an fsnotify watcher on cfgPath (spec §5's
// hot_reload: true) and rebuilds the Graph on every write event,
// swapping it into snapshot. Grounded on the teacher's fsnotify-style
// watch loop pattern used for config hot reload in the wider Caddy
// config-loading subsystem. A failed load or rebuild is not retried:
// the previous (still valid) snapshot stays live, the error is logged,
// and the next write event triggers a fresh attempt.
func WatchAndReload(ctx context.Context, cfgPath string, snapshot *Snapshot) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(cfgPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reload(ctx, cfgPath, snapshot)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("[graph] config watcher error")
			}
		}
	}()
	return nil
}

func reload(ctx context.Context, cfgPath string, snapshot *Snapshot) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfgPath).Msg("[graph] hot reload: config invalid, keeping previous graph")
		return
	}
	next, err := Build(cfg)
	if err != nil {
		log.Error().Err(err).Str("path", cfgPath).Msg("[graph] hot reload: rebuild failed, keeping previous graph")
		return
	}
	next.Run(ctx)
	prev := snapshot.Swap(next)
	log.Info().Str("path", cfgPath).Msg("[graph] hot reload: new graph swapped in")
	if prev != nil {
		prev.Close()
	}
}
