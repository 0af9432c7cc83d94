// Package singleflight coalesces concurrent calls for the same key into
// one execution, per spec §4.4. Adapted from the generic Group found in
// the retrieval pack's shardcache library: the slot is removed from the
// map only after the call completes, never before, so a late-arriving
// waiter can never miss the promise and launch a duplicate fetch.
//
// Unlike the shardcache original, fn is threaded a ctx of its own
// (shardcache's doc comment says as much: "If you need cancellation of
// the work, pass ctx into fn and handle it there" — this is that). That
// ctx is live for as long as at least one caller (the leader or any
// follower) is still waiting on the result; a caller's own cancellation
// only unblocks that caller, but once every interested caller has left,
// the shared ctx is cancelled too, per spec §5: "the in-flight fetch
// continues if other waiters remain, otherwise it is cancelled."
package singleflight

import (
	"context"
	"sync"
)

// Group coalesces concurrent Do calls sharing the same key.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done   chan struct{}
	val    V
	err    error
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters int
}

// leave decrements the call's waiter count and cancels its shared fetch
// ctx once the last interested caller has left.
func (c *call[V]) leave() {
	c.mu.Lock()
	c.waiters--
	n := c.waiters
	c.mu.Unlock()
	if n == 0 {
		c.cancel()
	}
}

// Do executes fn for key if no call for that key is in flight, and
// returns fn's result to every waiter once it completes. fn is given a
// ctx derived from context.Background(), not from any one caller's ctx,
// so no single caller's cancellation can unilaterally abort work other
// callers still depend on; that ctx is cancelled only when every caller
// still waiting on this key (the leader included) has had its own ctx
// cancelled. If a follower's ctx is cancelled before the call
// completes, Do returns ctx.Err() to that follower only. The leader
// runs fn itself, so it always returns fn's result, even after its own
// ctx is cancelled.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.mu.Lock()
		c.waiters++
		c.mu.Unlock()
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			c.leave()
			var zero V
			return zero, ctx.Err()
		}
	}

	fctx, cancel := context.WithCancel(context.Background())
	c := &call[V]{done: make(chan struct{}), cancel: cancel, waiters: 1}
	g.m[key] = c
	g.mu.Unlock()

	leaderDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.leave()
		case <-leaderDone:
		}
	}()

	v, err := fn(fctx)
	close(leaderDone)
	cancel()

	c.val, c.err = v, err
	close(c.done)

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	return v, err
}
