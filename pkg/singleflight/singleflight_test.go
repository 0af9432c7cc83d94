package singleflight_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/singleflight"
)

func TestDo_CoalescesConcurrentCallers(t *testing.T) {
	var g singleflight.Group[string, string]
	var calls int64

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err := g.Do(context.Background(), "Qx", func(ctx context.Context) (string, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(50 * time.Millisecond)
				return "payload", nil
			})
			results[i] = v
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "payload", results[i])
	}
}

func TestDo_WaiterCancellationDoesNotAffectLeader(t *testing.T) {
	var g singleflight.Group[string, string]
	leaderDone := make(chan struct{})

	go func() {
		_, _ = g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			time.Sleep(100 * time.Millisecond)
			close(leaderDone)
			return "v", nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // let the leader install its slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "k", func(ctx context.Context) (string, error) {
		t.Fatal("cancelled waiter must not become a new leader while one is in flight")
		return "", nil
	})
	require.ErrorIs(t, err, context.Canceled)

	<-leaderDone // leader must still complete normally
}

// TestDo_SoleLeaderCancellationCancelsFetchCtx verifies the last-waiter
// cancellation rule: when the leader is the only interested caller and
// its own ctx is cancelled, the ctx threaded into fn is cancelled too.
func TestDo_SoleLeaderCancellationCancelsFetchCtx(t *testing.T) {
	var g singleflight.Group[string, string]

	ctx, cancel := context.WithCancel(context.Background())
	fnCtxCancelled := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Do(ctx, "k", func(fctx context.Context) (string, error) {
		<-fctx.Done()
		close(fnCtxCancelled)
		return "", fctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-fnCtxCancelled:
	case <-time.After(time.Second):
		t.Fatal("fn's ctx was never cancelled after the sole leader's own ctx was cancelled")
	}
}

// TestDo_FetchCtxSurvivesWhileOtherWaitersRemain verifies the
// complementary half of the rule: the fetch continues uncancelled as
// long as another waiter is still depending on it, even after the
// leader's own ctx is cancelled.
func TestDo_FetchCtxSurvivesWhileOtherWaitersRemain(t *testing.T) {
	var g singleflight.Group[string, string]

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	joined := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = g.Do(leaderCtx, "k", func(fctx context.Context) (string, error) {
			close(joined)
			<-release
			select {
			case <-fctx.Done():
				t.Error("fetch ctx was cancelled while a follower was still waiting")
			default:
			}
			return "payload", nil
		})
	}()
	<-joined

	followerDone := make(chan struct{})
	go func() {
		v, err := g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			t.Fatal("follower must not become a new leader")
			return "", nil
		})
		require.NoError(t, err)
		require.Equal(t, "payload", v)
		close(followerDone)
	}()
	time.Sleep(10 * time.Millisecond) // let the follower register itself

	cancelLeader() // sole-leader rule must not fire: a follower remains
	time.Sleep(10 * time.Millisecond)
	close(release)

	<-followerDone
}

func TestDo_FreshAttemptAfterFailure(t *testing.T) {
	var g singleflight.Group[string, string]
	attempt := 0

	v, err := g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		attempt++
		return "", assertErr
	})
	require.Equal(t, assertErr, err)
	require.Equal(t, "", v)

	v, err = g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		attempt++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, attempt)
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
