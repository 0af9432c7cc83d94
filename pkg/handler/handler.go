// Package handler implements the request-handling orchestration of
// spec §4.6: route -> policy.Get -> (hit: serve | miss: policy.Fetch
// coalescing an upstream fetch, a conditional rewrite, and a store)
// -> serve. Adapted from the teacher's modules/advancedcache/cache.go
// Cache.ServeHTTP orchestration (route resolution, a hit path that
// replays stored headers/body, a miss path that captures the
// downstream response before deciding whether to persist it) but
// expressed as a direct github.com/valyala/fasthttp.RequestHandler
// rather than a net/http caddyhttp.Handler link, since this binary owns
// its own listener instead of running inside Caddy's HTTP pipeline.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/mirror-cache/mirror-cache/internal/metrics"
	"github.com/mirror-cache/mirror-cache/pkg/graph"
	"github.com/mirror-cache/mirror-cache/pkg/policy"
	"github.com/mirror-cache/mirror-cache/pkg/router"
	"github.com/mirror-cache/mirror-cache/pkg/upstream"
)

// Handler owns the fetcher and metrics used by every request; the
// routing/policy graph itself is read from a Snapshot so that config
// hot-reload (spec §5) never blocks an in-flight request.
type Handler struct {
	snapshot *graph.Snapshot
	fetcher  *upstream.Fetcher
	metrics  *metrics.Metrics
}

// New constructs a Handler bound to snapshot.
func New(snapshot *graph.Snapshot, fetcher *upstream.Fetcher, m *metrics.Metrics) *Handler {
	return &Handler{snapshot: snapshot, fetcher: fetcher, metrics: m}
}

// Serve is a fasthttp.RequestHandler implementing the core proxy path.
// *fasthttp.RequestCtx satisfies context.Context directly (Deadline,
// Done, Err, Value), so it is passed straight through to policy.Get and
// policy.Fetch — a client disconnect cancels that request's own
// single-flight wait without touching any other waiter on the same key.
func (h *Handler) Serve(ctx *fasthttp.RequestCtx) {
	g := h.snapshot.Load()
	reqID := uuid.NewString()

	path := string(ctx.Path())
	match, ok := g.Router.Route(path)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	pol, ok := g.Policies[match.Rule.Policy]
	if !ok {
		log.Error().Str("req_id", reqID).Str("policy", match.Rule.Policy).Msg("[handler] route references unknown policy")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	var reqCtx context.Context = ctx

	outcome, err := pol.Get(reqCtx, match.CacheKey)
	if err != nil {
		log.Warn().Err(err).Str("req_id", reqID).Str("key", match.CacheKey).Msg("[handler] policy.Get error, treating as miss")
	}
	if outcome.Hit {
		h.metrics.CacheHits.WithLabelValues(pol.Name()).Inc()
		h.serveBody(ctx, fasthttp.StatusOK, outcome.ContentType, outcome.Data)
		return
	}

	h.metrics.CacheMisses.WithLabelValues(pol.Name()).Inc()
	log.Debug().Str("req_id", reqID).Str("key", match.CacheKey).Str("policy", pol.Name()).Msg("[handler] miss, joining coalesced fetch")

	res, err := pol.Fetch(reqCtx, match.CacheKey, func(fctx context.Context) (*policy.FetchResult, error) {
		start := time.Now()
		r, ferr := h.fetchAndRewrite(fctx, match)
		h.metrics.FetchSeconds.WithLabelValues(pol.Name()).Observe(time.Since(start).Seconds())
		return r, ferr
	})

	if err != nil {
		// UpstreamTimeout (spec §7) surfaces as context.DeadlineExceeded
		// from either the per-policy fetch timeout or the coalescer's
		// own ctx (pkg/policy.Coalescer, pkg/upstream.Fetcher.Fetch),
		// distinct from a general UpstreamError.
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Str("req_id", reqID).Str("key", match.CacheKey).Msg("[handler] upstream fetch timed out")
			ctx.SetStatusCode(fasthttp.StatusGatewayTimeout)
			return
		}
		log.Error().Err(err).Str("req_id", reqID).Str("key", match.CacheKey).Msg("[handler] upstream fetch failed")
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		return
	}

	h.serveBody(ctx, res.StatusCode, res.ContentType, res.Data)
}

func (h *Handler) fetchAndRewrite(ctx context.Context, match *router.Match) (*policy.FetchResult, error) {
	res, err := h.fetcher.Fetch(ctx, match.UpstreamURL)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 200 {
		return &policy.FetchResult{StatusCode: res.StatusCode, Data: res.Body, ContentType: res.ContentType}, nil
	}

	body := res.Body
	if router.ShouldRewrite(match.Rule, res.ContentType) {
		body = router.ApplyRewrites(body, match.Rule.Rewrites)
	}
	return &policy.FetchResult{StatusCode: res.StatusCode, Data: body, ContentType: res.ContentType}, nil
}

func (h *Handler) serveBody(ctx *fasthttp.RequestCtx, status int, contentType string, body []byte) {
	if contentType != "" {
		ctx.Response.Header.Set("Content-Type", contentType)
	}
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}
