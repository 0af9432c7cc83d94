// Package upstream performs the outbound fetch to an upstream URL on a
// single-flight miss (spec §4.6 step 3a/3b/3c). Grounded directly on
// the teacher's pkg/repository/backend.go Backend.requestExternalBackend.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Result is the outcome of a fetch: status code, body bytes, and the
// upstream's declared content type.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Fetcher issues GET requests to upstream URLs, optionally throttled by
// a shared rate limiter.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// New returns a Fetcher using http.DefaultClient's transport settings,
// with no rate limit.
func New() *Fetcher {
	return &Fetcher{client: http.DefaultClient}
}

// NewWithRateLimit returns a Fetcher that caps outbound upstream
// fetches to perSecond requests per second, shared across every
// single-flight leader. Grounded on the teacher's cache.go
// upstreamRateSema channel-semaphore ("rate limiting reqs to backend
// per second", config.go Upstream.Rate), reimplemented with
// golang.org/x/time/rate instead of a hand-rolled buffered channel. A
// perSecond of 0 disables limiting.
func NewWithRateLimit(perSecond int) *Fetcher {
	f := &Fetcher{client: http.DefaultClient}
	if perSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return f
}

// Fetch issues a GET to url, forwarding no client headers (range
// support is explicitly out of scope for the core per §4.6). ctx
// governs the request's deadline; callers pass a context bound to the
// configured per-policy fetch timeout, not to any individual client's
// request lifetime (see pkg/policy.Coalescer).
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read body from %s: %w", url, err)
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
