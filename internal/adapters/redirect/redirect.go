// Package redirect implements the C2 redirect-resolver adapter (spec §6):
// following an aggregator's redirect to the real publisher URL. Pacing and
// batching constants are spec-mandated, not the generic retry policy's:
// 300ms between calls, and on a 429 an exponential sequence of its own
// (30s, 60s, 120s).
package redirect

import (
	"context"
	"net/http"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
)

// rateLimitBackoff is the fixed escalation spec §6 names explicitly.
var rateLimitBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// pacingInterval is the minimum gap between individual resolve calls.
const pacingInterval = 300 * time.Millisecond

// batchSize and batchGap bound concurrency per spec §5: "up to 10
// concurrent workers with a 1-second gap between batches of 10".
const (
	batchSize = 10
	batchGap  = 1 * time.Second
)

// Result is one resolved URL, matching spec §6's `{decoded_url, status}`.
type Result struct {
	URL        string
	DecodedURL string
	Status     string // "resolved", "unchanged", "error"
	Err        error
}

// Resolver follows a redirect chain to its final destination.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (Result, error)
	ResolveBatch(ctx context.Context, urls []string) []Result
}

// HTTPResolver resolves via a real HTTP HEAD/GET that does not
// auto-follow redirects, reading the Location header chain manually so
// it can classify a 429 and back off per the spec's schedule.
type HTTPResolver struct {
	client *http.Client
}

// New builds an HTTPResolver with redirects disabled on the underlying
// client (CheckRedirect returns ErrUseLastResponse) so Resolve can walk
// the chain itself.
func New() *HTTPResolver {
	return &HTTPResolver{
		client: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Resolve follows at most 10 redirect hops, retrying a 429 response per
// the fixed backoff schedule before giving up with a RateLimited error.
func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string) (Result, error) {
	current := rawURL
	rateLimited := 0
	for hop := 0; hop < 10; hop++ {
		status, location, err := r.oneHop(ctx, current)
		if err != nil {
			return Result{URL: rawURL, Status: "error", Err: err}, err
		}
		if status == http.StatusTooManyRequests {
			if rateLimited >= len(rateLimitBackoff) {
				rlErr := errkind.RateLimitedf("redirect", "resolving %s: still rate limited after %d backoffs", rawURL, rateLimited)
				return Result{URL: rawURL, Status: "error", Err: rlErr}, rlErr
			}
			if rerr := r.waitForBackoff(ctx, rateLimited); rerr != nil {
				return Result{URL: rawURL, Status: "error", Err: rerr}, rerr
			}
			rateLimited++
			continue
		}
		if status >= 300 && status < 400 && location != "" {
			current = location
			continue
		}
		if current == rawURL {
			return Result{URL: rawURL, DecodedURL: current, Status: "unchanged"}, nil
		}
		return Result{URL: rawURL, DecodedURL: current, Status: "resolved"}, nil
	}
	return Result{URL: rawURL, DecodedURL: current, Status: "resolved"}, nil
}

func (r *HTTPResolver) oneHop(ctx context.Context, rawURL string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, "", errkind.InvalidInputf("redirect", "building request: %v", err)
	}
	req.Header.Set("User-Agent", "newsletterd-redirect/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", errkind.Transientf("redirect", "resolving %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, resp.Header.Get("Location"), nil
}

// waitForBackoff blocks for the attempt-th entry of rateLimitBackoff
// (clamped to the last entry), or returns early on context cancellation.
func (r *HTTPResolver) waitForBackoff(ctx context.Context, attempt int) error {
	idx := attempt
	if idx >= len(rateLimitBackoff) {
		idx = len(rateLimitBackoff) - 1
	}
	select {
	case <-time.After(rateLimitBackoff[idx]):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveBatch resolves urls with up to batchSize concurrent workers,
// pausing batchGap between batches and pacingInterval between the
// individual calls within a batch (spec §5, §6).
func (r *HTTPResolver) ResolveBatch(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	for start := 0; start < len(urls); start += batchSize {
		end := start + batchSize
		if end > len(urls) {
			end = len(urls)
		}
		batch := urls[start:end]

		resultsCh := make(chan struct {
			idx int
			res Result
		}, len(batch))

		for i, u := range batch {
			go func(idx int, u string) {
				time.Sleep(pacingInterval * time.Duration(idx))
				res, _ := r.Resolve(ctx, u)
				resultsCh <- struct {
					idx int
					res Result
				}{idx: idx, res: res}
			}(i, u)
		}

		for range batch {
			entry := <-resultsCh
			results[start+entry.idx] = entry.res
		}

		if end < len(urls) {
			select {
			case <-time.After(batchGap):
			case <-ctx.Done():
				return results
			}
		}
	}

	return results
}
