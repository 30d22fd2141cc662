// Package extractor implements the C2 extractor adapter (spec §6): a
// local readability-based extraction path, tried first, and a remote
// headless-browser scrape session used only as a paywall rescue when the
// local result (or the existing raw_body) is shorter than 500 characters.
// Grounded on the teacher's html_clean.go builtin (goquery preprocessing
// + go-shiori/go-readability), generalized from a workflow node into a
// standalone two-tier client.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

// MinContentLength is the threshold below which content counts as too
// short to use, triggering the remote fallback (spec §6: "minimum content
// length 500 characters counts as success").
const MinContentLength = 500

// ScrapeResult is the remote headless-browser extractor's result shape
// (spec §6: "scrape(url) -> {success, content, content_length,
// session_replay, error}").
type ScrapeResult struct {
	Success       bool
	Content       string
	ContentLength int
	SessionReplay string
	Err           string
}

// Client is the extractor contract: a local path over already-fetched
// HTML, and a remote scrape session for paywalled sources.
type Client interface {
	ExtractLocal(html string) (string, error)
	Scrape(ctx context.Context, url string) (ScrapeResult, error)
}

// HTTPClient combines local goquery/readability extraction with a remote
// headless-browser scrape endpoint.
type HTTPClient struct {
	ScrapeBaseURL string
	APIKey        string
	httpClient    *http.Client
	retry         *retry.Policy
}

// New builds an HTTPClient. scrapeBaseURL and apiKey configure the remote
// headless-browser session endpoint used only by Scrape.
func New(scrapeBaseURL, apiKey string, policy *retry.Policy) *HTTPClient {
	return &HTTPClient{
		ScrapeBaseURL: scrapeBaseURL,
		APIKey:        apiKey,
		httpClient:    &http.Client{Timeout: 20 * time.Second},
		retry:         policy,
	}
}

// ExtractLocal runs goquery preprocessing (stripping script, style, nav,
// footer, noscript and iframe elements) followed by readability's
// main-content heuristic over
// already-fetched HTML. It never calls out to the network.
func (c *HTTPClient) ExtractLocal(html string) (string, error) {
	preprocessed, err := preprocess(html)
	if err != nil {
		return "", errkind.InvalidInputf("extractor", "preprocessing html: %v", err)
	}

	dummyURL, _ := url.Parse("http://localhost")
	article, err := readability.FromReader(strings.NewReader(preprocessed), dummyURL)
	if err != nil {
		return fallbackTextExtraction(preprocessed), nil
	}
	return strings.TrimSpace(article.TextContent), nil
}

// preprocess strips script/style/nav/footer/noscript/iframe nodes before handing
// the document to readability, matching the teacher's two-phase clean.
func preprocess(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	doc.Find("script, style, nav, footer, noscript, iframe").Remove()
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("re-serializing html: %w", err)
	}
	return out, nil
}

// fallbackTextExtraction strips tags with a crude goquery pass when
// readability itself fails to identify a main content block.
func fallbackTextExtraction(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}

type scrapeRequest struct {
	URL string `json:"url"`
}

// Scrape invokes the remote headless-browser extraction session. Callers
// must only use this for configured paywalled sources and only when the
// existing content is shorter than MinContentLength (spec §6).
func (c *HTTPClient) Scrape(ctx context.Context, targetURL string) (ScrapeResult, error) {
	var out ScrapeResult
	err := c.retry.Execute(ctx, func() error {
		body, err := json.Marshal(scrapeRequest{URL: targetURL})
		if err != nil {
			return errkind.InvalidInputf("extractor", "encoding request: %v", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ScrapeBaseURL+"/scrape", bytes.NewReader(body))
		if err != nil {
			return errkind.InvalidInputf("extractor", "building request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errkind.Transientf("extractor", "calling scrape session: %v", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.RateLimitedf("extractor", "rate limited")
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errkind.Authf("extractor", "auth failure")
		case resp.StatusCode >= 500:
			return errkind.Transientf("extractor", "upstream error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return errkind.InvalidInputf("extractor", "scrape rejected %d", resp.StatusCode)
		}

		var parsed ScrapeResult
		if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
			return errkind.New(errkind.Upstream, "extractor", fmt.Errorf("decoding scrape response: %w", decodeErr))
		}
		out = parsed
		return nil
	})
	return out, err
}
