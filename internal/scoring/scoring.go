// Package scoring implements C5: scoring newly-ingested Articles with the
// reasoning LLM and projecting the ones that clear the interest threshold
// into Select rows. Grounded on original_source/workers/jobs/pipeline.py's
// "Step 0.5: AI Scoring" stage and spec.md §4.5; the prompt shape follows
// the teacher pack's app/workers/utils/claude.py decoration/selection
// prompts (JSON-only system prompt, fenced fallback parsing already lives
// in internal/adapters/llm.ReasoningClient.CompleteJSON).
package scoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/adapters/extractor"
	"github.com/pivot5/newsletterd/internal/adapters/llm"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/fingerprint"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// scoringSystemPrompt asks the reasoning LLM for exactly the fields
// spec.md §4.5 names: interest_score, topic, sentiment.
const scoringSystemPrompt = `You are scoring articles for Pivot 5, a daily AI industry newsletter with professional subscribers.

Score the article's interest to an AI-industry reader on a 1-10 scale.

Return JSON only:
- interest_score: integer 1-10
- topic: a short topic label (e.g. "Jobs & Economy", "Big Tech", "Research")
- sentiment: one of "positive", "neutral", "negative"`

// scoringResult is the reasoning LLM's structured scoring output.
type scoringResult struct {
	InterestScore float64 `json:"interest_score"`
	Topic         string  `json:"topic"`
	Sentiment     string  `json:"sentiment"`
}

// ArticleStore is the slice of Repository[models.ArticleModel] the stage
// needs: scan for rows still needing scoring, and clear the flag once
// scored. *store.Repository[models.ArticleModel] satisfies this directly.
type ArticleStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.ArticleModel, error)
	Update(ctx context.Context, id string, patch map[string]interface{}) error
}

// SelectStore is the slice of Repository[models.SelectModel] the stage
// needs to project a passing score into a new row.
type SelectStore interface {
	Insert(ctx context.Context, row *models.SelectModel) error
}

// PageFetcher retrieves an article's raw HTML by canonical URL. Kept as a
// narrow interface (rather than the concrete extractor.HTTPClient's own
// transport) so tests substitute canned HTML without a live network call.
type PageFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// HTTPPageFetcher is the production PageFetcher: a plain GET, same
// transport style as the other adapters (spec §6, no special headers).
type HTTPPageFetcher struct {
	Client *http.Client
}

// NewHTTPPageFetcher builds an HTTPPageFetcher with a bounded timeout.
func NewHTTPPageFetcher() *HTTPPageFetcher {
	return &HTTPPageFetcher{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (f *HTTPPageFetcher) FetchHTML(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errkind.InvalidInputf("scoring", "building request: %v", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", errkind.Transientf("scoring", "fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errkind.Transientf("scoring", "upstream error %d fetching %s", resp.StatusCode, url)
	}
	if resp.StatusCode >= 400 {
		return "", errkind.InvalidInputf("scoring", "rejected %d fetching %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errkind.Transientf("scoring", "reading body from %s: %v", url, err)
	}
	return string(body), nil
}

// Stage implements coordinator.Stage for C5.
type Stage struct {
	Articles ArticleStore
	Selects  SelectStore
	Reasoner *llm.ReasoningClient
	Fetcher  PageFetcher
	Extract  extractor.Client

	// Threshold is the minimum interest_score (1-10) a scored article needs
	// to project a Select row.
	Threshold float64

	// PaywallSources are registrable domains the extractor follow-up pass
	// always retries once against, when raw_body comes back too short.
	PaywallSources []string

	// RawTextBudget truncates the text handed to the reasoning LLM.
	RawTextBudget int
}

func (s *Stage) Name() string { return "scoring" }

// Run executes spec.md §4.5: fetch each needs_scoring Article's content,
// score it, project a Select for rows clearing the threshold, and always
// clear needs_scoring regardless of outcome.
func (s *Stage) Run(ctx context.Context, _ coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{
		"articles_scored":            0,
		"high_interest_count":        0,
		"newsletter_selects_created": 0,
		"extractor_retries":          0,
		"fetch_failed":               0,
	}}

	pending, err := s.Articles.Find(ctx, store.Eq("needs_scoring", true), store.FindOptions{})
	if err != nil {
		return result, err
	}

	for _, article := range pending {
		if err := s.scoreOne(ctx, article, result.Counts); err != nil {
			result.Errors = append(result.Errors, err)
			logger.WarnContext(ctx, "scoring: article failed", "fingerprint", article.Fingerprint, "error", err)
		}
	}

	return result, nil
}

func (s *Stage) scoreOne(ctx context.Context, article models.ArticleModel, counts map[string]int) error {
	rawBody, extractorUsed, extractorSession, err := s.fetchContent(ctx, article, counts)
	if err != nil {
		counts["fetch_failed"]++
		// Content could not be retrieved at all; mark scored/rejected so
		// ingest's needs_scoring set keeps shrinking rather than retrying
		// an unreachable URL forever.
		return s.Articles.Update(ctx, article.ID, map[string]interface{}{
			"needs_scoring": false,
			"fit_status":    models.FitStatusRejected,
		})
	}

	truncated := truncate(rawBody, s.RawTextBudget)

	var scored scoringResult
	userMessage := fmt.Sprintf("HEADLINE: %s\nSOURCE: %s\n\nARTICLE:\n%s", article.Title, article.SourceName, truncated)
	if err := s.Reasoner.CompleteJSON(ctx, scoringSystemPrompt, userMessage, &scored); err != nil {
		return fmt.Errorf("scoring article %s: %w", article.Fingerprint, err)
	}
	counts["articles_scored"]++

	fitStatus := models.FitStatusRejected
	if scored.InterestScore >= s.Threshold {
		fitStatus = models.FitStatusScored
		counts["high_interest_count"]++

		sel := &models.SelectModel{
			Fingerprint:      article.Fingerprint,
			SourceName:       article.SourceName,
			CanonicalURL:     article.CanonicalURL,
			RawBody:          rawBody,
			InterestScore:    scored.InterestScore,
			Topic:            scored.Topic,
			Sentiment:        scored.Sentiment,
			AIProcessedAt:    time.Now(),
			ExtractorSession: extractorSession,
			ExtractorUsed:    extractorUsed,
		}
		if err := s.Selects.Insert(ctx, sel); err != nil {
			return fmt.Errorf("inserting select for %s: %w", article.Fingerprint, err)
		}
		counts["newsletter_selects_created"]++
	}

	return s.Articles.Update(ctx, article.ID, map[string]interface{}{
		"needs_scoring": false,
		"fit_status":    fitStatus,
	})
}

// fetchContent retrieves and extracts an Article's body text, retrying
// once through the headless-browser extractor when the source is a known
// paywall and the locally-extracted content is too short (spec §4.5, §6).
func (s *Stage) fetchContent(ctx context.Context, article models.ArticleModel, counts map[string]int) (body string, extractorUsed bool, session string, err error) {
	html, err := s.Fetcher.FetchHTML(ctx, article.CanonicalURL)
	if err != nil {
		return "", false, "", err
	}

	text, err := s.Extract.ExtractLocal(html)
	if err != nil {
		return "", false, "", err
	}

	if len(text) >= extractor.MinContentLength {
		return text, false, "", nil
	}

	if !fingerprint.IsBlockedDomain(article.CanonicalURL, s.PaywallSources) {
		return text, false, "", nil
	}

	counts["extractor_retries"]++
	scraped, err := s.Extract.Scrape(ctx, article.CanonicalURL)
	if err != nil || !scraped.Success || scraped.ContentLength < extractor.MinContentLength {
		return text, false, "", nil
	}
	return scraped.Content, true, scraped.SessionReplay, nil
}

func truncate(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	return s[:budget]
}
