// Package prefilter implements C6: a per-slot topic classifier pass over
// every fresh Select, writing one Prefilter row per (fingerprint, slot) the
// classifier (or, for slot 1, the deterministic company filter) approves.
// Grounded on original_source/workers/jobs/prefilter.py's "BATCH PROCESSING"
// architecture (5 slot-scoped classifier calls, slot 1's company filter run
// alongside and merged with its classifier matches) and
// workers/utils/claude_prefilter.py's per-slot criteria and chunked-call
// shape, already generalized in internal/adapters/llm.ClassifierClient.
package prefilter

import (
	"context"
	"strconv"
	"strings"

	"github.com/pivot5/newsletterd/internal/adapters/llm"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// slots is the fixed set every fresh Select is evaluated against. Freshness
// filtering is Step 2 (internal/selector)'s job; this stage filters by topic
// only, per pipeline.py's 1/9/26 fix.
var slots = []int{1, 2, 3, 4, 5}

// companyFilterSlot is the slot whose classifier matches are unioned with a
// deterministic Tier1Companies headline scan, mirroring
// _slot1_company_filter_batch running in parallel with the AI call.
const companyFilterSlot = 1

// SelectStore is the slice of Repository[models.SelectModel] the stage
// needs: the fresh rows to evaluate for slot eligibility.
type SelectStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.SelectModel, error)
}

// ArticleStore supplies the headline/id/published-at fields a Select itself
// doesn't carry; joined in by fingerprint, the key the two tables share.
type ArticleStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.ArticleModel, error)
}

// PrefilterStore is the slice of Repository[models.PrefilterRowModel] the
// stage needs to persist its output.
type PrefilterStore interface {
	InsertBatch(ctx context.Context, rows []models.PrefilterRowModel) error
}

// IssueStore is the slice of Repository[models.IssueModel] the stage needs
// to look up the prior Issue(s) for the yesterday-diversity exclusion.
type IssueStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error)
}

// recentIssueLookback bounds how many of the most recently dated Issues are
// read for the yesterday exclusion, covering both variants' latest issue
// even if they were created slightly apart.
const recentIssueLookback = 4

// Stage implements coordinator.Stage for C6.
type Stage struct {
	Selects    SelectStore
	Articles   ArticleStore
	Prefilter  PrefilterStore
	Issues     IssueStore
	Classifier *llm.ClassifierClient

	// SlotPrompts holds one classifier system prompt per slot (1-5).
	SlotPrompts map[int]string

	// Tier1Companies is the deterministic headline vocabulary backing the
	// slot 1 company filter.
	Tier1Companies []string

	// LookbackHours bounds how far back a Select's ai_processed_at may be to
	// still be considered fresh for this run.
	LookbackHours float64

	// YesterdayHeadlines and YesterdayFingerprints excuse stories already
	// covered in the prior issue, matching the 1/9/26 pipeline's diversity
	// rule ("excludes fingerprints and headlines that appear in the most
	// recent Issue"). When Issues is set, Run derives both sets itself from
	// the most recently dated Issues' SlotRefs each time it runs; these
	// fields are additive on top of that (and are what tests set directly,
	// since fakes rarely bother implementing IssueStore).
	YesterdayHeadlines    []string
	YesterdayFingerprints []string
}

func (s *Stage) Name() string { return "prefilter" }

// Run executes spec.md §4.6: classify every fresh Select against all five
// slot criteria, union slot 1's classifier output with the deterministic
// company filter, and persist one Prefilter row per (fingerprint, slot) a
// story was approved for.
func (s *Stage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{
		"selects_evaluated": 0,
		"rows_written":      0,
	}}
	for _, slot := range slots {
		result.Counts[slotCountKey(slot)] = 0
	}

	fresh, err := s.Selects.Find(ctx, store.IsAfterNow("ai_processed_at", -s.LookbackHours), store.FindOptions{})
	if err != nil {
		return result, err
	}
	result.Counts["selects_evaluated"] = len(fresh)
	if len(fresh) == 0 {
		return result, nil
	}

	articlesByFingerprint, err := s.articleLookup(ctx)
	if err != nil {
		return result, err
	}

	yesterdayHeadlines, yesterdayFingerprints, err := s.yesterdayExclusions(ctx)
	if err != nil {
		return result, err
	}

	candidates := make([]llm.Candidate, 0, len(fresh))
	bySelectFingerprint := make(map[string]models.SelectModel, len(fresh))
	for _, sel := range fresh {
		article, ok := articlesByFingerprint[sel.Fingerprint]
		if !ok {
			continue
		}
		if yesterdayFingerprints[sel.Fingerprint] || yesterdayHeadlines[strings.ToLower(article.Title)] {
			continue
		}
		bySelectFingerprint[sel.Fingerprint] = sel
		candidates = append(candidates, llm.Candidate{StoryID: sel.Fingerprint, Headline: article.Title})
	}

	seen := make(map[string]bool) // (fingerprint, slot) written this run
	var rows []models.PrefilterRowModel

	for _, slot := range slots {
		prompt := s.SlotPrompts[slot]
		matches, err := s.Classifier.Classify(ctx, prompt, candidates)
		if err != nil {
			result.Errors = append(result.Errors, err)
			logger.WarnContext(ctx, "prefilter: slot classifier failed", "slot", slot, "error", err)
			matches = nil
		}

		fingerprints := make([]string, 0, len(matches))
		for _, m := range matches {
			fingerprints = append(fingerprints, m.StoryID)
		}

		if slot == companyFilterSlot {
			fingerprints = unionStrings(fingerprints, s.companyFilterMatches(candidates))
		}

		for _, fp := range fingerprints {
			sel, ok := bySelectFingerprint[fp]
			if !ok {
				continue
			}
			article := articlesByFingerprint[fp]

			key := fp + ":" + slotKey(slot)
			if seen[key] {
				continue
			}
			seen[key] = true

			rows = append(rows, models.PrefilterRowModel{
				RunID:        input.RunID,
				Fingerprint:  fp,
				ArticleID:    article.ID,
				Headline:     article.Title,
				CanonicalURL: sel.CanonicalURL,
				SourceName:   sel.SourceName,
				Slot:         slot,
				PublishedAt:  article.PublishedAt,
			})
			result.Counts[slotCountKey(slot)]++
		}
	}

	if len(rows) > 0 {
		if err := s.Prefilter.InsertBatch(ctx, rows); err != nil {
			return result, err
		}
	}
	result.Counts["rows_written"] = len(rows)

	return result, nil
}

// yesterdayExclusions builds the headline and fingerprint sets a candidate
// must not match, implementing spec.md §4.6 point 1 ("excludes fingerprints
// and headlines that appear in the most recent Issue"). The statically
// configured YesterdayHeadlines/YesterdayFingerprints are always included;
// when Issues is wired, the most recently dated Issues' SlotRefs are read
// and merged in on every run, so the exclusion set tracks forward as new
// issues are created rather than being frozen at process start.
func (s *Stage) yesterdayExclusions(ctx context.Context) (map[string]bool, map[string]bool, error) {
	headlines := make(map[string]bool, len(s.YesterdayHeadlines))
	for _, h := range s.YesterdayHeadlines {
		headlines[strings.ToLower(h)] = true
	}
	fingerprints := make(map[string]bool, len(s.YesterdayFingerprints))
	for _, fp := range s.YesterdayFingerprints {
		fingerprints[fp] = true
	}

	if s.Issues == nil {
		return headlines, fingerprints, nil
	}

	recent, err := s.Issues.Find(ctx, store.True(), store.FindOptions{OrderBy: "issue_date", Desc: true, Limit: recentIssueLookback})
	if err != nil {
		return nil, nil, err
	}
	for _, issue := range recent {
		for key, value := range issue.SlotRefs {
			str, ok := value.(string)
			if !ok || str == "" {
				continue
			}
			switch {
			case strings.HasSuffix(key, "_headline"):
				headlines[strings.ToLower(str)] = true
			case strings.HasSuffix(key, "_fingerprint"):
				fingerprints[str] = true
			}
		}
	}
	return headlines, fingerprints, nil
}

// articleLookup scans every Article to index it by fingerprint, the key it
// shares with Select. Mirrors internal/ingest's full-table dedup scan.
func (s *Stage) articleLookup(ctx context.Context) (map[string]models.ArticleModel, error) {
	all, err := s.Articles.Find(ctx, store.True(), store.FindOptions{})
	if err != nil {
		return nil, err
	}
	byFingerprint := make(map[string]models.ArticleModel, len(all))
	for _, a := range all {
		byFingerprint[a.Fingerprint] = a
	}
	return byFingerprint, nil
}

// companyFilterMatches scans every candidate headline for a Tier1Companies
// mention, case-insensitively, same logic as _slot1_company_filter_batch.
func (s *Stage) companyFilterMatches(candidates []llm.Candidate) []string {
	var matches []string
	for _, c := range candidates {
		headline := strings.ToLower(c.Headline)
		for _, company := range s.Tier1Companies {
			if strings.Contains(headline, strings.ToLower(company)) {
				matches = append(matches, c.StoryID)
				break
			}
		}
	}
	return matches
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func slotKey(slot int) string {
	return strconv.Itoa(slot)
}

func slotCountKey(slot int) string {
	return "slot_" + slotKey(slot) + "_matches"
}
