package ingest

import (
	"context"

	"github.com/pivot5/newsletterd/internal/adapters/redirect"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/fingerprint"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// RepairStageName names the maintenance sweep below (SPEC_FULL.md §3).
const RepairStageName = "repair-redirects"

// RepairStage re-resolves any previously-ingested Article whose
// canonical_url still points at the aggregator host — the redirect
// resolver failed at ingest time — and patches canonical_url/source_name
// once resolution succeeds. Grounded on
// original_source/workers/repair_google_news.py, generalized from its
// Airtable-formula query to an in-process fingerprint.IsAggregatorURL scan
// and from its deliberately slow 5s/60s pacing to the shared C2 redirect
// resolver's own fixed backoff.
type RepairStage struct {
	Articles       ArticleStore
	Redirects      redirect.Resolver
	SourceNames    map[string]string
	AggregatorHost string
}

func (r *RepairStage) Name() string { return RepairStageName }

func (r *RepairStage) Run(ctx context.Context, _ coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"candidates": 0, "repaired": 0, "failed": 0}}

	all, err := r.Articles.Find(ctx, store.True(), store.FindOptions{})
	if err != nil {
		return result, err
	}

	var broken []models.ArticleModel
	for _, a := range all {
		if fingerprint.IsAggregatorURL(a.CanonicalURL, r.AggregatorHost) {
			broken = append(broken, a)
		}
	}
	result.Counts["candidates"] = len(broken)
	if len(broken) == 0 {
		return result, nil
	}

	urls := make([]string, len(broken))
	for i, a := range broken {
		urls[i] = a.CanonicalURL
	}
	resolved := r.Redirects.ResolveBatch(ctx, urls)

	for i, res := range resolved {
		article := broken[i]
		if res.Err != nil || res.Status == "error" || res.DecodedURL == "" ||
			fingerprint.IsAggregatorURL(res.DecodedURL, r.AggregatorHost) {
			result.Counts["failed"]++
			continue
		}

		canonical, err := fingerprint.Canonicalize(res.DecodedURL)
		if err != nil {
			result.Counts["failed"]++
			continue
		}
		sourceName := fingerprint.SourceFromURL(canonical, r.SourceNames)

		patch := map[string]interface{}{
			"canonical_url": canonical,
			"fingerprint":   fingerprint.Fingerprint(canonical),
		}
		if sourceName != "" {
			patch["source_name"] = sourceName
		}
		if err := r.Articles.Update(ctx, article.ID, patch); err != nil {
			result.Errors = append(result.Errors, err)
			result.Counts["failed"]++
			continue
		}
		result.Counts["repaired"]++
	}

	return result, nil
}
