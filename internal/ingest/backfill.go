package ingest

import (
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/fingerprint"
)

// NewBackfillStage builds a Stage configured for the backfill supplement
// (SPEC_FULL.md §3, grounded on original_source/workers/backfill_72h.py):
// the same ingest algorithm with a much wider lookback window and no
// downstream scoring. hours is clamped to maxHours (spec.md §4.4's stated
// 120h ceiling, configurable via PipelineConfig.BackfillMaxHours).
func NewBackfillStage(base *Stage, hours float64, maxHours int) *Stage {
	if maxHours > 0 && hours > float64(maxHours) {
		hours = float64(maxHours)
	}
	backfill := *base
	backfill.SinceHours = hours
	backfill.Limit = defaultLimit
	return &backfill
}

func (s *Stage) nameAs(name string) coordinator.Stage {
	return coordinator.StageFunc{StageName: name, Fn: s.Run}
}

// BackfillStageName is the cmd/stagectl-facing name for the backfill
// variant (SPEC_FULL.md §3: "cmd/stagectl ingest --backfill-hours=N").
const BackfillStageName = "ingest-backfill"

// AsBackfillStage wraps s as a named coordinator.Stage distinct from the
// regular cron "ingest" stage, so ExecutionLog rows can tell them apart.
func (s *Stage) AsBackfillStage() coordinator.Stage {
	return s.nameAs(BackfillStageName)
}

// DirectFeedStageName is the DAG-facing name for spec.md §4.10's
// `direct_feed_ingest` node, distinct from the aggregator-scoped `ingest`
// node even though both run the same Stage.Run algorithm.
const DirectFeedStageName = "direct_feed_ingest"

// AsDirectFeedStage wraps s as a named coordinator.Stage distinct from the
// aggregator-scoped "ingest" stage. Callers are expected to have already
// restricted s.Feeds to the non-aggregator subset (see SplitFeeds) before
// calling this, so the two stages' ExecutionLog rows report on disjoint
// feed sets, mirroring original_source/workers/jobs/pipeline.py's Step 0
// (Google News RSS) / Step 0a (Direct Feed Ingest) split.
func (s *Stage) AsDirectFeedStage() coordinator.Stage {
	return s.nameAs(DirectFeedStageName)
}

// SplitFeeds partitions feeds into the aggregator-scoped subset (whose URL
// host matches aggregatorHost, resolved through the redirect resolver) and
// the direct-publisher subset, so callers can build one Stage per §4.10 DAG
// node out of the same configured feed list.
func SplitFeeds(feeds []Feed, aggregatorHost string) (aggregator, direct []Feed) {
	for _, f := range feeds {
		if fingerprint.IsAggregatorURL(f.URL, aggregatorHost) {
			aggregator = append(aggregator, f)
		} else {
			direct = append(direct, f)
		}
	}
	return aggregator, direct
}
