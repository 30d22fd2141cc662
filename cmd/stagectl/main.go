// stagectl is the manual single-stage invoker spec.md §4.10 calls for:
// "Manual invocation of any single stage is supported and takes identical
// inputs." Grounded on the teacher's cmd/cli/main.go (top-level command,
// per-command flag.FlagSet, usage banner) generalized from workflow/user
// management commands to one subcommand per DAG node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/extractor"
	"github.com/pivot5/newsletterd/internal/adapters/feedreader"
	"github.com/pivot5/newsletterd/internal/adapters/imagecdn"
	"github.com/pivot5/newsletterd/internal/adapters/imagegen"
	"github.com/pivot5/newsletterd/internal/adapters/imagehost"
	"github.com/pivot5/newsletterd/internal/adapters/llm"
	"github.com/pivot5/newsletterd/internal/adapters/mailgateway"
	"github.com/pivot5/newsletterd/internal/adapters/redirect"
	"github.com/pivot5/newsletterd/internal/application/retry"
	"github.com/pivot5/newsletterd/internal/compiler"
	"github.com/pivot5/newsletterd/internal/config"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/decorator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/ingest"
	"github.com/pivot5/newsletterd/internal/prefilter"
	"github.com/pivot5/newsletterd/internal/scoring"
	"github.com/pivot5/newsletterd/internal/selector"
	"github.com/pivot5/newsletterd/internal/sender"
	"github.com/pivot5/newsletterd/internal/store"
)

const usage = `stagectl - run a single newsletterd pipeline stage

USAGE:
    stagectl <stage> [options]

STAGES:
    ingest [-backfill-hours=N] [-limit=N]   Poll aggregator feeds (SPEC_FULL.md §3 backfill supplement via -backfill-hours)
    direct-feed-ingest                      Poll direct (non-aggregator) publisher feeds
    repair-redirects                        Re-resolve unresolved aggregator links
    score                                    Score pending Articles into Selects
    extract-newsletters                     Fill in cleaned_body for already-scored Selects
    browserbase-retry                       Re-scrape today's short paywalled Selects
    prefilter                               Classify recent Selects into slot candidates
    select -variant=pivot5|signal           Run per-slot selection for one variant
    decorate                                Write story copy for a pending Issue
    decorate-images                         Generate/upload imagery for every story still needing an image
    compile                                 Render HTML and advance an Issue to next-send
    send                                    Send the next-send Issue
    send-sweep                              Trigger any past-due scheduled Issue

Every stage takes its config from the same environment variables the
scheduler process reads (see internal/config); there is no separate
stagectl configuration surface.
`

type built struct {
	cfg *config.Config

	ingestStage           *ingest.Stage
	directFeedStage       coordinator.Stage
	repairStage           *ingest.RepairStage
	scoringStage          *scoring.Stage
	extractStage          *scoring.ExtractStage
	browserbaseRetryStage *scoring.BrowserbaseRetryStage
	prefilterStage        *prefilter.Stage
	selectorStage         *selector.Stage
	decorateStage         *decorator.Stage
	decorateImagesStage   *decorator.ImageStage
	compileStage          *compiler.Stage
	sendStage             *sender.Stage
	sweepStage            *sender.ScheduledSendSweep
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagectl: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	b := build(cfg)
	ctx := context.Background()

	stage := os.Args[1]
	args := os.Args[2:]

	var (
		result coordinator.StageResult
		runErr error
	)

	switch stage {
	case "ingest":
		fs := flag.NewFlagSet("ingest", flag.ExitOnError)
		backfillHours := fs.Float64("backfill-hours", 0, "run as a backfill sweep over this many hours instead of the default cron window")
		limit := fs.Int("limit", 0, "override the default per-run article limit (0 = stage default)")
		mustParse(fs, args)

		s := b.ingestStage
		if *limit > 0 {
			cp := *s
			cp.Limit = *limit
			s = &cp
		}
		if *backfillHours > 0 {
			result, runErr = ingest.NewBackfillStage(s, *backfillHours, cfg.Pipeline.BackfillMaxHours).Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
		} else {
			result, runErr = s.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
		}
	case "direct-feed-ingest":
		mustParse(flag.NewFlagSet("direct-feed-ingest", flag.ExitOnError), args)
		result, runErr = b.directFeedStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "repair-redirects":
		mustParse(flag.NewFlagSet("repair-redirects", flag.ExitOnError), args)
		result, runErr = b.repairStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "score":
		mustParse(flag.NewFlagSet("score", flag.ExitOnError), args)
		result, runErr = b.scoringStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "extract-newsletters":
		mustParse(flag.NewFlagSet("extract-newsletters", flag.ExitOnError), args)
		result, runErr = b.extractStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "browserbase-retry":
		mustParse(flag.NewFlagSet("browserbase-retry", flag.ExitOnError), args)
		result, runErr = b.browserbaseRetryStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "prefilter":
		mustParse(flag.NewFlagSet("prefilter", flag.ExitOnError), args)
		result, runErr = b.prefilterStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "select":
		fs := flag.NewFlagSet("select", flag.ExitOnError)
		variant := fs.String("variant", "", "pivot5 or signal (required)")
		mustParse(fs, args)
		if *variant != selector.VariantPivot5 && *variant != selector.VariantSignal {
			fmt.Fprintf(os.Stderr, "stagectl: -variant must be %q or %q\n", selector.VariantPivot5, selector.VariantSignal)
			os.Exit(1)
		}
		result, runErr = b.selectorStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now(), Variant: *variant})
	case "decorate":
		mustParse(flag.NewFlagSet("decorate", flag.ExitOnError), args)
		result, runErr = b.decorateStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "decorate-images":
		mustParse(flag.NewFlagSet("decorate-images", flag.ExitOnError), args)
		result, runErr = b.decorateImagesStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "compile":
		mustParse(flag.NewFlagSet("compile", flag.ExitOnError), args)
		result, runErr = b.compileStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "send":
		mustParse(flag.NewFlagSet("send", flag.ExitOnError), args)
		result, runErr = b.sendStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "send-sweep":
		mustParse(flag.NewFlagSet("send-sweep", flag.ExitOnError), args)
		result, runErr = b.sweepStage.Run(ctx, coordinator.StageInput{RunID: runID(), Now: time.Now()})
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "stagectl: unknown stage %q\n\n", stage)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	report(stage, result, runErr)
}

func mustParse(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "stagectl: %v\n", err)
		os.Exit(1)
	}
}

func report(stage string, result coordinator.StageResult, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagectl: %s failed: %v\n", stage, err)
		os.Exit(1)
	}
	if result.Skipped {
		fmt.Printf("%s: skipped (%s)\n", stage, result.Reason)
		return
	}
	fmt.Printf("%s: done\n", stage)
	for name, count := range result.Counts {
		fmt.Printf("  %s: %d\n", name, count)
	}
	for _, e := range result.Errors {
		fmt.Printf("  error: %v\n", e)
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}

// runID gives manual invocations their own ExecutionLog-visible identity
// distinct from scheduler-triggered runs, following the teacher's
// request-ID-per-CLI-invocation convention.
func runID() string {
	return "stagectl-" + time.Now().UTC().Format("20060102T150405.000000000")
}

// build assembles every adapter and stage stagectl might dispatch to. This
// mirrors cmd/newsletterd/main.go's wiring (same config, same adapter
// constructors) since a manually invoked stage must take identical inputs
// to its cron-triggered counterpart, per spec.md §4.10.
func build(cfg *config.Config) *built {
	db := store.NewDB(cfg.Database)

	articles := store.NewRepository[models.ArticleModel](db)
	selects := store.NewRepository[models.SelectModel](db)
	prefilterRows := store.NewRepository[models.PrefilterRowModel](db)
	issues := store.NewRepository[models.IssueModel](db)
	stories := store.NewRepository[models.IssueStoryModel](db)
	archive := store.NewRepository[models.IssuesArchiveModel](db)

	retryPolicy := retry.Default()

	reader := feedreader.New(retryPolicy)
	redirects := redirect.New()
	classifier := &llm.ClassifierClient{
		Provider: llm.NewProvider("", cfg.Providers.LLMClassifierAPIKey, retryPolicy),
		Model:    cfg.Providers.LLMClassifierModel,
	}
	reasoner := &llm.ReasoningClient{
		Provider: llm.NewProvider("", cfg.Providers.LLMReasoningAPIKey, retryPolicy),
		Model:    cfg.Providers.LLMReasoningModel,
	}
	extract := extractor.New(cfg.Providers.ExtractorRemoteURL, cfg.Providers.ExtractorAPIKey, retryPolicy)

	imageStrategy := &imagegen.Strategy{
		Primary: imagegen.NewHTTPGenerator("primary", cfg.Providers.ImageGenPrimaryBaseURL, cfg.Providers.ImageGenPrimaryAPIKey, retryPolicy),
	}
	if cfg.Providers.ImageGenFallbackAPIKey != "" {
		imageStrategy.Fallback = imagegen.NewHTTPGenerator("fallback", cfg.Providers.ImageGenFallbackBaseURL, cfg.Providers.ImageGenFallbackAPIKey, retryPolicy)
	}
	cdn := imagecdn.New(cfg.Providers.ImageCDNBaseURL, cfg.Providers.ImageCDNAPIKey, retryPolicy)
	host := imagehost.New(cfg.Providers.ImageHostBaseURL, cfg.Providers.ImageHostAPIKey)
	gateway := mailgateway.New(cfg.Providers.MailGatewayBaseURL, cfg.Providers.MailGatewayAPIKey, retryPolicy)

	var feeds []ingest.Feed
	for _, url := range cfg.Pipeline.FeedURLs {
		feeds = append(feeds, ingest.Feed{URL: url})
	}
	aggregatorFeeds, directFeeds := ingest.SplitFeeds(feeds, cfg.Providers.AggregatorHost)

	ingestStage := &ingest.Stage{
		Feeds:          aggregatorFeeds,
		Reader:         reader,
		Redirects:      redirects,
		Articles:       articles,
		SourceNames:    cfg.Pipeline.SourceNames,
		BlockedDomains: cfg.Pipeline.BlockedDomains,
		AggregatorHost: cfg.Providers.AggregatorHost,
	}
	directFeedBase := &ingest.Stage{
		Feeds:          directFeeds,
		Reader:         reader,
		Redirects:      redirects,
		Articles:       articles,
		SourceNames:    cfg.Pipeline.SourceNames,
		BlockedDomains: cfg.Pipeline.BlockedDomains,
		AggregatorHost: cfg.Providers.AggregatorHost,
	}
	directFeedStage := directFeedBase.AsDirectFeedStage()
	repairStage := &ingest.RepairStage{
		Articles:       articles,
		Redirects:      redirects,
		SourceNames:    cfg.Pipeline.SourceNames,
		AggregatorHost: cfg.Providers.AggregatorHost,
	}

	scoringStage := &scoring.Stage{
		Articles:       articles,
		Selects:        selects,
		Reasoner:       reasoner,
		Fetcher:        scoring.NewHTTPPageFetcher(),
		Extract:        extract,
		Threshold:      cfg.Pipeline.ScoreThreshold,
		PaywallSources: cfg.Pipeline.PaywallSources,
		RawTextBudget:  cfg.Pipeline.ScoringRawTextBudget,
	}
	extractStage := &scoring.ExtractStage{
		Selects: selects,
		Extract: extract,
	}
	browserbaseRetryStage := &scoring.BrowserbaseRetryStage{
		Selects:        selects,
		Extract:        extract,
		PaywallSources: cfg.Pipeline.PaywallSources,
	}

	prefilterStage := &prefilter.Stage{
		Selects:        selects,
		Articles:       articles,
		Prefilter:      prefilterRows,
		Issues:         issues,
		Classifier:     classifier,
		SlotPrompts:    cfg.Pipeline.SlotPrompts,
		Tier1Companies: cfg.Pipeline.Tier1Companies,
		LookbackHours:  10,
	}

	selectorStage := &selector.Stage{
		Prefilter: prefilterRows,
		Issues:    issues,
		Reasoner:  reasoner,
		Pivot5:    selector.Pivot5Config,
		Signal:    selector.SignalConfig,
		BrandName: cfg.Pipeline.BrandName,
	}

	decorateStage := &decorator.Stage{
		Issues:    issues,
		Selects:   selects,
		Stories:   stories,
		Cleaner:   reasoner,
		Reasoner:  reasoner,
		BrandName: cfg.Pipeline.BrandName,
	}
	decorateImagesStage := &decorator.ImageStage{
		Stories:   stories,
		Generator: imageStrategy,
		CDN:       cdn,
		Host:      host,
	}

	compileStage := &compiler.Stage{
		Issues:        issues,
		Stories:       stories,
		Pivot5Brand:   compiler.Pivot5Brand,
		SignalBrand:   compiler.SignalBrand,
		IncludeImages: true,
	}

	sendStage := &sender.Stage{
		Issues:      issues,
		Archive:     archive,
		Gateway:     gateway,
		FromAddress: "newsletter@" + cfg.Pipeline.BrandName,
		FromName:    cfg.Pipeline.BrandName,
		Segment:     func(variant string) string { return variant },
	}

	return &built{
		cfg:                   cfg,
		ingestStage:           ingestStage,
		directFeedStage:       directFeedStage,
		repairStage:           repairStage,
		scoringStage:          scoringStage,
		extractStage:          extractStage,
		browserbaseRetryStage: browserbaseRetryStage,
		prefilterStage:        prefilterStage,
		selectorStage:         selectorStage,
		decorateStage:         decorateStage,
		decorateImagesStage:   decorateImagesStage,
		compileStage:          compileStage,
		sendStage:             sendStage,
		sweepStage:            &sender.ScheduledSendSweep{Issues: issues, Sender: sendStage},
	}
}
