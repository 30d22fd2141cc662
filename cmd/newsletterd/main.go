// newsletterd runs the C10 cron-driven pipeline: three full-cycle runs a
// day, independently-scheduled select/decorate/compile/send jobs, and the
// 5-minute scheduled-send sweep. Grounded on the teacher's cmd/server
// wiring shape (config -> logger -> db -> repositories -> adapters ->
// stages -> scheduler -> signal-driven shutdown), generalized from an HTTP
// API process into a headless scheduler process per spec.md §4.10.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/pivot5/newsletterd/internal/infrastructure/cache"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/ingest"
	"github.com/pivot5/newsletterd/internal/prefilter"
	"github.com/pivot5/newsletterd/internal/scoring"
	"github.com/pivot5/newsletterd/internal/selector"
	"github.com/pivot5/newsletterd/internal/sender"
	"github.com/pivot5/newsletterd/internal/store"
)

// fullPipelineSchedule fires at 6am, noon, and 6pm local, per spec.md
// §4.10's "three cycles per day at configured local times".
const fullPipelineSchedule = "0 0 6,12,18 * * *"

const (
	selectSchedule             = "0 30 5 * * *"
	decorateSchedule           = "0 0 */1 * * *"
	compileSchedule            = "0 15 */1 * * *"
	sendSchedule               = "0 30 */1 * * *"
	scheduledSendSweepSchedule = "0 */5 * * * *"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("newsletterd: failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)
	appLogger.Info("starting newsletterd", "timezone", cfg.Timezone.Name)

	loc, err := time.LoadLocation(cfg.Timezone.Name)
	if err != nil {
		appLogger.Warn("failed to load configured timezone, falling back to UTC", "timezone", cfg.Timezone.Name, "error", err)
		loc = time.UTC
	}

	db := store.NewDB(cfg.Database)
	defer db.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		appLogger.Warn("redis cache unavailable, scheduler trigger-state bookkeeping disabled", "error", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	articles := store.NewRepository[models.ArticleModel](db)
	selects := store.NewRepository[models.SelectModel](db)
	prefilterRows := store.NewRepository[models.PrefilterRowModel](db)
	issues := store.NewRepository[models.IssueModel](db)
	stories := store.NewRepository[models.IssueStoryModel](db)
	archive := store.NewRepository[models.IssuesArchiveModel](db)
	execLog := store.NewRepository[models.ExecutionLogModel](db)

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
	extractNewslettersStage := &scoring.ExtractStage{
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
	scheduledSendSweep := &sender.ScheduledSendSweep{Issues: issues, Sender: sendStage}

	selectPivot5 := coordinator.StageFunc{StageName: "select_pivot5", Fn: func(ctx context.Context, in coordinator.StageInput) (coordinator.StageResult, error) {
		in.Variant = selector.VariantPivot5
		return selectorStage.Run(ctx, in)
	}}
	selectSignal := coordinator.StageFunc{StageName: "select_signal", Fn: func(ctx context.Context, in coordinator.StageInput) (coordinator.StageResult, error) {
		in.Variant = selector.VariantSignal
		return selectorStage.Run(ctx, in)
	}}

	// newArticlesSkip implements spec.md §4.10's score_if(new_articles_this_run > 0):
	// scoring and everything downstream of it only runs when either feed pass
	// actually found something new.
	newArticlesSkip := func(results map[string]coordinator.StageResult) (bool, string) {
		total := results["ingest"].Counts["articles_ingested"] + results[ingest.DirectFeedStageName].Counts["articles_ingested"]
		if total > 0 {
			return false, ""
		}
		return true, "no new articles this run"
	}

	pipeline := &coordinator.Pipeline{
		ExecLog: execLog,
		Nodes: []coordinator.Node{
			{Stage: ingestStage},
			{Stage: directFeedStage},
			{Stage: scoringStage, SkipIf: newArticlesSkip},
			{Stage: extractNewslettersStage, SkipIf: newArticlesSkip, NonBlocking: true},
			{Stage: browserbaseRetryStage, SkipIf: newArticlesSkip, NonBlocking: true},
			{Stage: prefilterStage, SkipIf: newArticlesSkip},
			{Stage: selectPivot5, SkipIf: newArticlesSkip},
			{Stage: selectSignal, SkipIf: newArticlesSkip},
			{Stage: decorateStage, NonBlocking: true},
			{Stage: decorateImagesStage, NonBlocking: true},
			{Stage: compileStage, NonBlocking: true},
			{Stage: sendStage, NonBlocking: true},
		},
	}

	scheduler := coordinator.NewScheduler(coordinator.SchedulerConfig{
		Cache:                redisCache,
		Timezone:             loc,
		FullPipeline:         pipeline.Run,
		FullPipelineSchedule: fullPipelineSchedule,
		NamedJobs: []coordinator.NamedJob{
			{Name: "select_pivot5", Schedule: selectSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return selectPivot5.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "select_signal", Schedule: selectSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return selectSignal.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "decorate", Schedule: decorateSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return decorateStage.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "decorate_images", Schedule: decorateSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return decorateImagesStage.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "compile", Schedule: compileSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return compileStage.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "send", Schedule: sendSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return sendStage.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "scheduled_send_sweep", Schedule: scheduledSendSweepSchedule, Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return scheduledSendSweep.Run(ctx, coordinator.StageInput{})
			}},
			{Name: "repair_redirects", Schedule: "0 0 3 * * *", Run: func(ctx context.Context) (coordinator.StageResult, error) {
				return repairStage.Run(ctx, coordinator.StageInput{})
			}},
		},
	})

	if err := scheduler.Start(context.Background()); err != nil {
		appLogger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	appLogger.Info("scheduler started",
		"full_pipeline_schedule", fullPipelineSchedule,
		"named_jobs", []string{"select_pivot5", "select_signal", "decorate", "decorate_images", "compile", "send", "scheduled_send_sweep", "repair_redirects"},
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	appLogger.Info("shutdown initiated", "signal", sig)

	scheduler.Stop()
	appLogger.Info("scheduler stopped")
}
