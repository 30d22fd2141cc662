package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pivot5/newsletterd/internal/coordinator/triggerstate"
	"github.com/pivot5/newsletterd/internal/infrastructure/cache"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
)

const (
	jobFullPipeline       = "full_pipeline"
	jobSelect             = "select"
	jobDecorate           = "decorate"
	jobCompile            = "compile"
	jobSend               = "send"
	jobScheduledSendSweep = "scheduled_send_sweep"

	// jobTimeout bounds one cron firing; each internal stage additionally
	// enforces its own deadline (spec §5, default 30 minutes).
	jobTimeout = 35 * time.Minute
)

// NamedJob pairs a job name with the work it runs when its own cron entry
// fires — used for the stages that have "own cron"/"own trigger" per
// spec §4.10 (select_pivot5, select_signal, decorate, decorate_images,
// compile, send, repair_redirects) and for the scheduled-send sweep
// (spec §4.9).
type NamedJob struct {
	Name     string
	Schedule string // cron expression, parsed with seconds precision
	Run      func(ctx context.Context) (StageResult, error)
}

// SchedulerConfig wires the three full-pipeline cycles plus the
// independently-scheduled stages.
type SchedulerConfig struct {
	Cache *cache.RedisCache

	// Timezone is the location the schedule strings are interpreted in
	// (spec §3: civil timezone, default America/New_York).
	Timezone *time.Location

	// FullPipeline runs the §4.10 chain end to end. FullPipelineSchedule
	// is a cron expression; spec calls for "three cycles per day at
	// configured local times" so callers typically pass something like
	// "0 0 6,12,18 * * *".
	FullPipeline         func(ctx context.Context) PipelineResult
	FullPipelineSchedule string

	// NamedJobs are additionally-scheduled single stages (the two selects,
	// decorate, decorate_images, compile, send, repair_redirects) plus the
	// scheduled-send sweep.
	NamedJobs []NamedJob
}

// Scheduler is the C10 cron-driven job runner. It owns one robfig/cron
// instance and persists per-job run bookkeeping (last/next execution) to
// Redis, mirroring the teacher's per-trigger state pattern generalized
// from "one workflow per trigger" to "the fixed set of named pipeline
// jobs".
type Scheduler struct {
	cfg  SchedulerConfig
	cron *cron.Cron

	mu      sync.RWMutex
	entries map[string]cron.EntryID
}

// NewScheduler constructs a Scheduler; Start must be called to begin firing.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		entries: map[string]cron.EntryID{},
	}
}

// Start registers every configured job and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.FullPipeline != nil && s.cfg.FullPipelineSchedule != "" {
		if err := s.scheduleLocked(jobFullPipeline, s.cfg.FullPipelineSchedule, func(jobCtx context.Context) (StageResult, error) {
			res := s.cfg.FullPipeline(jobCtx)
			if res.Aborted {
				return StageResult{}, res.Err
			}
			return newStageResult(), nil
		}); err != nil {
			return fmt.Errorf("coordinator: scheduling full_pipeline: %w", err)
		}
	}

	for _, job := range s.cfg.NamedJobs {
		if err := s.scheduleLocked(job.Name, job.Schedule, job.Run); err != nil {
			return fmt.Errorf("coordinator: scheduling %s: %w", job.Name, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop waits for any in-flight job to finish, then stops firing.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) scheduleLocked(name, expr string, run func(ctx context.Context) (StageResult, error)) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}

	job := cron.FuncJob(func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		s.execute(jobCtx, name, run)
	})

	entryID := s.cron.Schedule(schedule, job)
	s.entries[name] = entryID
	return nil
}

// execute runs one job firing, recording trigger-state bookkeeping in
// Redis on a best-effort basis: a bookkeeping failure is logged but never
// turns a successful job run into a failed one.
func (s *Scheduler) execute(ctx context.Context, name string, run func(ctx context.Context) (StageResult, error)) {
	if _, err := run(ctx); err != nil {
		logger.ErrorContext(ctx, "scheduled job failed", "job", name, "error", err)
	}

	if s.cfg.Cache == nil {
		return
	}

	state, err := triggerstate.LoadTriggerState(ctx, s.cfg.Cache, name)
	if err != nil {
		state = triggerstate.NewTriggerState(name)
	}
	state.MarkExecuted()

	s.mu.RLock()
	entryID, ok := s.entries[name]
	s.mu.RUnlock()
	if ok {
		state.SetNextExecution(s.cron.Entry(entryID).Next)
	}

	if err := state.Save(ctx, s.cfg.Cache); err != nil {
		logger.ErrorContext(ctx, "failed to persist trigger state", "job", name, "error", err)
	}
}
