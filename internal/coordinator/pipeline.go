package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// defaultStageTimeout is the per-stage deadline spec §5 defaults to (30
// minutes); a stage that exceeds it is cancelled at its next suspension
// point, relying on idempotent writes for a clean resume.
const defaultStageTimeout = 30 * time.Minute

// Node wraps a Stage with its position in the §4.10 linear DAG: whether a
// failure here is non-blocking (the pipeline continues, recording the
// error) and an optional predicate gating whether it runs at all, e.g.
// score_if(new_articles_this_run > 0).
type Node struct {
	Stage       Stage
	NonBlocking bool
	Timeout     time.Duration
	SkipIf      func(results map[string]StageResult) (skip bool, reason string)
}

// Pipeline runs an ordered chain of Nodes, persisting one ExecutionLog per
// stage invocation and stopping only on a blocking-stage failure.
type Pipeline struct {
	Nodes   []Node
	ExecLog *store.Repository[models.ExecutionLogModel]
}

// PipelineResult aggregates every node's StageResult, keyed by stage name,
// plus the first blocking error (if any) that stopped the run early.
type PipelineResult struct {
	RunID   string
	Results map[string]StageResult
	Aborted bool
	AbortedAt string
	Err     error
}

// Run executes the full chain for one run, identified by a fresh run_id.
func (p *Pipeline) Run(ctx context.Context, in StageInput) PipelineResult {
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	out := PipelineResult{RunID: in.RunID, Results: map[string]StageResult{}}

	for _, node := range p.Nodes {
		name := node.Stage.Name()

		if node.SkipIf != nil {
			if skip, reason := node.SkipIf(out.Results); skip {
				logger.Info("stage skipped", "run_id", in.RunID, "stage", name, "reason", reason)
				out.Results[name] = StageResult{Counts: map[string]int{}, Skipped: true, Reason: reason}
				continue
			}
		}

		result, err := p.runNode(ctx, node, in)
		out.Results[name] = result

		if err != nil {
			if node.NonBlocking {
				logger.Warn("non-blocking stage failed, continuing", "run_id", in.RunID, "stage", name, "error", err)
				continue
			}
			out.Aborted = true
			out.AbortedAt = name
			out.Err = fmt.Errorf("pipeline aborted at stage %q: %w", name, err)
			return out
		}
	}

	return out
}

func (p *Pipeline) runNode(ctx context.Context, node Node, in StageInput) (StageResult, error) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := node.Stage.Name()
	execLog := StartExecutionLog(in.RunID, uuid.NewString(), name, nil)

	result, err := node.Stage.Run(stageCtx, in)

	summary := map[string]interface{}{}
	for k, v := range result.Counts {
		summary[k] = v
	}
	summary["error_count"] = len(result.Errors)

	model := execLog.Complete(summary, err)
	Persist(ctx, p.ExecLog, model)

	return result, err
}
