package coordinator

import (
	"context"
	"time"
)

// StageInput carries the parameters a stage needs, identical whether it is
// invoked from the full pipeline chain or manually via cmd/stagectl (spec
// §4.10: "manual invocation of any single stage... takes identical inputs").
type StageInput struct {
	RunID   string
	Now     time.Time
	Variant string                 // "pivot5" or "signal", when applicable
	Params  map[string]interface{}
}

// StageResult is the structured outcome of one stage run: counts and
// per-item errors, inspected by the pipeline rather than relying on a
// caught exception (spec §4 REDESIGN FLAGS: "exceptions for control flow ->
// explicit result types").
type StageResult struct {
	Counts  map[string]int
	Errors  []error
	Skipped bool
	Reason  string // set when Skipped is true
}

func newStageResult() StageResult {
	return StageResult{Counts: map[string]int{}}
}

// Stage is one node in the C10 linear DAG.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (StageResult, error)
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, in StageInput) (StageResult, error)
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Run(ctx context.Context, in StageInput) (StageResult, error) {
	return f.Fn(ctx, in)
}
