package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stageThatSucceeds(name string, count int) Stage {
	return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
		return StageResult{Counts: map[string]int{"items": count}}, nil
	}}
}

func stageThatFails(name string, err error) Stage {
	return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
		return StageResult{}, err
	}}
}

func TestPipeline_RunsAllStagesInOrder(t *testing.T) {
	var order []string
	record := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
			order = append(order, name)
			return newStageResult(), nil
		}}
	}

	p := &Pipeline{Nodes: []Node{
		{Stage: record("ingest")},
		{Stage: record("score")},
		{Stage: record("prefilter")},
	}}

	res := p.Run(context.Background(), StageInput{})
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"ingest", "score", "prefilter"}, order)
}

func TestPipeline_BlockingStageAbortsPipeline(t *testing.T) {
	var ran []string
	track := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
			ran = append(ran, name)
			return newStageResult(), nil
		}}
	}

	p := &Pipeline{Nodes: []Node{
		{Stage: track("ingest")},
		{Stage: stageThatFails("score", errors.New("llm down")), NonBlocking: false},
		{Stage: track("prefilter")},
	}}

	res := p.Run(context.Background(), StageInput{})
	assert.True(t, res.Aborted)
	assert.Equal(t, "score", res.AbortedAt)
	assert.Equal(t, []string{"ingest"}, ran)
}

func TestPipeline_NonBlockingStageContinuesPipeline(t *testing.T) {
	var ran []string
	track := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
			ran = append(ran, name)
			return newStageResult(), nil
		}}
	}

	p := &Pipeline{Nodes: []Node{
		{Stage: track("ingest")},
		{Stage: stageThatFails("extract_newsletters", errors.New("browser extractor timeout")), NonBlocking: true},
		{Stage: track("prefilter")},
	}}

	res := p.Run(context.Background(), StageInput{})
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"ingest", "prefilter"}, ran)
}

func TestPipeline_SkipIfGatesAStage(t *testing.T) {
	var ran []string
	track := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, in StageInput) (StageResult, error) {
			ran = append(ran, name)
			return StageResult{Counts: map[string]int{"new_articles_this_run": 0}}, nil
		}}
	}

	p := &Pipeline{Nodes: []Node{
		{Stage: track("ingest")},
		{
			Stage: track("score"),
			SkipIf: func(results map[string]StageResult) (bool, string) {
				return results["ingest"].Counts["new_articles_this_run"] == 0, "no new articles this run"
			},
		},
	}}

	res := p.Run(context.Background(), StageInput{})
	assert.Equal(t, []string{"ingest"}, ran)
	assert.True(t, res.Results["score"].Skipped)
}

func TestPipeline_GeneratesRunIDWhenAbsent(t *testing.T) {
	p := &Pipeline{Nodes: []Node{{Stage: stageThatSucceeds("ingest", 1)}}}
	res := p.Run(context.Background(), StageInput{})
	assert.NotEmpty(t, res.RunID)
}
