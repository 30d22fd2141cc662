package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/config"
	"github.com/pivot5/newsletterd/internal/infrastructure/cache"
)

func newSchedulerTestCache(t *testing.T) *cache.RedisCache {
	s := miniredis.RunT(t)
	t.Cleanup(s.Close)
	c, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestScheduler_StartRegistersFullPipelineAndNamedJobs(t *testing.T) {
	c := newSchedulerTestCache(t)

	ran := make(chan string, 4)
	s := NewScheduler(SchedulerConfig{
		Cache:                 c,
		Timezone:              time.UTC,
		FullPipelineSchedule:  "* * * * * *",
		FullPipeline: func(ctx context.Context) PipelineResult {
			ran <- jobFullPipeline
			return PipelineResult{}
		},
		NamedJobs: []NamedJob{
			{
				Name:     jobSend,
				Schedule: "* * * * * *",
				Run: func(ctx context.Context) (StageResult, error) {
					ran <- jobSend
					return newStageResult(), nil
				},
			},
		},
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case name := <-ran:
			seen[name] = true
		case <-timeout:
			t.Fatalf("timed out waiting for jobs, saw: %v", seen)
		}
	}
	assert.True(t, seen[jobFullPipeline])
	assert.True(t, seen[jobSend])
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Timezone: time.UTC,
		NamedJobs: []NamedJob{
			{Name: "bad", Schedule: "not a cron expr", Run: func(ctx context.Context) (StageResult, error) {
				return newStageResult(), nil
			}},
		},
	})
	err := s.Start(context.Background())
	assert.Error(t, err)
}
