package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
)

func TestRepairStage_ResolvesAndPatchesBrokenArticles(t *testing.T) {
	articles := newTestArticleStore()
	articles.rows = []models.ArticleModel{
		{ID: "a1", CanonicalURL: "https://news.google.com/articles/xyz", Fingerprint: "old-fp"},
		{ID: "a2", CanonicalURL: "https://reuters.com/already-fine"},
	}
	resolver := &fakeResolver{decoded: map[string]string{
		"https://news.google.com/articles/xyz": "https://cnbc.com/article/xyz",
	}}

	stage := &RepairStage{
		Articles:       articles,
		Redirects:      resolver,
		SourceNames:    map[string]string{"cnbc.com": "CNBC"},
		AggregatorHost: "news.google.com",
	}

	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts["candidates"])
	assert.Equal(t, 1, result.Counts["repaired"])
	assert.Equal(t, 0, result.Counts["failed"])
	assert.Equal(t, "https://cnbc.com/article/xyz", articles.rows[0].CanonicalURL)
	assert.Equal(t, "CNBC", articles.rows[0].SourceName)
}

func TestRepairStage_NoBrokenArticlesIsNoop(t *testing.T) {
	articles := newTestArticleStore()
	articles.rows = []models.ArticleModel{{ID: "a1", CanonicalURL: "https://reuters.com/fine"}}

	stage := &RepairStage{
		Articles:       articles,
		Redirects:      &fakeResolver{},
		AggregatorHost: "news.google.com",
	}

	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Counts["candidates"])
}

func TestRepairStage_FailedResolutionLeavesArticleUnpatched(t *testing.T) {
	articles := newTestArticleStore()
	articles.rows = []models.ArticleModel{{ID: "a1", CanonicalURL: "https://news.google.com/articles/still-broken"}}

	stage := &RepairStage{
		Articles:       articles,
		Redirects:      &fakeResolver{},
		AggregatorHost: "news.google.com",
	}

	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts["candidates"])
	assert.Equal(t, 0, result.Counts["repaired"])
	assert.Equal(t, "https://news.google.com/articles/still-broken", articles.rows[0].CanonicalURL)
}
