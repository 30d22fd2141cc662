package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBackfillStage_ClampsToMaxHours(t *testing.T) {
	base := &Stage{AggregatorHost: "news.google.com"}
	backfill := NewBackfillStage(base, 500, 168)
	assert.Equal(t, float64(168), backfill.SinceHours)
	assert.Equal(t, "news.google.com", backfill.AggregatorHost)
}

func TestNewBackfillStage_LeavesBaseUntouched(t *testing.T) {
	base := &Stage{SinceHours: 10}
	_ = NewBackfillStage(base, 120, 0)
	assert.Equal(t, float64(10), base.SinceHours)
}

func TestAsBackfillStage_ReportsBackfillName(t *testing.T) {
	base := &Stage{}
	wrapped := base.AsBackfillStage()
	assert.Equal(t, BackfillStageName, wrapped.Name())
}
