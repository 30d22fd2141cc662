package coordinator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
)

func TestExecutionLog_CompleteSuccess(t *testing.T) {
	el := StartExecutionLog("run-1", "step-1", "ingest", nil)
	el.Logf("info", "fetched 10 articles", map[string]interface{}{"count": 10})

	model := el.Complete(map[string]interface{}{"new_articles": 10}, nil)

	assert.Equal(t, models.ExecutionStatusSuccess, model.Status)
	assert.Equal(t, "run-1", model.RunID)
	assert.NotNil(t, model.CompletedAt)
	assert.Equal(t, 10, model.Summary["new_articles"])

	entries, ok := model.LogEntries["entries"].([]interface{})
	assert.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestExecutionLog_CompleteError(t *testing.T) {
	el := StartExecutionLog("run-2", "step-2", "prefilter", nil)
	model := el.Complete(nil, errors.New("classifier timeout"))

	assert.Equal(t, models.ExecutionStatusError, model.Status)
	assert.Equal(t, "classifier timeout", model.ErrorMessage)
}

func TestExecutionLog_SlotScoped(t *testing.T) {
	slot := 3
	el := StartExecutionLog("run-3", "step-3", "prefilter", &slot)
	model := el.Complete(map[string]interface{}{}, nil)
	assert.Equal(t, &slot, model.Slot)
}
