// Package coordinator implements C10: the cron-driven stage chain, its
// ExecutionLog audit trail, and the linear-DAG pipeline runner described in
// spec §3 (ExecutionLog) and §4.10.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// ExecutionLog tracks one job invocation: created at job start, appended to
// in memory as the stage runs, and flushed to the store on Complete. A
// persistence failure here must never mask the job's own result.
type ExecutionLog struct {
	mu      sync.Mutex
	model   models.ExecutionLogModel
	entries []logEntry
}

type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// StartExecutionLog opens a new ExecutionLog for one (runID, stepID) pair.
// slot is nil for stages that are not slot-scoped.
func StartExecutionLog(runID, stepID, jobType string, slot *int) *ExecutionLog {
	return &ExecutionLog{
		model: models.ExecutionLogModel{
			ID:        uuid.NewString(),
			RunID:     runID,
			StepID:    stepID,
			JobType:   jobType,
			Slot:      slot,
			StartedAt: time.Now(),
		},
	}
}

// Logf appends a log line to the in-memory buffer and to the process logger.
func (e *ExecutionLog) Logf(level, message string, metadata map[string]interface{}) {
	e.mu.Lock()
	e.entries = append(e.entries, logEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	e.mu.Unlock()

	switch level {
	case "error":
		logger.Error(message, "run_id", e.model.RunID, "step_id", e.model.StepID)
	case "warn":
		logger.Warn(message, "run_id", e.model.RunID, "step_id", e.model.StepID)
	default:
		logger.Info(message, "run_id", e.model.RunID, "step_id", e.model.StepID)
	}
}

// Complete marks the log finished with the given result, converts the
// buffered entries to a JSONB-friendly shape, and returns the finished
// model. It does not persist; call Persist separately so a storage outage
// never changes the stage's own success/failure outcome.
func (e *ExecutionLog) Complete(summary map[string]interface{}, runErr error) models.ExecutionLogModel {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.model.CompletedAt = &now
	e.model.DurationMS = now.Sub(e.model.StartedAt).Milliseconds()

	if runErr != nil {
		e.model.Status = models.ExecutionStatusError
		e.model.ErrorMessage = runErr.Error()
	} else {
		e.model.Status = models.ExecutionStatusSuccess
	}

	summaryMap := models.JSONBMap{}
	for k, v := range summary {
		summaryMap[k] = v
	}
	e.model.Summary = summaryMap

	entryList := make([]interface{}, len(e.entries))
	for i, le := range e.entries {
		entryList[i] = map[string]interface{}{
			"timestamp": le.Timestamp,
			"level":     le.Level,
			"message":   le.Message,
			"metadata":  le.Metadata,
		}
	}
	e.model.LogEntries = models.JSONBMap{"entries": entryList}

	return e.model
}

// Persist writes the finished model to the execution_logs table. Failures
// are logged but never returned to the caller as fatal: the stage's own
// result already stands on its own.
func Persist(ctx context.Context, repo *store.Repository[models.ExecutionLogModel], model models.ExecutionLogModel) {
	if repo == nil {
		return
	}
	if err := repo.Insert(ctx, &model); err != nil {
		logger.ErrorContext(ctx, "failed to persist execution log",
			"run_id", model.RunID, "step_id", model.StepID, "error", err)
	}
}
