package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ExecutionStatusSuccess = "success"
	ExecutionStatusError   = "error"
)

// ExecutionLogModel is one record per job invocation (C10), flushed to the
// store on complete(). Persistence failure here must never mask the job's
// own success/failure result — callers log-and-continue on write errors.
type ExecutionLogModel struct {
	bun.BaseModel `bun:"table:execution_logs,alias:el"`

	ID          string     `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	RunID       string     `bun:"run_id,notnull"`
	StepID      string     `bun:"step_id,notnull"`
	JobType     string     `bun:"job_type,notnull"`
	Slot        *int       `bun:"slot"`
	StartedAt   time.Time  `bun:"started_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
	DurationMS  int64      `bun:"duration_ms"`
	Status      string     `bun:"status,notnull"`
	Summary     JSONBMap   `bun:"summary,type:jsonb"`
	LogEntries  JSONBMap   `bun:"log_entries,type:jsonb"`
	ErrorMessage string    `bun:"error_message"`
	ErrorStack   string    `bun:"error_stack"`
}
