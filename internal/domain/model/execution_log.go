package model

import (
	"encoding/json"
	"time"
)

// ExecutionLogEntry is one diagnostic record of a pipeline step. Entries are
// best-effort: a missing entry never implies that the job failed.
type ExecutionLogEntry struct {
	JobID      string          `json:"job_id"`
	Asset      string          `json:"asset,omitempty"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PipelineStepName is the tool name recorded for the final summary entry of a pipeline run.
const PipelineStepName = "pipeline"
