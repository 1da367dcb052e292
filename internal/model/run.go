// Package model defines the core data types shared across the import pipeline.
package model

import (
	"time"
)

// RunStatus represents the terminal-or-in-flight state of an import run.
type RunStatus string

// Run lifecycle states.
const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished and will not transition again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartiallyFailed, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RunCounters tracks per-row outcomes across all stages of a run. The
// counters plus the error summary must be enough to answer "how many rows
// had which outcome and why" without reading logs.
type RunCounters struct {
	Extracted    int64 `json:"extracted"`
	Staged       int64 `json:"staged"`
	Validated    int64 `json:"validated"`
	Quarantined  int64 `json:"quarantined"`
	Promoted     int64 `json:"promoted"`
	Created      int64 `json:"created"`
	Updated      int64 `json:"updated"`
	Skipped      int64 `json:"skipped"`
	DedupedAuto  int64 `json:"deduped_auto"`
	ReviewQueued int64 `json:"review_queued"`
	RowFailures  int64 `json:"row_failures"`
	UnmappedSeen int64 `json:"unmapped_seen"`
	FieldChanges int64 `json:"field_changes"`
	AnomalyFlags int64 `json:"anomaly_flags"`
}

// Loaded is the number of rows that reached a canonical-store outcome.
func (c RunCounters) Loaded() int64 {
	return c.Created + c.Updated + c.Skipped
}

// Run is one pipeline execution against a single source adapter.
type Run struct {
	ID            string        `json:"id" db:"id"`
	Source        string        `json:"source" db:"source"`
	EntityType    string        `json:"entity_type" db:"entity_type"`
	Status        RunStatus     `json:"status" db:"status"`
	DryRun        bool          `json:"dry_run" db:"dry_run"`
	Params        RunParams     `json:"params" db:"params"`
	WatermarkUsed *time.Time    `json:"watermark_used,omitempty" db:"watermark_used"`
	Counters      RunCounters   `json:"counters" db:"counters"`
	ErrorSummary  string        `json:"error_summary,omitempty" db:"error_summary"`
	StageDigests  []StageDigest `json:"stage_digests,omitempty" db:"stage_digests"`
	HeartbeatAt   *time.Time    `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// RunParams holds the extraction parameters persisted at trigger time so a
// run can be retried with its original arguments.
type RunParams struct {
	Full      bool   `json:"full,omitempty"` // ignore watermark, full extraction
	PageSize  int    `json:"page_size,omitempty"`
	Location  string `json:"location,omitempty"`   // file path / object name, adapter-specific
	RetriedOf string `json:"retried_of,omitempty"` // original run id when this is a retry
}

// StageDigest summarizes one pipeline stage for dashboards.
type StageDigest struct {
	Stage     string        `json:"stage"`
	Rows      int64         `json:"rows"`
	Failures  int64         `json:"failures"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Watermark is the highest source-modification timestamp durably committed
// for an (adapter, entity type) pair. It bounds incremental extraction and
// is only advanced after a loader batch commits.
type Watermark struct {
	Source     string     `json:"source" db:"source"`
	EntityType string     `json:"entity_type" db:"entity_type"`
	ModifiedAt *time.Time `json:"modified_at,omitempty" db:"modified_at"`
	RunID      string     `json:"run_id,omitempty" db:"run_id"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
