// Package store persists runs, staged data, canonical contacts, and the
// identity map in Postgres under the ingest schema.
package store

import (
	"context"
	"time"

	"github.com/sells-group/ingest-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Source     string          `json:"source,omitempty"`
	EntityType string          `json:"entity_type,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// CandidateFilter specifies criteria for listing dedupe candidates.
type CandidateFilter struct {
	RunID    string                  `json:"run_id,omitempty"`
	Decision model.CandidateDecision `json:"decision,omitempty"`
	MinScore float64                 `json:"min_score,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
}

// ViolationFilter specifies criteria for listing validation violations.
type ViolationFilter struct {
	RunID    string                `json:"run_id,omitempty"`
	Status   model.ViolationStatus `json:"status,omitempty"`
	Severity model.Severity        `json:"severity,omitempty"`
	RuleCode string                `json:"rule_code,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
}

// Store defines the persistence interface for the import pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, source, entityType string, params model.RunParams, dryRun bool) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	MarkRunRunning(ctx context.Context, runID string, watermarkUsed *time.Time) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errorSummary string, digests []model.StageDigest) error
	UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error
	Heartbeat(ctx context.Context, runID string) error
	SweepStaleRuns(ctx context.Context, olderThan time.Duration) (int, error)
	ActiveRunExists(ctx context.Context, source, entityType string) (bool, error)

	// Watermarks
	GetWatermark(ctx context.Context, source, entityType string) (*model.Watermark, error)
	AdvanceWatermark(ctx context.Context, wm model.Watermark) error

	// Staged records
	InsertStagedRecords(ctx context.Context, records []model.StagedRecord) (int64, error)
	ListStagedPage(ctx context.Context, runID string, status model.StagedStatus, afterSeq int64, limit int) ([]model.StagedRecord, error)
	GetStagedRecord(ctx context.Context, id int64) (*model.StagedRecord, error)
	UpdateStagedStatus(ctx context.Context, ids []int64, status model.StagedStatus) error
	MaxStagedSeq(ctx context.Context, runID string) (int64, error)

	// Violations
	InsertViolations(ctx context.Context, violations []model.Violation) error
	ListViolations(ctx context.Context, filter ViolationFilter) ([]model.Violation, error)
	GetViolation(ctx context.Context, id int64) (*model.Violation, error)
	ResolveViolation(ctx context.Context, id int64, status model.ViolationStatus, edited map[string]string, notes string) error
	OpenViolationCount(ctx context.Context, stagedID int64) (int, error)

	// Clean records
	InsertCleanRecords(ctx context.Context, records []model.CleanRecord) (int64, error)
	ListCleanPage(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.CleanRecord, error)
	GetCleanRecord(ctx context.Context, id int64) (*model.CleanRecord, error)

	// Canonical contacts
	GetContact(ctx context.Context, id int64) (*model.Contact, error)
	SaveContact(ctx context.Context, c *model.Contact) error
	FindContactIDsByEmail(ctx context.Context, email string) ([]int64, error)
	FindContactIDsByPhone(ctx context.Context, phone string) ([]int64, error)
	FindContactIDsByBlockKey(ctx context.Context, key string) ([]int64, error)

	// Identity map
	GetIdentityMapping(ctx context.Context, entityType, externalSystem, externalID string) (*model.IdentityMapping, error)
	UpsertIdentityMapping(ctx context.Context, m model.IdentityMapping) error
	UpsertSourceAudit(ctx context.Context, audit model.SourceAudit) error
	ListIdentityRefs(ctx context.Context, canonicalID int64) ([]model.IdentityRef, error)
	CountIdentityOrphans(ctx context.Context) (int, error)

	// Dedupe candidates
	InsertCandidate(ctx context.Context, c *model.DedupeCandidate) error
	HasOpenCandidate(ctx context.Context, runID string, cleanID int64) (bool, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.DedupeCandidate, error)
	GetCandidate(ctx context.Context, id int64) (*model.DedupeCandidate, error)
	DecideCandidate(ctx context.Context, id int64, decision model.CandidateDecision, decidedBy, note string) error

	// Merges
	ApplyMerge(ctx context.Context, rec *model.MergeRecord, survivor *model.Contact, changes []model.FieldChange) error
	UndoMerge(ctx context.Context, rec *model.MergeRecord, survivor, absorbed *model.Contact, changes []model.FieldChange) error
	GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error)
	ListMergesForContact(ctx context.Context, contactID int64) ([]model.MergeRecord, error)
	ContactChangedSince(ctx context.Context, contactID int64, since time.Time) (bool, error)

	// Field change audit
	InsertFieldChanges(ctx context.Context, changes []model.FieldChange) error
	ListFieldChanges(ctx context.Context, contactID int64, limit int) ([]model.FieldChange, error)

	// Reconciliation
	CounterBaseline(ctx context.Context, source, entityType string, lastN int) ([]model.RunCounters, error)
	InsertAnomalyFlags(ctx context.Context, flags []model.AnomalyFlag) error
	ListAnomalyFlags(ctx context.Context, runID string) ([]model.AnomalyFlag, error)

	// Transactions. fn runs against a Store bound to a single transaction;
	// AcquireEntityLock takes a pg_advisory_xact_lock and is only valid
	// inside WithTx.
	WithTx(ctx context.Context, fn func(Store) error) error
	AcquireEntityLock(ctx context.Context, entityType string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
