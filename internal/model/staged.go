package model

import "time"

// StagedStatus is the state of a staged record within the run pipeline.
type StagedStatus string

// Staged record states.
const (
	StagedLanded      StagedStatus = "landed"
	StagedValidated   StagedStatus = "validated"
	StagedQuarantined StagedStatus = "quarantined"
	StagedPromoted    StagedStatus = "promoted"
)

// StagedRecord is one raw+normalized payload for one source row within one
// run. Unique per (run, seq). Immutable once written except for status.
type StagedRecord struct {
	ID             int64             `json:"id" db:"id"`
	RunID          string            `json:"run_id" db:"run_id"`
	Seq            int64             `json:"seq" db:"seq"`
	ExternalSystem string            `json:"external_system" db:"external_system"`
	ExternalID     string            `json:"external_id" db:"external_id"`
	Raw            []byte            `json:"raw" db:"raw"` // JSONB, source payload verbatim
	Normalized     map[string]string `json:"normalized" db:"normalized"`
	Unmapped       []string          `json:"unmapped,omitempty" db:"unmapped"` // source fields with no mapping, kept for drift reporting
	Checksum       string            `json:"checksum" db:"checksum"`
	SourceModified *time.Time        `json:"source_modified,omitempty" db:"source_modified"`
	Status         StagedStatus      `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// Severity classifies a validation rule outcome.
type Severity string

// Violation severities. Only error blocks promotion.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ViolationStatus is the remediation state of a violation.
type ViolationStatus string

// Violation states.
const (
	ViolationOpen       ViolationStatus = "open"
	ViolationFixed      ViolationStatus = "fixed"
	ViolationSuppressed ViolationStatus = "suppressed"
)

// Violation is one rule failure against one staged record.
type Violation struct {
	ID            int64             `json:"id" db:"id"`
	RunID         string            `json:"run_id" db:"run_id"`
	StagedID      int64             `json:"staged_id" db:"staged_id"`
	RuleCode      string            `json:"rule_code" db:"rule_code"`
	Severity      Severity          `json:"severity" db:"severity"`
	Detail        string            `json:"detail" db:"detail"`
	Status        ViolationStatus   `json:"status" db:"status"`
	EditedPayload map[string]string `json:"edited_payload,omitempty" db:"edited_payload"`
	Notes         string            `json:"notes,omitempty" db:"notes"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
}

// CleanRecord is a validated, checksummed snapshot of a staged record.
// Immutable once created; one per (run, staged record).
type CleanRecord struct {
	ID             int64             `json:"id" db:"id"`
	RunID          string            `json:"run_id" db:"run_id"`
	StagedID       int64             `json:"staged_id" db:"staged_id"`
	Seq            int64             `json:"seq" db:"seq"`
	ExternalSystem string            `json:"external_system" db:"external_system"`
	ExternalID     string            `json:"external_id" db:"external_id"`
	Payload        map[string]string `json:"payload" db:"payload"`
	Checksum       string            `json:"checksum" db:"checksum"` // content hash of canonical fields only
	SourceModified *time.Time        `json:"source_modified,omitempty" db:"source_modified"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
