package model

import "time"

// IdentityMapping bridges (entity type, external system, external id) to a
// canonical entity id. Unique on that triple; the loader must never mint a
// second canonical entity for an id already mapped.
type IdentityMapping struct {
	ID             int64     `json:"id" db:"id"`
	EntityType     string    `json:"entity_type" db:"entity_type"`
	ExternalSystem string    `json:"external_system" db:"external_system"`
	ExternalID     string    `json:"external_id" db:"external_id"`
	CanonicalID    int64     `json:"canonical_id" db:"canonical_id"`
	FirstSeenAt    time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at" db:"last_seen_at"`
	LastRunID      string    `json:"last_run_id,omitempty" db:"last_run_id"`
}

// SourceAudit is the typed extension record for source-specific audit fields
// that previously rode along as an opaque blob on the identity map. One row
// per mapping, versioned so new source fields can be added without breaking
// older readers.
type SourceAudit struct {
	MappingID      int64      `json:"mapping_id" db:"mapping_id"`
	SchemaVersion  int        `json:"schema_version" db:"schema_version"`
	SourceRecordID string     `json:"source_record_id,omitempty" db:"source_record_id"`
	SourceOwner    string     `json:"source_owner,omitempty" db:"source_owner"`
	SourceCreated  *time.Time `json:"source_created,omitempty" db:"source_created"`
	SourceModified *time.Time `json:"source_modified,omitempty" db:"source_modified"`
	ExtractNote    string     `json:"extract_note,omitempty" db:"extract_note"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// MatchType classifies how a dedupe candidate was found.
type MatchType string

// Candidate match types.
const (
	MatchDeterministicEmail MatchType = "deterministic_email"
	MatchDeterministicPhone MatchType = "deterministic_phone"
	MatchFuzzy              MatchType = "fuzzy"
)

// CandidateDecision is the review state of a dedupe candidate.
type CandidateDecision string

// Candidate decisions. Pending candidates may stay pending indefinitely;
// decisions arrive as asynchronous state transitions, never blocking calls.
const (
	DecisionPending    CandidateDecision = "pending"
	DecisionAutoMerged CandidateDecision = "auto_merged"
	DecisionAccepted   CandidateDecision = "accepted"
	DecisionRejected   CandidateDecision = "rejected"
	DecisionDeferred   CandidateDecision = "deferred"
)

// FeatureScore is one similarity feature's contribution to a candidate score.
type FeatureScore struct {
	Feature      string  `json:"feature"`
	Raw          float64 `json:"raw"` // unweighted similarity in [0,1]
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"` // raw * weight
}

// DedupeCandidate is a scored pair of an existing canonical entity and an
// incoming clean record (or another canonical entity). Persisted with its
// full feature breakdown before any merge executes.
type DedupeCandidate struct {
	ID           int64             `json:"id" db:"id"`
	RunID        string            `json:"run_id" db:"run_id"`
	CleanID      *int64            `json:"clean_id,omitempty" db:"clean_id"`
	CanonicalID  int64             `json:"canonical_id" db:"canonical_id"`
	OtherID      *int64            `json:"other_id,omitempty" db:"other_id"` // set for entity-vs-entity pairs
	Score        float64           `json:"score" db:"score"`
	Features     []FeatureScore    `json:"features" db:"features"`
	MatchType    MatchType         `json:"match_type" db:"match_type"`
	Decision     CandidateDecision `json:"decision" db:"decision"`
	DecidedBy    string            `json:"decided_by,omitempty" db:"decided_by"`
	DecisionNote string            `json:"decision_note,omitempty" db:"decision_note"`
	DecidedAt    *time.Time        `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// IdentityRef names one external identity, used to record which mappings a
// merge moved so undo can move them back.
type IdentityRef struct {
	ExternalSystem string `json:"external_system"`
	ExternalID     string `json:"external_id"`
}

// MergeRecord is an executed merge, created atomically with the canonical
// entity mutation. The before snapshots make undo possible.
type MergeRecord struct {
	ID             int64  `json:"id" db:"id"`
	RunID          string `json:"run_id,omitempty" db:"run_id"`
	CandidateID    *int64 `json:"candidate_id,omitempty" db:"candidate_id"`
	SurvivorID     int64  `json:"survivor_id" db:"survivor_id"`
	AbsorbedID     int64  `json:"absorbed_id" db:"absorbed_id"`
	SurvivorBefore []byte `json:"survivor_before" db:"survivor_before"` // JSONB Contact snapshot
	AbsorbedBefore []byte `json:"absorbed_before" db:"absorbed_before"`
	SurvivorAfter  []byte `json:"survivor_after" db:"survivor_after"`
	Decisions      []byte `json:"decisions,omitempty" db:"decisions"` // JSONB survivorship decisions
	// AbsorbedMappings lists the identity mappings moved from the absorbed
	// contact to the survivor, captured at merge time for undo.
	AbsorbedMappings []IdentityRef `json:"absorbed_mappings,omitempty" db:"absorbed_mappings"`
	UndoAvailable    bool          `json:"undo_available" db:"undo_available"`
	UndoneAt         *time.Time    `json:"undone_at,omitempty" db:"undone_at"`
	MergedBy         string        `json:"merged_by,omitempty" db:"merged_by"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// FieldChangeCause attributes a field mutation to its origin.
type FieldChangeCause string

// Field change causes.
const (
	CauseImport     FieldChangeCause = "import"
	CauseMerge      FieldChangeCause = "merge"
	CauseManualEdit FieldChangeCause = "manual_edit"
	CauseUndo       FieldChangeCause = "undo"
)

// FieldChange is one field-level mutation to a canonical entity. Append-only.
type FieldChange struct {
	ID        int64            `json:"id" db:"id"`
	ContactID int64            `json:"contact_id" db:"contact_id"`
	RunID     string           `json:"run_id,omitempty" db:"run_id"`
	Field     string           `json:"field" db:"field"`
	Before    string           `json:"before,omitempty" db:"before"`
	After     string           `json:"after,omitempty" db:"after"`
	Cause     FieldChangeCause `json:"cause" db:"cause"`
	Source    string           `json:"source,omitempty" db:"source"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
