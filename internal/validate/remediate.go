package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// RemediationOutcome reports what an edit-and-requeue attempt produced.
type RemediationOutcome struct {
	// OK is true when the edited payload passed the full rule set and a
	// corrected staged row was queued.
	OK bool
	// Findings holds every rule failure against the edited payload,
	// including non-blocking warnings on success.
	Findings []Finding
	// NewSeq is the sequence of the requeued staged row; zero when not OK.
	NewSeq int64
	// OpenErrors counts error-severity violations still open against the
	// original staged row after this one was resolved. The corrected row
	// must not reach the canonical store until they are all cleared.
	OpenErrors int
}

// Remediate applies an operator edit to a quarantined row. The edited fields
// overlay the original normalized payload and the FULL rule set runs again.
// On success the violation is marked fixed and a corrected staged row is
// appended to the run; the original row keeps its quarantined status so the
// audit trail stays intact. On failure nothing changes and the findings come
// back for another edit.
func Remediate(ctx context.Context, st store.Store, eng *Engine, violationID int64, edited map[string]string, notes string) (*RemediationOutcome, error) {
	v, err := st.GetViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}
	staged, err := st.GetStagedRecord(ctx, v.StagedID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(staged.Normalized)+len(edited))
	for k, val := range staged.Normalized {
		merged[k] = val
	}
	for k, val := range edited {
		if val == "" {
			delete(merged, k)
			continue
		}
		merged[k] = val
	}

	findings, err := eng.Evaluate(ctx, merged)
	if err != nil {
		return nil, err
	}
	out := &RemediationOutcome{Findings: findings}
	for _, f := range findings {
		if f.Severity == model.SeverityError {
			return out, nil
		}
	}
	out.OK = true

	if err := st.ResolveViolation(ctx, violationID, model.ViolationFixed, edited, notes); err != nil {
		return nil, err
	}

	out.OpenErrors, err = st.OpenViolationCount(ctx, staged.ID)
	if err != nil {
		return nil, eris.Wrap(err, "validate: count open violations")
	}

	maxSeq, err := st.MaxStagedSeq(ctx, staged.RunID)
	if err != nil {
		return nil, eris.Wrap(err, "validate: read max seq")
	}
	out.NewSeq = maxSeq + 1

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, eris.Wrap(err, "validate: marshal edited payload")
	}
	sum := sha256.Sum256(mergedJSON)

	_, err = st.InsertStagedRecords(ctx, []model.StagedRecord{{
		RunID:          staged.RunID,
		Seq:            out.NewSeq,
		ExternalSystem: staged.ExternalSystem,
		ExternalID:     staged.ExternalID,
		Raw:            staged.Raw,
		Normalized:     merged,
		Unmapped:       staged.Unmapped,
		Checksum:       hex.EncodeToString(sum[:]),
		SourceModified: staged.SourceModified,
		Status:         model.StagedValidated,
	}})
	if err != nil {
		return nil, eris.Wrap(err, "validate: requeue corrected row")
	}

	zap.L().Info("violation remediated",
		zap.String("component", "validate"),
		zap.Int64("violation_id", violationID),
		zap.Int64("staged_id", staged.ID),
		zap.Int64("new_seq", out.NewSeq))
	return out, nil
}
