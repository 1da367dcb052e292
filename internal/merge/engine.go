// Package merge executes and reverses contact merges. A merge is one
// atomic transaction: survivorship applied to the survivor, the absorbed
// contact tombstoned, identity mappings unified, and a merge record with
// full before/after snapshots written for undo.
package merge

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/survivor"
)

// ErrSurvivorChanged reports that a later run touched the surviving contact
// after the merge, so an undo would clobber newer data.
var ErrSurvivorChanged = eris.New("merge: survivor changed since merge, undo requires force")

// Engine performs merges against the canonical store.
type Engine struct {
	store  store.Store
	policy *survivor.Policy
	log    *zap.Logger
}

// NewEngine builds a merge engine.
func NewEngine(st store.Store, policy *survivor.Policy) *Engine {
	return &Engine{
		store:  st,
		policy: policy,
		log:    zap.L().With(zap.String("component", "merge")),
	}
}

// Merge folds absorbedID into survivorID. candidateID links the merge to
// the dedupe candidate that proposed it, when there is one.
func (e *Engine) Merge(ctx context.Context, runID string, candidateID *int64, survivorID, absorbedID int64, mergedBy string) (*model.MergeRecord, error) {
	return e.merge(ctx, e.store, runID, candidateID, survivorID, absorbedID, mergedBy)
}

func (e *Engine) merge(ctx context.Context, st store.Store, runID string, candidateID *int64, survivorID, absorbedID int64, mergedBy string) (*model.MergeRecord, error) {
	if survivorID == absorbedID {
		return nil, eris.New("merge: survivor and absorbed are the same contact")
	}

	surv, err := st.GetContact(ctx, survivorID)
	if err != nil {
		return nil, err
	}
	if surv == nil {
		return nil, eris.Errorf("merge: survivor %d not found", survivorID)
	}
	if surv.MergedInto != nil {
		return nil, eris.Errorf("merge: survivor %d is itself merged", survivorID)
	}

	abs, err := st.GetContact(ctx, absorbedID)
	if err != nil {
		return nil, err
	}
	if abs == nil {
		return nil, eris.Errorf("merge: absorbed %d not found", absorbedID)
	}
	if abs.MergedInto != nil {
		return nil, eris.Errorf("merge: contact %d already merged", absorbedID)
	}

	survivorBefore, err := json.Marshal(surv)
	if err != nil {
		return nil, eris.Wrap(err, "merge: snapshot survivor")
	}
	absorbedBefore, err := json.Marshal(abs)
	if err != nil {
		return nil, eris.Wrap(err, "merge: snapshot absorbed")
	}

	changes, decisions := e.policy.MergeContacts(surv, abs, runID)

	survivorAfter, err := json.Marshal(surv)
	if err != nil {
		return nil, eris.Wrap(err, "merge: snapshot outcome")
	}
	decisionsJSON, err := json.Marshal(decisions)
	if err != nil {
		return nil, eris.Wrap(err, "merge: marshal decisions")
	}

	// Captured before the transaction moves them, so undo knows exactly
	// which mappings belonged to the absorbed contact.
	absorbedRefs, err := st.ListIdentityRefs(ctx, absorbedID)
	if err != nil {
		return nil, err
	}

	rec := &model.MergeRecord{
		RunID:            runID,
		CandidateID:      candidateID,
		SurvivorID:       survivorID,
		AbsorbedID:       absorbedID,
		SurvivorBefore:   survivorBefore,
		AbsorbedBefore:   absorbedBefore,
		SurvivorAfter:    survivorAfter,
		Decisions:        decisionsJSON,
		AbsorbedMappings: absorbedRefs,
		MergedBy:         mergedBy,
	}

	if err := st.ApplyMerge(ctx, rec, surv, changes); err != nil {
		return nil, err
	}

	e.log.Info("contacts merged",
		zap.Int64("survivor_id", survivorID),
		zap.Int64("absorbed_id", absorbedID),
		zap.Int64("merge_id", rec.ID),
		zap.Int("field_changes", len(changes)))
	return rec, nil
}

// AcceptCandidate marks a pending review candidate accepted and executes
// the merge it proposed. The decision and the merge commit together; a
// merge failure rolls the decision back so the candidate stays pending.
func (e *Engine) AcceptCandidate(ctx context.Context, candidateID int64, decidedBy, note string) (*model.MergeRecord, error) {
	c, err := e.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.OtherID == nil {
		return nil, eris.Errorf("merge: candidate %d has no merge target", candidateID)
	}

	var rec *model.MergeRecord
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DecideCandidate(ctx, candidateID, model.DecisionAccepted, decidedBy, note); err != nil {
			return err
		}
		rec, err = e.merge(ctx, tx, c.RunID, &c.ID, c.CanonicalID, *c.OtherID, decidedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Undo reverses a merge from its snapshots. Without force it refuses when
// any later run or edit touched the surviving contact, because the restore
// would silently discard that newer data.
func (e *Engine) Undo(ctx context.Context, mergeID int64, force bool) error {
	rec, err := e.store.GetMergeRecord(ctx, mergeID)
	if err != nil {
		return err
	}
	if rec == nil {
		return eris.Errorf("merge: record %d not found", mergeID)
	}
	if !rec.UndoAvailable {
		return eris.Errorf("merge: record %d is not undoable", mergeID)
	}

	if !force {
		changed, err := e.store.ContactChangedSince(ctx, rec.SurvivorID, rec.CreatedAt)
		if err != nil {
			return err
		}
		if changed {
			return ErrSurvivorChanged
		}
	}

	var surv, abs model.Contact
	if err := json.Unmarshal(rec.SurvivorBefore, &surv); err != nil {
		return eris.Wrap(err, "merge: decode survivor snapshot")
	}
	if err := json.Unmarshal(rec.AbsorbedBefore, &abs); err != nil {
		return eris.Wrap(err, "merge: decode absorbed snapshot")
	}

	changes, err := e.undoChanges(ctx, rec, &surv)
	if err != nil {
		return err
	}

	if err := e.store.UndoMerge(ctx, rec, &surv, &abs, changes); err != nil {
		return err
	}

	e.log.Info("merge undone",
		zap.Int64("merge_id", mergeID),
		zap.Int64("survivor_id", rec.SurvivorID),
		zap.Int64("absorbed_id", rec.AbsorbedID),
		zap.Bool("forced", force))
	return nil
}

// undoChanges diffs the current survivor against its restored snapshot so
// the audit trail records what the undo put back.
func (e *Engine) undoChanges(ctx context.Context, rec *model.MergeRecord, restored *model.Contact) ([]model.FieldChange, error) {
	current, err := e.store.GetContact(ctx, rec.SurvivorID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, eris.Errorf("merge: survivor %d not found", rec.SurvivorID)
	}

	var changes []model.FieldChange
	for _, field := range []string{
		model.FieldFirstName, model.FieldLastName, model.FieldFullName,
		model.FieldBirthDate, model.FieldEmployer, model.FieldTitle,
	} {
		before := fieldValue(current, field)
		after := fieldValue(restored, field)
		if before != after {
			changes = append(changes, model.FieldChange{
				ContactID: rec.SurvivorID, Field: field,
				Before: before, After: after, Cause: model.CauseUndo,
			})
		}
	}
	return changes, nil
}

func fieldValue(c *model.Contact, field string) string {
	switch field {
	case model.FieldFirstName:
		return c.FirstName
	case model.FieldLastName:
		return c.LastName
	case model.FieldFullName:
		return c.FullName
	case model.FieldBirthDate:
		if c.BirthDate == nil {
			return ""
		}
		return c.BirthDate.Format("2006-01-02")
	case model.FieldEmployer:
		return c.Employer
	case model.FieldTitle:
		return c.Title
	}
	return ""
}
