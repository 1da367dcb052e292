package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/db"
	"github.com/sells-group/ingest-cli/internal/model"
)

// ApplyMerge executes a merge atomically: the survivor is rewritten, the
// absorbed contact is tombstoned with merged_into, identity mappings move to
// the survivor, and the merge record plus field changes land in the same
// transaction.
func (s *PostgresStore) ApplyMerge(ctx context.Context, rec *model.MergeRecord, survivor *model.Contact, changes []model.FieldChange) error {
	mappingsJSON, err := json.Marshal(rec.AbsorbedMappings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal absorbed mappings")
	}

	return s.WithTx(ctx, func(tx Store) error {
		txs := tx.(*PostgresStore)

		err := txs.pool.QueryRow(ctx,
			`INSERT INTO ingest.merge_records
			 (run_id, candidate_id, survivor_id, absorbed_id, survivor_before, absorbed_before,
			  survivor_after, decisions, absorbed_mappings, undo_available, merged_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10)
			 RETURNING id, created_at`,
			rec.RunID, rec.CandidateID, rec.SurvivorID, rec.AbsorbedID, rec.SurvivorBefore,
			rec.AbsorbedBefore, rec.SurvivorAfter, rec.Decisions, mappingsJSON, rec.MergedBy,
		).Scan(&rec.ID, &rec.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: insert merge record")
		}
		rec.UndoAvailable = true

		if err := txs.SaveContact(ctx, survivor); err != nil {
			return err
		}

		tag, err := txs.pool.Exec(ctx,
			`UPDATE ingest.contacts SET merged_into = $1, updated_at = now()
			 WHERE id = $2 AND merged_into IS NULL`,
			rec.SurvivorID, rec.AbsorbedID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: tombstone contact %d", rec.AbsorbedID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("contact already merged: %d", rec.AbsorbedID)
		}

		_, err = txs.pool.Exec(ctx,
			`UPDATE ingest.identity_map SET canonical_id = $1, last_run_id = $2
			 WHERE canonical_id = $3`,
			rec.SurvivorID, rec.RunID, rec.AbsorbedID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: reassign identity mappings")
		}

		return txs.InsertFieldChanges(ctx, changes)
	})
}

// UndoMerge reverses a merge atomically: both contacts are restored from
// their snapshots, identity mappings move back, and the merge record is
// marked undone.
func (s *PostgresStore) UndoMerge(ctx context.Context, rec *model.MergeRecord, survivor, absorbed *model.Contact, changes []model.FieldChange) error {
	return s.WithTx(ctx, func(tx Store) error {
		txs := tx.(*PostgresStore)

		tag, err := txs.pool.Exec(ctx,
			`UPDATE ingest.merge_records SET undo_available = false, undone_at = now()
			 WHERE id = $1 AND undo_available AND undone_at IS NULL`,
			rec.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark merge undone %d", rec.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("merge not undoable: %d", rec.ID)
		}

		// Clear the tombstone before restoring so the absorbed snapshot's
		// child rows can be written back.
		if _, err := txs.pool.Exec(ctx,
			`UPDATE ingest.contacts SET merged_into = NULL, updated_at = now() WHERE id = $1`,
			rec.AbsorbedID,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear tombstone %d", rec.AbsorbedID)
		}

		if err := txs.SaveContact(ctx, survivor); err != nil {
			return err
		}
		if err := txs.SaveContact(ctx, absorbed); err != nil {
			return err
		}

		// Only the mappings the merge moved go back; mappings that always
		// belonged to the survivor stay put.
		for _, ref := range rec.AbsorbedMappings {
			if _, err := txs.pool.Exec(ctx,
				`UPDATE ingest.identity_map SET canonical_id = $1
				 WHERE external_system = $2 AND external_id = $3 AND canonical_id = $4`,
				rec.AbsorbedID, ref.ExternalSystem, ref.ExternalID, rec.SurvivorID,
			); err != nil {
				return eris.Wrap(err, "postgres: restore identity mapping")
			}
		}

		return txs.InsertFieldChanges(ctx, changes)
	})
}

const mergeColumns = `id, run_id, candidate_id, survivor_id, absorbed_id, survivor_before,
	absorbed_before, survivor_after, decisions, absorbed_mappings, undo_available, undone_at,
	merged_by, created_at`

func (s *PostgresStore) GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mergeColumns+` FROM ingest.merge_records WHERE id = $1`, id)
	rec, err := scanMergeRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get merge record %d", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListMergesForContact(ctx context.Context, contactID int64) ([]model.MergeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mergeColumns+` FROM ingest.merge_records
		 WHERE survivor_id = $1 OR absorbed_id = $1
		 ORDER BY created_at DESC`, contactID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merges")
	}
	defer rows.Close()

	var recs []model.MergeRecord
	for rows.Next() {
		rec, err := scanMergeRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list merges iterate")
}

func scanMergeRecord(row pgx.Row) (*model.MergeRecord, error) {
	var rec model.MergeRecord
	var mappingsJSON []byte

	if err := row.Scan(&rec.ID, &rec.RunID, &rec.CandidateID, &rec.SurvivorID, &rec.AbsorbedID,
		&rec.SurvivorBefore, &rec.AbsorbedBefore, &rec.SurvivorAfter, &rec.Decisions, &mappingsJSON,
		&rec.UndoAvailable, &rec.UndoneAt, &rec.MergedBy, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if len(mappingsJSON) > 0 {
		if err := json.Unmarshal(mappingsJSON, &rec.AbsorbedMappings); err != nil {
			return nil, eris.Wrap(err, "unmarshal absorbed mappings")
		}
	}
	return &rec, nil
}

// ContactChangedSince reports whether a contact has field changes recorded
// after the given instant. Undo uses it to detect later runs building on the
// merged state.
func (s *PostgresStore) ContactChangedSince(ctx context.Context, contactID int64, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ingest.field_changes WHERE contact_id = $1 AND created_at > $2
		)`,
		contactID, since,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: contact changed since")
}

func (s *PostgresStore) InsertFieldChanges(ctx context.Context, changes []model.FieldChange) error {
	if len(changes) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(changes))
	for _, ch := range changes {
		rows = append(rows, []any{
			ch.ContactID, ch.RunID, ch.Field, ch.Before, ch.After, string(ch.Cause), ch.Source,
		})
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "ingest", "field_changes",
		[]string{"contact_id", "run_id", "field", "before_value", "after_value", "cause", "source"},
		rows,
	)
	return eris.Wrap(err, "postgres: insert field changes")
}

func (s *PostgresStore) ListFieldChanges(ctx context.Context, contactID int64, limit int) ([]model.FieldChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, contact_id, run_id, field, before_value, after_value, cause, source, created_at
		 FROM ingest.field_changes
		 WHERE contact_id = $1 ORDER BY created_at DESC LIMIT $2`,
		contactID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list field changes")
	}
	defer rows.Close()

	var changes []model.FieldChange
	for rows.Next() {
		var ch model.FieldChange
		if err := rows.Scan(&ch.ID, &ch.ContactID, &ch.RunID, &ch.Field, &ch.Before, &ch.After,
			&ch.Cause, &ch.Source, &ch.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field change")
		}
		changes = append(changes, ch)
	}
	return changes, eris.Wrap(rows.Err(), "postgres: list field changes iterate")
}

// CounterBaseline returns the counters of the last N successful runs for a
// source, newest first, for drift comparison.
func (s *PostgresStore) CounterBaseline(ctx context.Context, source, entityType string, lastN int) ([]model.RunCounters, error) {
	if lastN <= 0 {
		lastN = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT counters FROM ingest.runs
		 WHERE source = $1 AND entity_type = $2 AND status = $3 AND dry_run = false
		 ORDER BY finished_at DESC NULLS LAST LIMIT $4`,
		source, entityType, string(model.RunStatusSucceeded), lastN,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: counter baseline")
	}
	defer rows.Close()

	var baseline []model.RunCounters
	for rows.Next() {
		var countersJSON []byte
		if err := rows.Scan(&countersJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan baseline counters")
		}
		var c model.RunCounters
		if err := json.Unmarshal(countersJSON, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal baseline counters")
		}
		baseline = append(baseline, c)
	}
	return baseline, eris.Wrap(rows.Err(), "postgres: counter baseline iterate")
}

func (s *PostgresStore) InsertAnomalyFlags(ctx context.Context, flags []model.AnomalyFlag) error {
	if len(flags) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(flags))
	for _, f := range flags {
		rows = append(rows, []any{
			f.RunID, string(f.Kind), f.Metric, f.Observed, f.Expected, f.Sigma, f.Detail,
		})
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "ingest", "anomaly_flags",
		[]string{"run_id", "kind", "metric", "observed", "expected", "sigma", "detail"},
		rows,
	)
	return eris.Wrap(err, "postgres: insert anomaly flags")
}

func (s *PostgresStore) ListAnomalyFlags(ctx context.Context, runID string) ([]model.AnomalyFlag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, kind, metric, observed, expected, sigma, detail, created_at
		 FROM ingest.anomaly_flags WHERE run_id = $1 ORDER BY id`, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomaly flags")
	}
	defer rows.Close()

	var flags []model.AnomalyFlag
	for rows.Next() {
		var f model.AnomalyFlag
		if err := rows.Scan(&f.ID, &f.RunID, &f.Kind, &f.Metric, &f.Observed, &f.Expected,
			&f.Sigma, &f.Detail, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan anomaly flag")
		}
		flags = append(flags, f)
	}
	return flags, eris.Wrap(rows.Err(), "postgres: list anomaly flags iterate")
}
