package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/db"
	"github.com/sells-group/ingest-cli/internal/model"
)

var stagedCopyColumns = []string{
	"run_id", "seq", "external_system", "external_id", "raw", "normalized",
	"unmapped", "checksum", "source_modified", "status",
}

// InsertStagedRecords bulk-loads staged rows with COPY. Duplicate (run, seq)
// pairs from a replayed page are tolerated by routing through a temp table.
func (s *PostgresStore) InsertStagedRecords(ctx context.Context, records []model.StagedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		normalizedJSON, err := json.Marshal(r.Normalized)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal normalized")
		}
		var unmappedJSON []byte
		if len(r.Unmapped) > 0 {
			unmappedJSON, err = json.Marshal(r.Unmapped)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal unmapped")
			}
		}
		// Rows land by default, but remediation requeues corrected rows
		// already validated.
		status := r.Status
		if status == "" {
			status = model.StagedLanded
		}
		rows = append(rows, []any{
			r.RunID, r.Seq, r.ExternalSystem, r.ExternalID, r.Raw, normalizedJSON,
			unmappedJSON, r.Checksum, r.SourceModified, string(status),
		})
	}

	return db.BulkInsertSkipConflicts(ctx, s.pool, db.UpsertConfig{
		Table:        "ingest.staged_records",
		Columns:      stagedCopyColumns,
		ConflictKeys: []string{"run_id", "seq"},
	}, rows)
}

const stagedColumns = `id, run_id, seq, external_system, external_id, raw, normalized,
	unmapped, checksum, source_modified, status, created_at`

func (s *PostgresStore) ListStagedPage(ctx context.Context, runID string, status model.StagedStatus, afterSeq int64, limit int) ([]model.StagedRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stagedColumns+` FROM ingest.staged_records
		 WHERE run_id = $1 AND status = $2 AND seq > $3
		 ORDER BY seq LIMIT $4`,
		runID, string(status), afterSeq, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list staged page")
	}
	defer rows.Close()

	var records []model.StagedRecord
	for rows.Next() {
		r, err := scanStaged(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan staged record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list staged iterate")
}

func (s *PostgresStore) GetStagedRecord(ctx context.Context, id int64) (*model.StagedRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stagedColumns+` FROM ingest.staged_records WHERE id = $1`, id)
	r, err := scanStaged(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get staged record %d", id)
	}
	return r, nil
}

func (s *PostgresStore) UpdateStagedStatus(ctx context.Context, ids []int64, status model.StagedStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest.staged_records SET status = $1 WHERE id = ANY($2)`,
		string(status), ids,
	)
	return eris.Wrap(err, "postgres: update staged status")
}

func (s *PostgresStore) MaxStagedSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM ingest.staged_records WHERE run_id = $1`,
		runID,
	).Scan(&seq)
	return seq, eris.Wrap(err, "postgres: max staged seq")
}

func scanStaged(row pgx.Row) (*model.StagedRecord, error) {
	var r model.StagedRecord
	var normalizedJSON, unmappedJSON []byte

	if err := row.Scan(
		&r.ID, &r.RunID, &r.Seq, &r.ExternalSystem, &r.ExternalID, &r.Raw, &normalizedJSON,
		&unmappedJSON, &r.Checksum, &r.SourceModified, &r.Status, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(normalizedJSON, &r.Normalized); err != nil {
		return nil, eris.Wrap(err, "unmarshal normalized")
	}
	if len(unmappedJSON) > 0 {
		if err := json.Unmarshal(unmappedJSON, &r.Unmapped); err != nil {
			return nil, eris.Wrap(err, "unmarshal unmapped")
		}
	}
	return &r, nil
}

func (s *PostgresStore) InsertViolations(ctx context.Context, violations []model.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, []any{
			v.RunID, v.StagedID, v.RuleCode, string(v.Severity), v.Detail, string(model.ViolationOpen),
		})
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "ingest", "violations",
		[]string{"run_id", "staged_id", "rule_code", "severity", "detail", "status"},
		rows,
	)
	return eris.Wrap(err, "postgres: insert violations")
}

const violationColumns = `id, run_id, staged_id, rule_code, severity, detail, status,
	edited_payload, notes, created_at, resolved_at`

func (s *PostgresStore) ListViolations(ctx context.Context, filter ViolationFilter) ([]model.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM ingest.violations WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(` AND severity = $%d`, argIdx)
		args = append(args, string(filter.Severity))
		argIdx++
	}
	if filter.RuleCode != "" {
		query += fmt.Sprintf(` AND rule_code = $%d`, argIdx)
		args = append(args, filter.RuleCode)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list violations")
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan violation")
		}
		violations = append(violations, *v)
	}
	return violations, eris.Wrap(rows.Err(), "postgres: list violations iterate")
}

func (s *PostgresStore) GetViolation(ctx context.Context, id int64) (*model.Violation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+violationColumns+` FROM ingest.violations WHERE id = $1`, id)
	v, err := scanViolation(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get violation %d", id)
	}
	return v, nil
}

func (s *PostgresStore) ResolveViolation(ctx context.Context, id int64, status model.ViolationStatus, edited map[string]string, notes string) error {
	var editedJSON []byte
	if len(edited) > 0 {
		var err error
		editedJSON, err = json.Marshal(edited)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal edited payload")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.violations
		 SET status = $1, edited_payload = $2, notes = $3, resolved_at = $4
		 WHERE id = $5 AND status = $6`,
		string(status), editedJSON, notes, time.Now().UTC(), id, string(model.ViolationOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve violation %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("violation not open: %d", id)
	}
	return nil
}

func (s *PostgresStore) OpenViolationCount(ctx context.Context, stagedID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest.violations
		 WHERE staged_id = $1 AND status = $2 AND severity = $3`,
		stagedID, string(model.ViolationOpen), string(model.SeverityError),
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: open violation count")
}

func scanViolation(row pgx.Row) (*model.Violation, error) {
	var v model.Violation
	var editedJSON []byte

	if err := row.Scan(
		&v.ID, &v.RunID, &v.StagedID, &v.RuleCode, &v.Severity, &v.Detail, &v.Status,
		&editedJSON, &v.Notes, &v.CreatedAt, &v.ResolvedAt,
	); err != nil {
		return nil, err
	}
	if len(editedJSON) > 0 {
		if err := json.Unmarshal(editedJSON, &v.EditedPayload); err != nil {
			return nil, eris.Wrap(err, "unmarshal edited payload")
		}
	}
	return &v, nil
}

var cleanCopyColumns = []string{
	"run_id", "staged_id", "seq", "external_system", "external_id",
	"payload", "checksum", "source_modified",
}

// InsertCleanRecords promotes validated rows. Idempotent on (run, staged id),
// so a re-promotion after partial failure never duplicates.
func (s *PostgresStore) InsertCleanRecords(ctx context.Context, records []model.CleanRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		payloadJSON, err := json.Marshal(r.Payload)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal clean payload")
		}
		rows = append(rows, []any{
			r.RunID, r.StagedID, r.Seq, r.ExternalSystem, r.ExternalID,
			payloadJSON, r.Checksum, r.SourceModified,
		})
	}

	return db.BulkInsertSkipConflicts(ctx, s.pool, db.UpsertConfig{
		Table:        "ingest.clean_records",
		Columns:      cleanCopyColumns,
		ConflictKeys: []string{"run_id", "staged_id"},
	}, rows)
}

const cleanColumns = `id, run_id, staged_id, seq, external_system, external_id,
	payload, checksum, source_modified, created_at`

func (s *PostgresStore) ListCleanPage(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.CleanRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+cleanColumns+` FROM ingest.clean_records
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq LIMIT $3`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clean page")
	}
	defer rows.Close()

	var records []model.CleanRecord
	for rows.Next() {
		r, err := scanClean(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan clean record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list clean iterate")
}

func (s *PostgresStore) GetCleanRecord(ctx context.Context, id int64) (*model.CleanRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cleanColumns+` FROM ingest.clean_records WHERE id = $1`, id)
	r, err := scanClean(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get clean record %d", id)
	}
	return r, nil
}

func scanClean(row pgx.Row) (*model.CleanRecord, error) {
	var r model.CleanRecord
	var payloadJSON []byte

	if err := row.Scan(
		&r.ID, &r.RunID, &r.StagedID, &r.Seq, &r.ExternalSystem, &r.ExternalID,
		&payloadJSON, &r.Checksum, &r.SourceModified, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return nil, eris.Wrap(err, "unmarshal clean payload")
	}
	return &r, nil
}
