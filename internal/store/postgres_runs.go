package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

const runColumns = `id, source, entity_type, status, dry_run, params, watermark_used,
	counters, error_summary, stage_digests, heartbeat_at, started_at, finished_at,
	created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, source, entityType string, params model.RunParams, dryRun bool) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal run params")
	}
	countersJSON, err := json.Marshal(model.RunCounters{})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal counters")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest.runs (id, source, entity_type, status, dry_run, params, counters, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, source, entityType, string(model.RunStatusPending), dryRun, paramsJSON, countersJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:         id,
		Source:     source,
		EntityType: entityType,
		Status:     model.RunStatusPending,
		DryRun:     dryRun,
		Params:     params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingest.runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM ingest.runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.EntityType != "" {
		query += fmt.Sprintf(` AND entity_type = $%d`, argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, runID string, watermarkUsed *time.Time) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.runs
		 SET status = $1, watermark_used = $2, started_at = $3, heartbeat_at = $3, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.RunStatusRunning), watermarkUsed, now, runID, string(model.RunStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run running %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not pending: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errorSummary string, digests []model.StageDigest) error {
	if !status.IsTerminal() {
		return eris.Errorf("postgres: finish run with non-terminal status %s", status)
	}

	var digestsJSON []byte
	if len(digests) > 0 {
		var err error
		digestsJSON, err = json.Marshal(digests)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage digests")
		}
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.runs
		 SET status = $1, error_summary = $2, stage_digests = $3, finished_at = $4, updated_at = $4
		 WHERE id = $5`,
		string(status), errorSummary, digestsJSON, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.runs SET counters = $1, updated_at = $2 WHERE id = $3`,
		countersJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update counters %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest.runs SET heartbeat_at = $1 WHERE id = $2 AND status = $3`,
		time.Now().UTC(), runID, string(model.RunStatusRunning),
	)
	return eris.Wrapf(err, "postgres: heartbeat %s", runID)
}

// SweepStaleRuns fails running runs whose heartbeat is older than olderThan.
// Covers operator kills and crashed workers that never reached FinishRun.
func (s *PostgresStore) SweepStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.runs
		 SET status = $1, error_summary = 'run abandoned: heartbeat expired', finished_at = now(), updated_at = now()
		 WHERE status = $2 AND heartbeat_at < $3`,
		string(model.RunStatusFailed), string(model.RunStatusRunning), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: sweep stale runs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ActiveRunExists(ctx context.Context, source, entityType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ingest.runs
			WHERE source = $1 AND entity_type = $2 AND status IN ($3, $4)
		)`,
		source, entityType, string(model.RunStatusPending), string(model.RunStatusRunning),
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: active run exists")
}

func (s *PostgresStore) GetWatermark(ctx context.Context, source, entityType string) (*model.Watermark, error) {
	var wm model.Watermark
	err := s.pool.QueryRow(ctx,
		`SELECT source, entity_type, modified_at, run_id, updated_at
		 FROM ingest.watermarks WHERE source = $1 AND entity_type = $2`,
		source, entityType,
	).Scan(&wm.Source, &wm.EntityType, &wm.ModifiedAt, &wm.RunID, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get watermark")
	}
	return &wm, nil
}

// AdvanceWatermark moves the watermark forward, never backward. A no-op when
// the stored timestamp is already at or past the new one, so replayed or
// overlapping runs cannot regress incremental bounds.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, wm model.Watermark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest.watermarks (source, entity_type, modified_at, run_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (source, entity_type) DO UPDATE
		 SET modified_at = EXCLUDED.modified_at, run_id = EXCLUDED.run_id, updated_at = now()
		 WHERE ingest.watermarks.modified_at IS NULL
		    OR ingest.watermarks.modified_at < EXCLUDED.modified_at`,
		wm.Source, wm.EntityType, wm.ModifiedAt, wm.RunID,
	)
	return eris.Wrap(err, "postgres: advance watermark")
}

// scanRun works for both QueryRow and Query results.
func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var paramsJSON, countersJSON, digestsJSON []byte

	if err := row.Scan(
		&r.ID, &r.Source, &r.EntityType, &r.Status, &r.DryRun, &paramsJSON, &r.WatermarkUsed,
		&countersJSON, &r.ErrorSummary, &digestsJSON, &r.HeartbeatAt, &r.StartedAt, &r.FinishedAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(paramsJSON, &r.Params); err != nil {
		return nil, eris.Wrap(err, "unmarshal params")
	}
	if err := json.Unmarshal(countersJSON, &r.Counters); err != nil {
		return nil, eris.Wrap(err, "unmarshal counters")
	}
	if len(digestsJSON) > 0 {
		if err := json.Unmarshal(digestsJSON, &r.StageDigests); err != nil {
			return nil, eris.Wrap(err, "unmarshal stage digests")
		}
	}
	return &r, nil
}
