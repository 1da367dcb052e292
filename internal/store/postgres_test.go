package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// anyArgs returns n pgxmock.AnyArg matchers, for expectations where only the
// statement and its argument count matter.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO ingest.runs`).
		WithArgs(pgxmock.AnyArg(), "salesforce", "contact", "pending", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "salesforce", "contact", model.RunParams{PageSize: 200}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Equal(t, 200, run.Params.PageSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	counters, _ := json.Marshal(model.RunCounters{Extracted: 42, Created: 7})
	params, _ := json.Marshal(model.RunParams{Full: true})

	mock.ExpectQuery(`SELECT .+ FROM ingest.runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source", "entity_type", "status", "dry_run", "params", "watermark_used",
			"counters", "error_summary", "stage_digests", "heartbeat_at", "started_at", "finished_at",
			"created_at", "updated_at",
		}).AddRow(
			"run-1", "csv_export", "contact", model.RunStatusSucceeded, false, params, nil,
			counters, "", nil, nil, nil, nil,
			now, now,
		))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "csv_export", run.Source)
	assert.Equal(t, int64(42), run.Counters.Extracted)
	assert.True(t, run.Params.Full)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM ingest.runs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkRunRunning_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingest.runs`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkRunRunning(context.Background(), "run-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_RejectsNonTerminal(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.FinishRun(context.Background(), "run-1", model.RunStatusRunning, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingest.runs`).
		WithArgs("partially_failed", "2 pages failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	digests := []model.StageDigest{{Stage: "extract", Rows: 100}}
	err := s.FinishRun(context.Background(), "run-1", model.RunStatusPartiallyFailed, "2 pages failed", digests)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SweepStaleRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingest.runs`).
		WithArgs("failed", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.SweepStaleRuns(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveRunExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("salesforce", "contact", "pending", "running").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.ActiveRunExists(context.Background(), "salesforce", "contact")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetWatermark_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT source, entity_type, modified_at, run_id, updated_at`).
		WithArgs("csv_export", "contact").
		WillReturnError(pgx.ErrNoRows)

	wm, err := s.GetWatermark(context.Background(), "csv_export", "contact")
	require.NoError(t, err)
	assert.Nil(t, wm)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceWatermark(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	modified := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO ingest.watermarks`).
		WithArgs("csv_export", "contact", &modified, "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AdvanceWatermark(context.Background(), model.Watermark{
		Source:     "csv_export",
		EntityType: "contact",
		ModifiedAt: &modified,
		RunID:      "run-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ingest.runs SET heartbeat_at`).
		WithArgs(pgxmock.AnyArg(), "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx Store) error {
		return tx.Heartbeat(context.Background(), "run-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := assert.AnError
	err := s.WithTx(context.Background(), func(tx Store) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireEntityLock_RequiresTx(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.AcquireEntityLock(context.Background(), "contact")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a transaction")
}
