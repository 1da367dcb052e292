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

func TestPostgresStore_InsertStagedRecords_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.InsertStagedRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertStagedRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_ingest_staged_records"}, stagedCopyColumns).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT .+ DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	records := []model.StagedRecord{
		{RunID: "run-1", Seq: 1, ExternalSystem: "csv_export", ExternalID: "c-1",
			Raw: []byte(`{"id":"c-1"}`), Normalized: map[string]string{"first_name": "Ada"}, Checksum: "abc"},
		{RunID: "run-1", Seq: 2, ExternalSystem: "csv_export", ExternalID: "c-2",
			Raw: []byte(`{"id":"c-2"}`), Normalized: map[string]string{"first_name": "Femi"}, Checksum: "def"},
	}
	n, err := s.InsertStagedRecords(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStagedPage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	normalized, _ := json.Marshal(map[string]string{"first_name": "Ada"})
	unmapped, _ := json.Marshal([]string{"legacy_score"})

	mock.ExpectQuery(`SELECT .+ FROM ingest.staged_records`).
		WithArgs("run-1", "landed", int64(0), 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "seq", "external_system", "external_id", "raw", "normalized",
			"unmapped", "checksum", "source_modified", "status", "created_at",
		}).AddRow(
			int64(11), "run-1", int64(1), "csv_export", "c-1", []byte(`{}`), normalized,
			unmapped, "abc", nil, model.StagedLanded, now,
		))

	records, err := s.ListStagedPage(context.Background(), "run-1", model.StagedLanded, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Ada", records[0].Normalized["first_name"])
	assert.Equal(t, []string{"legacy_score"}, records[0].Unmapped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStagedStatus_EmptyNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.UpdateStagedStatus(context.Background(), nil, model.StagedValidated)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertViolations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"ingest", "violations"},
		[]string{"run_id", "staged_id", "rule_code", "severity", "detail", "status"}).
		WillReturnResult(1)

	err := s.InsertViolations(context.Background(), []model.Violation{
		{RunID: "run-1", StagedID: 11, RuleCode: "contact_required.email_or_phone",
			Severity: model.SeverityError, Detail: "no email or phone present"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveViolation_NotOpen(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingest.violations`).
		WithArgs("fixed", pgxmock.AnyArg(), "typo corrected", pgxmock.AnyArg(), int64(5), "open").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResolveViolation(context.Background(), 5, model.ViolationFixed,
		map[string]string{"email": "ada@example.com"}, "typo corrected")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not open")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenViolationCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(int64(11), "open", "error").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.OpenViolationCount(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCleanRecords_Idempotent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_ingest_clean_records"}, cleanCopyColumns).
		WillReturnResult(1)
	// The second promotion of the same staged row inserts nothing.
	mock.ExpectExec(`ON CONFLICT .+ DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.InsertCleanRecords(context.Background(), []model.CleanRecord{
		{RunID: "run-1", StagedID: 11, Seq: 1, ExternalSystem: "csv_export", ExternalID: "c-1",
			Payload: map[string]string{"first_name": "Ada"}, Checksum: "abc"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
