package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rs, err := LoadRules(writeRules(t, contactRules))
	require.NoError(t, err)
	return NewEngine(rs, LookupFunc(func(_ context.Context, ref, value string) (bool, error) {
		return ref == "employers" && value == "emp-1", nil
	}))
}

func TestEngine_Evaluate(t *testing.T) {
	eng := testEngine(t)

	tests := []struct {
		name    string
		payload map[string]string
		codes   []string
	}{
		{
			name: "clean record",
			payload: map[string]string{
				"last_name": "Lovelace", "email": "ada@example.com",
				"birth_date": "1985-12-10", "state": "CA", "employer_id": "emp-1",
			},
			codes: nil,
		},
		{
			name:    "missing everything",
			payload: map[string]string{},
			codes:   []string{"contact_required.last_name", "contact_required.handle"},
		},
		{
			name: "bad email format",
			payload: map[string]string{
				"last_name": "Lovelace", "email": "not-an-email",
			},
			codes: []string{"format.email"},
		},
		{
			name: "future birth date",
			payload: map[string]string{
				"last_name": "Lovelace", "phone": "+14155550100", "birth_date": "2999-01-01",
			},
			codes: []string{"cross_field.birth_not_future"},
		},
		{
			name: "ancient birth date warns",
			payload: map[string]string{
				"last_name": "Lovelace", "phone": "+14155550100", "birth_date": "1815-12-10",
			},
			codes: []string{"range.birth_date"},
		},
		{
			name: "unknown state warns",
			payload: map[string]string{
				"last_name": "Lovelace", "email": "ada@example.com", "state": "ZZ",
			},
			codes: []string{"reference.state"},
		},
		{
			name: "unknown employer via lookup",
			payload: map[string]string{
				"last_name": "Lovelace", "email": "ada@example.com", "employer_id": "emp-404",
			},
			codes: []string{"reference.employer"},
		},
		{
			name: "all failures reported, not just the first",
			payload: map[string]string{
				"email": "bad", "birth_date": "2999-01-01",
			},
			codes: []string{
				"contact_required.last_name", "format.email", "cross_field.birth_not_future",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := eng.Evaluate(context.Background(), tt.payload)
			require.NoError(t, err)

			var codes []string
			for _, f := range findings {
				codes = append(codes, f.Code)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}

// mockStore records status flips and violations for batch tests.
type mockStore struct {
	store.Store

	violations  []model.Violation
	statusByID  map[int64]model.StagedStatus
	staged      map[int64]*model.StagedRecord
	violationsM map[int64]*model.Violation
	resolved    []int64
	requeued    []model.StagedRecord
	maxSeq      int64
}

func newMockStore() *mockStore {
	return &mockStore{
		statusByID:  make(map[int64]model.StagedStatus),
		staged:      make(map[int64]*model.StagedRecord),
		violationsM: make(map[int64]*model.Violation),
	}
}

func (m *mockStore) InsertViolations(_ context.Context, vs []model.Violation) error {
	m.violations = append(m.violations, vs...)
	return nil
}

func (m *mockStore) UpdateStagedStatus(_ context.Context, ids []int64, status model.StagedStatus) error {
	for _, id := range ids {
		m.statusByID[id] = status
	}
	return nil
}

func (m *mockStore) GetViolation(_ context.Context, id int64) (*model.Violation, error) {
	return m.violationsM[id], nil
}

func (m *mockStore) GetStagedRecord(_ context.Context, id int64) (*model.StagedRecord, error) {
	return m.staged[id], nil
}

func (m *mockStore) ResolveViolation(_ context.Context, id int64, status model.ViolationStatus, _ map[string]string, _ string) error {
	m.resolved = append(m.resolved, id)
	if v := m.violationsM[id]; v != nil {
		v.Status = status
	}
	return nil
}

func (m *mockStore) OpenViolationCount(_ context.Context, stagedID int64) (int, error) {
	n := 0
	for _, v := range m.violationsM {
		if v.StagedID == stagedID && v.Status == model.ViolationOpen && v.Severity == model.SeverityError {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) MaxStagedSeq(_ context.Context, _ string) (int64, error) {
	return m.maxSeq, nil
}

func (m *mockStore) InsertStagedRecords(_ context.Context, records []model.StagedRecord) (int64, error) {
	m.requeued = append(m.requeued, records...)
	return int64(len(records)), nil
}

func TestEngine_ValidateBatch(t *testing.T) {
	eng := testEngine(t)
	st := newMockStore()

	records := []model.StagedRecord{
		{ID: 1, RunID: "run-1", Normalized: map[string]string{
			"last_name": "Lovelace", "email": "ada@example.com",
		}},
		{ID: 2, RunID: "run-1", Normalized: map[string]string{
			"last_name": "Kuti", "email": "broken",
		}},
		{ID: 3, RunID: "run-1", Normalized: map[string]string{
			"last_name": "Okoye", "email": "n@example.com", "state": "ZZ",
		}},
	}

	stats, err := eng.ValidateBatch(context.Background(), st, records)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Validated)
	assert.Equal(t, int64(1), stats.Quarantined)
	assert.Equal(t, int64(2), stats.Violations)

	assert.Equal(t, model.StagedValidated, st.statusByID[1])
	assert.Equal(t, model.StagedQuarantined, st.statusByID[2])
	// A warning alone never quarantines.
	assert.Equal(t, model.StagedValidated, st.statusByID[3])
}
