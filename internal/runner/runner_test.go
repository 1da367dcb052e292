package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resolve"
	"github.com/sells-group/ingest-cli/internal/source"
	"github.com/sells-group/ingest-cli/internal/store"
)

// memStore is an in-memory Store covering every call the runner's stage
// sequence makes. Anything else falls through to the embedded nil interface
// and panics, which is exactly what an unexpected call should do.
type memStore struct {
	store.Store

	runs       map[string]*model.Run
	nextRun    int
	active     map[string]bool
	watermarks map[string]*model.Watermark
	staged     []model.StagedRecord
	nextID     int64
	violations []model.Violation
	clean      []model.CleanRecord
	contacts   map[int64]*model.Contact
	mappings   map[string]*model.IdentityMapping
	candidates []*model.DedupeCandidate
	changes    []model.FieldChange
	audits     []model.SourceAudit
	sweptAfter time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		runs:       make(map[string]*model.Run),
		active:     make(map[string]bool),
		watermarks: make(map[string]*model.Watermark),
		contacts:   make(map[int64]*model.Contact),
		mappings:   make(map[string]*model.IdentityMapping),
		nextID:     100,
	}
}

func (m *memStore) CreateRun(_ context.Context, src, entityType string, params model.RunParams, dryRun bool) (*model.Run, error) {
	m.nextRun++
	run := &model.Run{
		ID: fmt.Sprintf("run-%d", m.nextRun), Source: src, EntityType: entityType,
		Status: model.RunStatusPending, Params: params, DryRun: dryRun,
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	return m.runs[runID], nil
}

func (m *memStore) MarkRunRunning(_ context.Context, runID string, watermarkUsed *time.Time) error {
	m.runs[runID].Status = model.RunStatusRunning
	m.runs[runID].WatermarkUsed = watermarkUsed
	return nil
}

func (m *memStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary string, digests []model.StageDigest) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	run := m.runs[runID]
	run.Status = status
	run.ErrorSummary = summary
	run.StageDigests = digests
	return nil
}

func (m *memStore) UpdateRunCounters(_ context.Context, runID string, counters model.RunCounters) error {
	m.runs[runID].Counters = counters
	return nil
}

func (m *memStore) Heartbeat(_ context.Context, _ string) error { return nil }

func (m *memStore) SweepStaleRuns(_ context.Context, olderThan time.Duration) (int, error) {
	m.sweptAfter = olderThan
	return 2, nil
}

func (m *memStore) ActiveRunExists(_ context.Context, src, _ string) (bool, error) {
	return m.active[src], nil
}

func (m *memStore) GetWatermark(_ context.Context, src, _ string) (*model.Watermark, error) {
	return m.watermarks[src], nil
}

func (m *memStore) AdvanceWatermark(_ context.Context, wm model.Watermark) error {
	m.watermarks[wm.Source] = &wm
	return nil
}

func (m *memStore) MaxStagedSeq(_ context.Context, runID string) (int64, error) {
	var max int64
	for _, s := range m.staged {
		if s.RunID == runID && s.Seq > max {
			max = s.Seq
		}
	}
	return max, nil
}

func (m *memStore) InsertStagedRecords(_ context.Context, records []model.StagedRecord) (int64, error) {
	var n int64
	for _, rec := range records {
		dup := false
		for _, have := range m.staged {
			if have.RunID == rec.RunID && have.Seq == rec.Seq {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.nextID++
		rec.ID = m.nextID
		m.staged = append(m.staged, rec)
		n++
	}
	return n, nil
}

func (m *memStore) ListStagedPage(_ context.Context, runID string, status model.StagedStatus, afterSeq int64, limit int) ([]model.StagedRecord, error) {
	var page []model.StagedRecord
	for _, s := range m.staged {
		if s.RunID == runID && s.Status == status && s.Seq > afterSeq {
			page = append(page, s)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func (m *memStore) UpdateStagedStatus(_ context.Context, ids []int64, status model.StagedStatus) error {
	for i := range m.staged {
		for _, id := range ids {
			if m.staged[i].ID == id {
				m.staged[i].Status = status
			}
		}
	}
	return nil
}

func (m *memStore) InsertViolations(_ context.Context, violations []model.Violation) error {
	for _, v := range violations {
		m.nextID++
		v.ID = m.nextID
		if v.Status == "" {
			v.Status = model.ViolationOpen
		}
		m.violations = append(m.violations, v)
	}
	return nil
}

func (m *memStore) GetViolation(_ context.Context, id int64) (*model.Violation, error) {
	for i := range m.violations {
		if m.violations[i].ID == id {
			return &m.violations[i], nil
		}
	}
	return nil, fmt.Errorf("violation %d not found", id)
}

func (m *memStore) ResolveViolation(_ context.Context, id int64, status model.ViolationStatus, edited map[string]string, notes string) error {
	for i := range m.violations {
		if m.violations[i].ID == id {
			m.violations[i].Status = status
			m.violations[i].EditedPayload = edited
			m.violations[i].Notes = notes
			return nil
		}
	}
	return fmt.Errorf("violation %d not found", id)
}

func (m *memStore) OpenViolationCount(_ context.Context, stagedID int64) (int, error) {
	var n int
	for _, v := range m.violations {
		if v.StagedID == stagedID && v.Status == model.ViolationOpen && v.Severity == model.SeverityError {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetStagedRecord(_ context.Context, id int64) (*model.StagedRecord, error) {
	for i := range m.staged {
		if m.staged[i].ID == id {
			return &m.staged[i], nil
		}
	}
	return nil, fmt.Errorf("staged record %d not found", id)
}

func (m *memStore) InsertCleanRecords(_ context.Context, records []model.CleanRecord) (int64, error) {
	var n int64
	for _, rec := range records {
		dup := false
		for _, have := range m.clean {
			if have.RunID == rec.RunID && have.StagedID == rec.StagedID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.nextID++
		rec.ID = m.nextID
		m.clean = append(m.clean, rec)
		n++
	}
	return n, nil
}

func (m *memStore) ListCleanPage(_ context.Context, runID string, afterSeq int64, limit int) ([]model.CleanRecord, error) {
	var page []model.CleanRecord
	for _, c := range m.clean {
		if c.RunID == runID && c.Seq > afterSeq {
			page = append(page, c)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func (m *memStore) GetContact(_ context.Context, id int64) (*model.Contact, error) {
	return m.contacts[id], nil
}

func (m *memStore) SaveContact(_ context.Context, c *model.Contact) error {
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	}
	m.contacts[c.ID] = c
	return nil
}

func (m *memStore) FindContactIDsByEmail(_ context.Context, email string) ([]int64, error) {
	var ids []int64
	for id, c := range m.contacts {
		if c.MergedInto != nil {
			continue
		}
		for _, e := range c.Emails {
			if resolve.NormalizeEmail(e.Email) == email {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (m *memStore) FindContactIDsByPhone(_ context.Context, phone string) ([]int64, error) {
	var ids []int64
	for id, c := range m.contacts {
		if c.MergedInto != nil {
			continue
		}
		for _, p := range c.Phones {
			if resolve.NormalizePhone(p.Phone) == phone {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (m *memStore) FindContactIDsByBlockKey(_ context.Context, key string) ([]int64, error) {
	var ids []int64
	for id, c := range m.contacts {
		if c.MergedInto == nil && c.BlockKey == key {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) GetIdentityMapping(_ context.Context, _, system, externalID string) (*model.IdentityMapping, error) {
	return m.mappings[system+"/"+externalID], nil
}

func (m *memStore) UpsertIdentityMapping(_ context.Context, im model.IdentityMapping) error {
	key := im.ExternalSystem + "/" + im.ExternalID
	if existing, ok := m.mappings[key]; ok {
		existing.CanonicalID = im.CanonicalID
		existing.LastRunID = im.LastRunID
		return nil
	}
	im.ID = int64(len(m.mappings) + 1)
	m.mappings[key] = &im
	return nil
}

func (m *memStore) UpsertSourceAudit(_ context.Context, audit model.SourceAudit) error {
	m.audits = append(m.audits, audit)
	return nil
}

func (m *memStore) InsertCandidate(_ context.Context, c *model.DedupeCandidate) error {
	c.ID = int64(len(m.candidates) + 1)
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *memStore) HasOpenCandidate(_ context.Context, _ string, _ int64) (bool, error) {
	return false, nil
}

func (m *memStore) InsertFieldChanges(_ context.Context, changes []model.FieldChange) error {
	m.changes = append(m.changes, changes...)
	return nil
}

func (m *memStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func (m *memStore) AcquireEntityLock(_ context.Context, _ string) error { return nil }

func (m *memStore) CounterBaseline(_ context.Context, _, _ string, _ int) ([]model.RunCounters, error) {
	return nil, nil
}

func (m *memStore) CountIdentityOrphans(_ context.Context) (int, error) { return 0, nil }

func (m *memStore) InsertAnomalyFlags(_ context.Context, _ []model.AnomalyFlag) error {
	return nil
}

// memAdapter serves canned records and captures the watermark it was given.
// pageFailures makes the first N page fetches fail transiently; onFetch runs
// before every page fetch.
type memAdapter struct {
	records      []source.RawRecord
	since        *time.Time
	pageFailures int
	fetches      int
	onFetch      func()
}

func (a *memAdapter) Name() string       { return "memsrc" }
func (a *memAdapter) EntityType() string { return model.EntityContact }

func (a *memAdapter) Extract(_ context.Context, since *time.Time, pageSize int) (*source.Extraction, error) {
	a.since = since
	var filtered []source.RawRecord
	for _, r := range a.records {
		if since != nil && r.ModifiedAt != nil && !r.ModifiedAt.After(*since) {
			continue
		}
		filtered = append(filtered, r)
	}
	offset := 0
	return source.NewExtraction(func(context.Context) ([]source.RawRecord, error) {
		a.fetches++
		if a.onFetch != nil {
			a.onFetch()
		}
		if a.pageFailures > 0 {
			a.pageFailures--
			return nil, &source.UnavailableError{Source: a.Name(), Err: fmt.Errorf("connection reset by peer")}
		}
		if offset >= len(filtered) {
			return nil, nil
		}
		end := offset + pageSize
		if end > len(filtered) {
			end = len(filtered)
		}
		page := filtered[offset:end]
		offset = end
		return page, nil
	}), nil
}

const memMapping = `source: memsrc
entity_type: contact
fields:
  - from: First Name
    to: first_name
  - from: Last Name
    to: last_name
  - from: Email
    to: email
`

const memRules = `entity_type: contact
rules:
  - code: required.name
    family: contact_required
    severity: error
    fields: [last_name]
  - code: format.email
    family: format
    severity: error
    field: email
    format: email
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memsrc.yaml"), []byte(memMapping), 0o644))
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(memRules), 0o644))

	return &config.Config{
		Sources: config.SourcesConfig{MappingDir: dir},
		Pipeline: config.PipelineConfig{
			PageSize: 2, LoadBatchSize: 10,
			MaxConcurrentRuns: 2, HeartbeatSecs: 15, StaleAfterSecs: 300,
			RetryBackoffMs: 1, RetryMaxBackoffMs: 5,
		},
		Matching: config.MatchingConfig{
			AutoMergeThreshold: 0.95, ReviewThreshold: 0.80,
			MinEvidenceWeight: 0.6,
			Weights: map[string]float64{
				"name": 0.35, "dob": 0.20, "address": 0.20,
				"employer": 0.10, "contact_handle": 0.15,
			},
			MaxCandidates: 25,
		},
		Survivorship: config.SurvivorshipConfig{Tiers: []string{"manual", "verified", "memsrc"}},
		Validation:   config.ValidationConfig{RulesPath: rulesPath},
		Recon:        config.ReconConfig{BaselineRuns: 5, SigmaThreshold: 3},
	}
}

func rawRecord(id, first, last, email, modified string) source.RawRecord {
	rec := source.RawRecord{
		ExternalID: id,
		Fields:     map[string]string{"First Name": first, "Last Name": last, "Email": email},
	}
	if modified != "" {
		ts, err := time.Parse(time.RFC3339, modified)
		if err != nil {
			panic(err)
		}
		rec.ModifiedAt = &ts
	}
	return rec
}

func testRunner(st *memStore, adapter *memAdapter, cfg *config.Config) *Runner {
	return New(st, source.NewRegistryOf(adapter), cfg, nil)
}

func TestTrigger_EndToEnd(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		rawRecord("M-2", "Grace", "Hopper", "grace@example.com", "2026-08-01T11:00:00Z"),
		// Bad email: quarantined, never loaded, and its later timestamp
		// must not move the watermark.
		rawRecord("M-3", "Edsger", "Dijkstra", "not-an-email", "2026-08-01T12:00:00Z"),
	}}
	r := testRunner(st, adapter, testConfig(t))

	run, err := r.Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPartiallyFailed, run.Status)
	assert.Equal(t, int64(3), run.Counters.Extracted)
	assert.Equal(t, int64(3), run.Counters.Staged)
	assert.Equal(t, int64(2), run.Counters.Validated)
	assert.Equal(t, int64(1), run.Counters.Quarantined)
	assert.Equal(t, int64(2), run.Counters.Promoted)
	assert.Equal(t, int64(2), run.Counters.Created)
	assert.Zero(t, run.Counters.AnomalyFlags)

	assert.Len(t, st.contacts, 2)
	assert.Len(t, st.violations, 1)
	assert.Equal(t, "format.email", st.violations[0].RuleCode)
	assert.Len(t, st.mappings, 2)

	wm := st.watermarks["memsrc"]
	require.NotNil(t, wm)
	require.NotNil(t, wm.ModifiedAt)
	assert.Equal(t, "2026-08-01T11:00:00Z", wm.ModifiedAt.Format(time.RFC3339))

	stages := make([]string, 0, len(run.StageDigests))
	for _, d := range run.StageDigests {
		stages = append(stages, d.Stage)
	}
	assert.Equal(t, []string{"extract", "validate", "promote", "load", "reconcile"}, stages)
}

func TestTrigger_AllValidSucceeds(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Empty(t, run.ErrorSummary)
}

func TestTrigger_ActiveRunBlocked(t *testing.T) {
	st := newMemStore()
	st.active["memsrc"] = true

	_, err := testRunner(st, &memAdapter{}, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Empty(t, st.runs)
}

func TestTrigger_UnknownSource(t *testing.T) {
	st := newMemStore()
	_, err := testRunner(st, &memAdapter{}, testConfig(t)).Trigger(context.Background(), "nope", model.RunParams{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown adapter")
}

func TestTrigger_DryRun(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{}, true)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(1), run.Counters.Created)

	// Staging and promotion are pipeline-internal; the canonical store and
	// watermark stay untouched.
	assert.NotEmpty(t, st.clean)
	assert.Empty(t, st.contacts)
	assert.Empty(t, st.mappings)
	assert.Empty(t, st.watermarks)
}

func TestTrigger_IncrementalUsesWatermark(t *testing.T) {
	st := newMemStore()
	since, err := time.Parse(time.RFC3339, "2026-08-01T10:30:00Z")
	require.NoError(t, err)
	st.watermarks["memsrc"] = &model.Watermark{
		Source: "memsrc", EntityType: model.EntityContact, ModifiedAt: &since,
	}
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		rawRecord("M-2", "Grace", "Hopper", "grace@example.com", "2026-08-01T11:00:00Z"),
	}}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)

	require.NotNil(t, adapter.since)
	assert.True(t, adapter.since.Equal(since))
	require.NotNil(t, run.WatermarkUsed)
	assert.Equal(t, int64(1), run.Counters.Extracted)
	assert.Len(t, st.contacts, 1)
}

func TestTrigger_FullIgnoresWatermark(t *testing.T) {
	st := newMemStore()
	since, err := time.Parse(time.RFC3339, "2026-08-01T10:30:00Z")
	require.NoError(t, err)
	st.watermarks["memsrc"] = &model.Watermark{
		Source: "memsrc", EntityType: model.EntityContact, ModifiedAt: &since,
	}
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		rawRecord("M-2", "Grace", "Hopper", "grace@example.com", "2026-08-01T11:00:00Z"),
	}}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{Full: true}, false)
	require.NoError(t, err)

	assert.Nil(t, adapter.since)
	assert.Equal(t, int64(2), run.Counters.Extracted)
}

func TestTrigger_RetriesTransientPageFailure(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{
		records: []source.RawRecord{
			rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		},
		pageFailures: 1,
	}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(1), run.Counters.Extracted)
	assert.Len(t, st.contacts, 1)
}

func TestTrigger_ExhaustedRetriesFailRun(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{
		records: []source.RawRecord{
			rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		},
		pageFailures: 10,
	}
	cfg := testConfig(t)
	cfg.Pipeline.MaxPageRetries = 1

	run, err := testRunner(st, adapter, cfg).Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.Error(t, err)
	assert.True(t, source.IsUnavailable(err))

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, 2, adapter.fetches)
	assert.Empty(t, st.contacts)
	assert.Empty(t, st.watermarks)
}

func TestRetry(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}
	r := testRunner(st, adapter, testConfig(t))

	orig := &model.Run{
		ID: "run-0", Source: "memsrc", EntityType: model.EntityContact,
		Status: model.RunStatusFailed, Params: model.RunParams{Full: true},
	}
	st.runs["run-0"] = orig

	retried, err := r.Retry(context.Background(), "run-0")
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, retried.ID)
	assert.Equal(t, "run-0", retried.Params.RetriedOf)
	assert.True(t, retried.Params.Full)
	assert.Equal(t, model.RunStatusSucceeded, retried.Status)
}

func TestRetry_RunStillInFlight(t *testing.T) {
	st := newMemStore()
	st.runs["run-0"] = &model.Run{ID: "run-0", Source: "memsrc", Status: model.RunStatusRunning}

	_, err := testRunner(st, &memAdapter{}, testConfig(t)).Retry(context.Background(), "run-0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
}

func TestRetry_NotFound(t *testing.T) {
	st := newMemStore()
	_, err := testRunner(st, &memAdapter{}, testConfig(t)).Retry(context.Background(), "run-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// relocAdapter is a memAdapter whose extraction target can be overridden.
type relocAdapter struct {
	*memAdapter
	gotLocation string
}

func (a *relocAdapter) WithLocation(location string) source.Adapter {
	a.gotLocation = location
	return a
}

func TestTrigger_LocationOverride(t *testing.T) {
	st := newMemStore()
	adapter := &relocAdapter{memAdapter: &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}}
	r := New(st, source.NewRegistryOf(adapter), testConfig(t), nil)

	run, err := r.Trigger(context.Background(), "memsrc", model.RunParams{Location: "drops/aug.csv"}, false)
	require.NoError(t, err)

	assert.Equal(t, "drops/aug.csv", adapter.gotLocation)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Len(t, st.contacts, 1)
}

func TestTrigger_LocationOverrideUnsupported(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}

	_, err := testRunner(st, adapter, testConfig(t)).Trigger(context.Background(), "memsrc", model.RunParams{Location: "drops/aug.csv"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not accept a location override")
	assert.Empty(t, st.runs)
}

func TestTrigger_CancelledRunPersistsStatus(t *testing.T) {
	st := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &memAdapter{
		records: []source.RawRecord{
			rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		},
		onFetch: cancel,
	}

	run, err := testRunner(st, adapter, testConfig(t)).Trigger(ctx, "memsrc", model.RunParams{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The terminal status must land in the store even though the run
	// context is already dead.
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Equal(t, model.RunStatusCancelled, st.runs[run.ID].Status)
}

func TestRemediate_DrivesCorrectedRowToCanonicalStore(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		rawRecord("M-2", "Grace", "Hopper", "grace@example.com", "2026-08-01T11:00:00Z"),
		rawRecord("M-3", "Edsger", "Dijkstra", "not-an-email", "2026-08-01T12:00:00Z"),
	}}
	r := testRunner(st, adapter, testConfig(t))

	run, err := r.Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)
	require.Len(t, st.contacts, 2)
	require.Len(t, st.violations, 1)

	outcome, err := r.Remediate(context.Background(), st.violations[0].ID,
		map[string]string{"email": "edsger@example.com"}, "typo in export")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.OK)
	assert.Zero(t, outcome.OpenErrors)

	// The corrected row is promoted and loaded; only it moves.
	assert.Len(t, st.contacts, 3)
	require.Contains(t, st.mappings, "memsrc/M-3")
	assert.Equal(t, model.ViolationFixed, st.violations[0].Status)
	assert.Equal(t, model.RunStatusPartiallyFailed, run.Status)
}

func TestRemediate_HeldBackByOtherOpenError(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
		rawRecord("M-3", "Edsger", "Dijkstra", "not-an-email", "2026-08-01T12:00:00Z"),
	}}
	r := testRunner(st, adapter, testConfig(t))

	_, err := r.Trigger(context.Background(), "memsrc", model.RunParams{}, false)
	require.NoError(t, err)
	require.Len(t, st.violations, 1)

	// A second error-severity violation is still open against the same row.
	st.nextID++
	st.violations = append(st.violations, model.Violation{
		ID: st.nextID, RunID: st.violations[0].RunID, StagedID: st.violations[0].StagedID,
		RuleCode: "required.name", Severity: model.SeverityError, Status: model.ViolationOpen,
	})

	before := len(st.contacts)
	outcome, err := r.Remediate(context.Background(), st.violations[0].ID,
		map[string]string{"email": "edsger@example.com"}, "typo in export")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.OK)
	assert.Equal(t, 1, outcome.OpenErrors)

	// Held back: nothing reaches the canonical store yet.
	assert.Len(t, st.contacts, before)
	assert.NotContains(t, st.mappings, "memsrc/M-3")
}

func TestRunAll(t *testing.T) {
	st := newMemStore()
	adapter := &memAdapter{records: []source.RawRecord{
		rawRecord("M-1", "Ada", "Lovelace", "ada@example.com", "2026-08-01T10:00:00Z"),
	}}

	runs, err := testRunner(st, adapter, testConfig(t)).RunAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusSucceeded, runs[0].Status)
}

func TestSweepStale(t *testing.T) {
	st := newMemStore()
	require.NoError(t, testRunner(st, &memAdapter{}, testConfig(t)).SweepStale(context.Background()))
	assert.Equal(t, 300*time.Second, st.sweptAfter)
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		counters model.RunCounters
		want     model.RunStatus
	}{
		{"clean", nil, model.RunCounters{}, model.RunStatusSucceeded},
		{"row failures with loads", nil, model.RunCounters{RowFailures: 1, Created: 3}, model.RunStatusPartiallyFailed},
		{"quarantined with loads", nil, model.RunCounters{Quarantined: 2, Updated: 1}, model.RunStatusPartiallyFailed},
		{"row failures, nothing loaded", nil, model.RunCounters{RowFailures: 1}, model.RunStatusFailed},
		{"quarantined, nothing loaded", nil, model.RunCounters{Quarantined: 2}, model.RunStatusFailed},
		{"stage error", fmt.Errorf("boom"), model.RunCounters{}, model.RunStatusFailed},
		{"cancelled", context.Canceled, model.RunCounters{}, model.RunStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, terminalStatus(tt.err, &tt.counters))
		})
	}
}
