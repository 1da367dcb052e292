package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

type mockStore struct {
	store.Store

	mappings    map[string]*model.IdentityMapping
	byEmail     map[string][]int64
	byPhone     map[string][]int64
	byBlockKey  map[string][]int64
	contacts    map[int64]*model.Contact
	gotContacts []int64
}

func newResolveStore() *mockStore {
	return &mockStore{
		mappings:   make(map[string]*model.IdentityMapping),
		byEmail:    make(map[string][]int64),
		byPhone:    make(map[string][]int64),
		byBlockKey: make(map[string][]int64),
		contacts:   make(map[int64]*model.Contact),
	}
}

func (m *mockStore) GetIdentityMapping(_ context.Context, _, system, externalID string) (*model.IdentityMapping, error) {
	return m.mappings[system+"/"+externalID], nil
}

func (m *mockStore) FindContactIDsByEmail(_ context.Context, email string) ([]int64, error) {
	return m.byEmail[email], nil
}

func (m *mockStore) FindContactIDsByPhone(_ context.Context, phone string) ([]int64, error) {
	return m.byPhone[phone], nil
}

func (m *mockStore) FindContactIDsByBlockKey(_ context.Context, key string) ([]int64, error) {
	return m.byBlockKey[key], nil
}

func (m *mockStore) GetContact(_ context.Context, id int64) (*model.Contact, error) {
	m.gotContacts = append(m.gotContacts, id)
	return m.contacts[id], nil
}

func testEngine(st *mockStore) *Engine {
	return NewEngine(st, config.MatchingConfig{
		AutoMergeThreshold: 0.95,
		ReviewThreshold:    0.80,
		MinEvidenceWeight:  testMinEvidence,
		Weights:            testWeights,
		MaxCandidates:      25,
	})
}

func TestEngine_Resolve_MappedShortCircuits(t *testing.T) {
	st := newResolveStore()
	st.mappings["salesforce/003XX"] = &model.IdentityMapping{CanonicalID: 7}
	// A deterministic email hit exists but must not be consulted.
	st.byEmail["ada@example.com"] = []int64{99}

	m, err := testEngine(st).Resolve(context.Background(), "salesforce", &model.CleanRecord{
		ExternalID: "003XX",
		Payload:    map[string]string{"email": "ada@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindMapped, m.Kind)
	assert.Equal(t, int64(7), m.ContactID)
}

func TestEngine_Resolve_DeterministicEmail(t *testing.T) {
	st := newResolveStore()
	st.byEmail["ada@example.com"] = []int64{7}

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-1",
		Payload:    map[string]string{"email": "ADA@Example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindDeterministic, m.Kind)
	assert.Equal(t, int64(7), m.ContactID)
	assert.Equal(t, model.MatchDeterministicEmail, m.MatchType)
	// Deterministic path never loads contacts for scoring.
	assert.Empty(t, st.gotContacts)
}

func TestEngine_Resolve_AmbiguousEmailFallsToFuzzy(t *testing.T) {
	st := newResolveStore()
	st.byEmail["shared@example.com"] = []int64{7, 8}
	shared := []model.ContactEmail{{Email: "shared@example.com", IsPrimary: true}}
	st.contacts[7] = fixtureContact()
	st.contacts[7].Emails = shared
	other := fixtureContact()
	other.ID = 8
	other.FirstName = "Augusta"
	other.LastName = "Byron"
	other.Emails = shared
	st.contacts[8] = other

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-1",
		Payload: map[string]string{
			"email": "shared@example.com", "first_name": "Ada", "last_name": "Lovelace",
			"birth_date": "1985-12-10",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, KindAutoMerge, m.Kind)
	assert.Equal(t, int64(7), m.ContactID)
	assert.GreaterOrEqual(t, m.Score, 0.95)
	assert.Equal(t, model.MatchFuzzy, m.MatchType)
	assert.NotEmpty(t, m.Features)
}

func TestEngine_Resolve_SharedEmailOnlyIsNew(t *testing.T) {
	st := newResolveStore()
	st.byEmail["family@example.com"] = []int64{7, 8}
	shared := []model.ContactEmail{{Email: "family@example.com", IsPrimary: true}}
	st.contacts[7] = fixtureContact()
	st.contacts[7].Emails = shared
	other := fixtureContact()
	other.ID = 8
	other.FirstName = "Augusta"
	other.LastName = "Byron"
	other.Emails = shared
	st.contacts[8] = other

	// The record carries nothing but the household email. Two holders make
	// the email ambiguous, and the email alone is too little evidence to
	// merge or even queue for review.
	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-6",
		Payload:    map[string]string{"email": "family@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindNew, m.Kind)
	assert.Zero(t, m.ContactID)
}

func TestEngine_Resolve_ReviewBand(t *testing.T) {
	st := newResolveStore()
	st.byBlockKey["L142_94107"] = []int64{7}
	st.contacts[7] = fixtureContact()

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-2",
		Payload: map[string]string{
			"first_name": "Ada", "last_name": "Lovelace", "birth_date": "1985-12-11",
			"employer": "Analytical Engines",
			"street":   "1 Engine Way", "city": "San Francisco", "state": "CA", "zip": "94107",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, KindReview, m.Kind)
	assert.Equal(t, int64(7), m.ContactID)
	assert.GreaterOrEqual(t, m.Score, 0.80)
	assert.Less(t, m.Score, 0.95)
}

func TestEngine_Resolve_NewWhenNoCandidates(t *testing.T) {
	st := newResolveStore()

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-3",
		Payload:    map[string]string{"first_name": "Nnamdi", "last_name": "Okoye"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindNew, m.Kind)
	assert.Zero(t, m.ContactID)
}

func TestEngine_Resolve_LowScoreIsNew(t *testing.T) {
	st := newResolveStore()
	st.byBlockKey["Q620_"] = []int64{7}
	st.contacts[7] = fixtureContact()

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-4",
		Payload:    map[string]string{"first_name": "Zebedee", "last_name": "Quirk"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindNew, m.Kind)
	assert.Zero(t, m.ContactID)
}

func TestEngine_Resolve_SkipsTombstonedCandidates(t *testing.T) {
	st := newResolveStore()
	st.byBlockKey["L142_94107"] = []int64{7}
	survivor := int64(9)
	gone := fixtureContact()
	gone.MergedInto = &survivor
	st.contacts[7] = gone

	m, err := testEngine(st).Resolve(context.Background(), "csv_export", &model.CleanRecord{
		ExternalID: "c-5",
		Payload: map[string]string{
			"first_name": "Ada", "last_name": "Lovelace", "zip": "94107",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, KindNew, m.Kind)
}
