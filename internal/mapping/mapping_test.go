package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMapping(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const csvMapping = `source: csv_export
entity_type: contact
fields:
  - from: first_name
    to: first_name
    transforms: [trim, titlecase]
  - from: last_name
    to: last_name
    transforms: [trim, titlecase]
  - from: email_address
    to: email
    transforms: [trim, lower]
  - from: phone_number
    to: phone
    transforms: [phone_e164]
  - from: dob
    to: birth_date
    transforms: [date_iso]
  - from: zip
    to: address_postal
    transforms: [zip5]
  - from: state
    to: address_state
    transforms: [state_code]
ignore:
  - internal_notes
`

func TestLoad(t *testing.T) {
	path := writeMapping(t, t.TempDir(), "csv_export.yaml", csvMapping)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "csv_export", m.Source)
	assert.Equal(t, "contact", m.EntityType)
	assert.Len(t, m.Fields, 7)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing source",
			"fields:\n  - {from: a, to: b}\n",
			"source is required",
		},
		{
			"no fields",
			"source: x\n",
			"at least one field",
		},
		{
			"unknown transform",
			"source: x\nfields:\n  - {from: a, to: b, transforms: [reverse]}\n",
			"unknown transform",
		},
		{
			"duplicate target",
			"source: x\nfields:\n  - {from: a, to: email}\n  - {from: b, to: email}\n",
			"mapped more than once",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeMapping(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeMapping(t, dir, "csv_export.yaml", csvMapping)
	writeMapping(t, dir, "legacy_db.yml", "source: legacy_db\nfields:\n  - {from: fname, to: first_name}\n")
	writeMapping(t, dir, "README.md", "not a mapping")

	mappings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Contains(t, mappings, "csv_export")
	assert.Contains(t, mappings, "legacy_db")
}

func TestLoadDir_DuplicateSource(t *testing.T) {
	dir := t.TempDir()
	writeMapping(t, dir, "a.yaml", "source: csv_export\nfields:\n  - {from: a, to: b}\n")
	writeMapping(t, dir, "b.yaml", "source: csv_export\nfields:\n  - {from: a, to: b}\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mapping")
}

func TestApply(t *testing.T) {
	m, err := Load(writeMapping(t, t.TempDir(), "m.yaml", csvMapping))
	require.NoError(t, err)

	res, err := m.Apply(map[string]string{
		"first_name":     "  ADA  ",
		"last_name":      "park",
		"email_address":  " Ada.Park@Example.COM ",
		"phone_number":   "(555) 867-5309",
		"dob":            "03/14/1988",
		"zip":            "94103-1234",
		"state":          "California",
		"internal_notes": "ignore me",
		"legacy_score":   "42",
		"empty_col":      "",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"first_name":     "Ada",
		"last_name":      "Park",
		"email":          "ada.park@example.com",
		"phone":          "+15558675309",
		"birth_date":     "1988-03-14",
		"address_postal": "94103",
		"address_state":  "CA",
	}, res.Normalized)

	// Ignored and empty columns stay out of the drift report.
	assert.Equal(t, []string{"legacy_score"}, res.Unmapped)
}

func TestApply_MissingSourceColumnSkipped(t *testing.T) {
	m, err := Load(writeMapping(t, t.TempDir(), "m.yaml", csvMapping))
	require.NoError(t, err)

	res, err := m.Apply(map[string]string{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"first_name": "Ada"}, res.Normalized)
}

func TestApply_DefaultAndRequired(t *testing.T) {
	const content = `source: legacy_db
fields:
  - from: lname
    to: last_name
    required: true
  - from: country
    to: country
    default: US
`
	m, err := Load(writeMapping(t, t.TempDir(), "m.yaml", content))
	require.NoError(t, err)

	res, err := m.Apply(map[string]string{"lname": "Park"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"last_name": "Park", "country": "US"}, res.Normalized)

	res, err = m.Apply(map[string]string{"lname": "Park", "country": "CA"})
	require.NoError(t, err)
	assert.Equal(t, "CA", res.Normalized["country"])

	_, err = m.Apply(map[string]string{"country": "CA"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required field last_name")
}

func TestApply_TransformFailure(t *testing.T) {
	m, err := Load(writeMapping(t, t.TempDir(), "m.yaml", csvMapping))
	require.NoError(t, err)

	_, err = m.Apply(map[string]string{"phone_number": "call me maybe"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phone_e164")
}
