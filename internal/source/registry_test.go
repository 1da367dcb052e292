package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
)

func TestNewRegistry_RegistersConfiguredSources(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.CSV = config.CSVSourceConfig{Path: "contacts.csv", SystemName: "csv_export", IDColumn: "id"}
	cfg.Sources.SQLite = config.SQLiteSourceConfig{Path: "legacy.db", SystemName: "legacy_db", Table: "contacts", IDColumn: "id"}

	r := NewRegistry(cfg, nil)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "csv_export", all[0].Name())
	assert.Equal(t, "legacy_db", all[1].Name())

	a, err := r.Get("csv_export")
	require.NoError(t, err)
	assert.IsType(t, &CSVFile{}, a)

	_, err = r.Get("salesforce")
	assert.Error(t, err)
}

func TestNewRegistry_SalesforceNeedsClient(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.Salesforce = config.SalesforceConfig{SystemName: "salesforce"}

	r := NewRegistry(cfg, nil)
	assert.Empty(t, r.All())

	r = NewRegistry(cfg, &fakeSFClient{})
	require.Len(t, r.All(), 1)
	assert.Equal(t, "salesforce", r.All()[0].Name())
}

func TestRegistry_InsertionOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.CSV = config.CSVSourceConfig{Path: "a.csv", SystemName: "csv_export", IDColumn: "id"}
	cfg.Sources.XLSX = config.XLSXSourceConfig{Path: "b.xlsx", SystemName: "spreadsheet", IDColumn: "id"}
	cfg.Sources.SQLite = config.SQLiteSourceConfig{Path: "c.db", SystemName: "legacy_db", Table: "t", IDColumn: "id"}

	r := NewRegistry(cfg, nil)
	names := make([]string, 0, 3)
	for _, a := range r.All() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"csv_export", "spreadsheet", "legacy_db"}, names)
}
