package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client backed by an httptest server.
func newTestClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	require.NotNil(t, sf)

	return NewClient(sf), ts
}

func contactQueryResponse(records ...map[string]any) map[string]any {
	withAttrs := make([]map[string]any, len(records))
	for i, r := range records {
		r["attributes"] = map[string]any{"type": "Contact"}
		withAttrs[i] = r
	}
	return map[string]any{
		"totalSize": len(withAttrs),
		"done":      true,
		"records":   withAttrs,
	}
}

func TestClient_Query(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(contactQueryResponse(
			map[string]any{"Id": "003xx01", "LastName": "Nguyen", "Email": "pat@example.com"},
		))
	})

	c, _ := newTestClient(t, handler)

	var out []ContactRecord
	err := c.Query(context.Background(), "SELECT Id FROM Contact", &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "003xx01", out[0].ID)
	assert.Equal(t, "Nguyen", out[0].LastName)
}

func TestQueryContactsPage_BuildsIncrementalSOQL(t *testing.T) {
	var gotSOQL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSOQL = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(contactQueryResponse())
	})

	c, _ := newTestClient(t, handler)

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := QueryContactsPage(context.Background(), c, "Contact", &since, "003xx05", 200)
	require.NoError(t, err)

	assert.Contains(t, gotSOQL, "LastModifiedDate > 2026-03-01T12:00:00Z")
	assert.Contains(t, gotSOQL, "Id > '003xx05'")
	assert.Contains(t, gotSOQL, "ORDER BY Id LIMIT 200")
}

func TestQueryContactsPage_FullExtraction(t *testing.T) {
	var gotSOQL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSOQL = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(contactQueryResponse(
			map[string]any{"Id": "003aa", "LastName": "Okafor"},
			map[string]any{"Id": "003bb", "LastName": "Silva"},
		))
	})

	c, _ := newTestClient(t, handler)

	records, err := QueryContactsPage(context.Background(), c, "", nil, "", 500)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.NotContains(t, gotSOQL, "WHERE")
	assert.Contains(t, gotSOQL, "FROM Contact")
}

func TestEscapeSOQL(t *testing.T) {
	assert.Equal(t, `O\'Brien`, EscapeSOQL("O'Brien"))
	assert.Equal(t, "plain", EscapeSOQL("plain"))
}

func TestContactRecord_Fields(t *testing.T) {
	r := ContactRecord{ID: "003xx", FirstName: "Ada", LastName: "Park", Email: "ada@example.com"}
	f := r.Fields()
	assert.Equal(t, "003xx", f["Id"])
	assert.Equal(t, "Ada", f["FirstName"])
	assert.Equal(t, "ada@example.com", f["Email"])
	assert.Len(t, f, 15)
}
