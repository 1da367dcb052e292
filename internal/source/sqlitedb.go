package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

// SQLiteDB extracts records from a legacy database export shipped as a
// SQLite file. Reads are paged with keyset pagination on the id column so
// arbitrarily large exports stay bounded in memory.
type SQLiteDB struct {
	cfg config.SQLiteSourceConfig
}

// NewSQLiteDB creates a legacy database-export adapter.
func NewSQLiteDB(cfg config.SQLiteSourceConfig) *SQLiteDB {
	return &SQLiteDB{cfg: cfg}
}

// Name implements Adapter.
func (s *SQLiteDB) Name() string { return s.cfg.SystemName }

// EntityType implements Adapter.
func (s *SQLiteDB) EntityType() string { return model.EntityContact }

// WithLocation implements Relocatable.
func (s *SQLiteDB) WithLocation(location string) Adapter {
	cfg := s.cfg
	cfg.Path = location
	return NewSQLiteDB(cfg)
}

// Extract implements Adapter.
func (s *SQLiteDB) Extract(ctx context.Context, since *time.Time, pageSize int) (*Extraction, error) {
	db, err := sql.Open("sqlite", s.cfg.Path+"?mode=ro")
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}

	cols, err := s.tableColumns(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	idIdx, modIdx := -1, -1
	for i, c := range cols {
		if c == s.cfg.IDColumn {
			idIdx = i
		}
		if s.cfg.ModifiedColumn != "" && c == s.cfg.ModifiedColumn {
			modIdx = i
		}
	}
	if idIdx < 0 {
		db.Close()
		return nil, &SchemaError{Source: s.Name(), Detail: "id column " + s.cfg.IDColumn + " not found in table " + s.cfg.Table}
	}
	if s.cfg.ModifiedColumn != "" && modIdx < 0 {
		db.Close()
		return nil, &SchemaError{Source: s.Name(), Detail: "modified column " + s.cfg.ModifiedColumn + " not found in table " + s.cfg.Table}
	}

	if pageSize <= 0 {
		pageSize = 500
	}

	lastID := ""
	done := false
	name := s.Name()
	return NewExtraction(func(ctx context.Context) ([]RawRecord, error) {
		// Watermark filtering happens per row, so a scanned page can come
		// back empty without the table being exhausted. Keep scanning until
		// a page yields records or the table ends.
		for !done {
			page, lastScanned, scanned, err := s.readPage(ctx, db, cols, lastID, pageSize, since)
			if err != nil {
				db.Close()
				if IsSchemaError(err) {
					return nil, err
				}
				return nil, &UnavailableError{Source: name, Err: err}
			}
			if scanned == 0 {
				break
			}
			lastID = lastScanned
			if scanned < pageSize {
				done = true
			}
			if len(page) > 0 {
				return page, nil
			}
		}
		done = true
		db.Close()
		return nil, nil
	}), nil
}

func (s *SQLiteDB) tableColumns(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", s.cfg.Table))
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table_info")
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate table_info")
	}
	if len(cols) == 0 {
		return nil, &SchemaError{Source: s.Name(), Detail: "table " + s.cfg.Table + " not found or empty schema"}
	}
	return cols, nil
}

func (s *SQLiteDB) readPage(ctx context.Context, db *sql.DB, cols []string, lastID string, pageSize int, since *time.Time) (page []RawRecord, lastScanned string, scanned int, err error) {
	query := fmt.Sprintf(
		"SELECT * FROM %q WHERE CAST(%q AS TEXT) > ? ORDER BY CAST(%q AS TEXT) LIMIT ?",
		s.cfg.Table, s.cfg.IDColumn, s.cfg.IDColumn,
	)

	rows, err := db.QueryContext(ctx, query, lastID, pageSize)
	if err != nil {
		return nil, "", 0, eris.Wrapf(err, "sqlite: page query on %s", s.cfg.Table)
	}
	defer rows.Close()

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, "", 0, eris.Wrap(err, "sqlite: scan row")
		}

		fields := make(map[string]string, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				fields[c] = vals[i].String
			}
		}

		scanned++
		lastScanned = fields[s.cfg.IDColumn]

		rec := RawRecord{ExternalID: lastScanned, Fields: fields}
		if s.cfg.ModifiedColumn != "" {
			t, terr := parseSourceTime(fields[s.cfg.ModifiedColumn])
			if terr != nil {
				return nil, "", 0, &SchemaError{Source: s.Name(), Detail: terr.Error()}
			}
			rec.ModifiedAt = t
		}

		// Keyset pagination pages over ids, so the watermark filter has to
		// apply per row rather than in the query.
		if !after(rec.ModifiedAt, since) {
			continue
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", 0, eris.Wrap(err, "sqlite: iterate rows")
	}

	zap.L().Debug("sqlite: page read",
		zap.String("table", s.cfg.Table),
		zap.Int("scanned", scanned),
		zap.Int("kept", len(page)),
	)
	return page, lastScanned, scanned, nil
}
