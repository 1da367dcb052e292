package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/fetcher"
	"github.com/sells-group/ingest-cli/internal/model"
)

// XLSXFile extracts records from a spreadsheet export.
type XLSXFile struct {
	cfg config.XLSXSourceConfig
}

// NewXLSXFile creates a spreadsheet adapter.
func NewXLSXFile(cfg config.XLSXSourceConfig) *XLSXFile {
	return &XLSXFile{cfg: cfg}
}

// Name implements Adapter.
func (x *XLSXFile) Name() string { return x.cfg.SystemName }

// EntityType implements Adapter.
func (x *XLSXFile) EntityType() string { return model.EntityContact }

// WithLocation implements Relocatable.
func (x *XLSXFile) WithLocation(location string) Adapter {
	cfg := x.cfg
	cfg.Path = location
	return NewXLSXFile(cfg)
}

// Extract implements Adapter.
func (x *XLSXFile) Extract(ctx context.Context, since *time.Time, pageSize int) (*Extraction, error) {
	rows, err := fetcher.ReadXLSX(x.cfg.Path, fetcher.XLSXOptions{
		SheetName: x.cfg.Sheet,
	})
	if err != nil {
		return nil, &UnavailableError{Source: x.Name(), Err: err}
	}
	if len(rows) == 0 {
		return NewExtraction(pageSlice(nil, pageSize)), nil
	}

	header := rows[0]
	rowCh := make(chan []string, len(rows))
	errCh := make(chan error, 1)
	for _, row := range rows[1:] {
		rowCh <- row
	}
	close(rowCh)
	close(errCh)

	records, err := collectRows(x.Name(), header, x.cfg.IDColumn, x.cfg.ModifiedColumn, since, rowCh, errCh)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("xlsx: extracted",
		zap.String("path", x.cfg.Path),
		zap.String("sheet", x.cfg.Sheet),
		zap.Int("records", len(records)),
	)
	return NewExtraction(pageSlice(records, pageSize)), nil
}
