package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/fetcher"
	"github.com/sells-group/ingest-cli/internal/model"
)

// FTPCSV extracts records from CSV files that partner systems deposit in an
// FTP drop folder. Files are replayed oldest-first; the drop-folder file
// timestamp stands in for a record's modification time when the export
// carries no modified column.
type FTPCSV struct {
	cfg  config.FTPSourceConfig
	drop *fetcher.FTPDrop
}

// NewFTPCSV creates an FTP drop-folder adapter.
func NewFTPCSV(cfg config.FTPSourceConfig, drop *fetcher.FTPDrop) *FTPCSV {
	return &FTPCSV{cfg: cfg, drop: drop}
}

// Name implements Adapter.
func (f *FTPCSV) Name() string { return f.cfg.SystemName }

// EntityType implements Adapter.
func (f *FTPCSV) EntityType() string { return model.EntityContact }

// WithLocation implements Relocatable, pointing a copy at a different drop
// directory on the same server.
func (f *FTPCSV) WithLocation(location string) Adapter {
	cfg := f.cfg
	cfg.Dir = location
	return NewFTPCSV(cfg, f.drop)
}

// Extract implements Adapter. Files whose drop timestamp is at or before the
// watermark are skipped without being retrieved.
func (f *FTPCSV) Extract(ctx context.Context, since *time.Time, pageSize int) (*Extraction, error) {
	files, err := f.drop.ListCSV(ctx, f.cfg.Dir)
	if err != nil {
		return nil, &UnavailableError{Source: f.Name(), Err: err}
	}

	var records []RawRecord
	skipped := 0
	for _, df := range files {
		modified := df.ModifiedAt
		if !after(&modified, since) {
			skipped++
			continue
		}

		fileRecords, err := f.readFile(ctx, df, since)
		if err != nil {
			return nil, err
		}
		records = append(records, fileRecords...)
	}

	zap.L().Debug("ftp: extracted",
		zap.String("dir", f.cfg.Dir),
		zap.Int("files", len(files)-skipped),
		zap.Int("files_skipped", skipped),
		zap.Int("records", len(records)),
	)
	return NewExtraction(pageSlice(records, pageSize)), nil
}

func (f *FTPCSV) readFile(ctx context.Context, df fetcher.DropFile, since *time.Time) ([]RawRecord, error) {
	rc, err := f.drop.Open(ctx, df.Path)
	if err != nil {
		return nil, &UnavailableError{Source: f.Name(), Err: err}
	}
	defer rc.Close()

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, rc, fetcher.CSVOptions{
		Delimiter: ',',
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	var header []string
	select {
	case header = <-headerCh:
	case err := <-errCh:
		if err != nil {
			return nil, &SchemaError{Source: f.Name(), Detail: "cannot read header of " + df.Path + ": " + err.Error()}
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	records, err := collectRows(f.Name(), header, f.cfg.IDColumn, f.cfg.ModifiedColumn, since, rowCh, errCh)
	if err != nil {
		return nil, err
	}

	// Exports without a modified column inherit the drop timestamp so the
	// watermark still advances past consumed files.
	if f.cfg.ModifiedColumn == "" {
		fileModified := df.ModifiedAt
		for i := range records {
			records[i].ModifiedAt = &fileModified
		}
	}
	return records, nil
}
