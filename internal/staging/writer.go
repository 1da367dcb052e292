// Package staging lands extracted source pages as immutable staged records.
// Staging mirrors the source faithfully: duplicates are kept, nothing is
// validated yet, and every row carries a checksum of the raw payload.
package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/mapping"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/source"
	"github.com/sells-group/ingest-cli/internal/store"
)

// PageStats reports what one page write produced.
type PageStats struct {
	Staged       int64
	RowFailures  int64
	UnmappedSeen int64
}

// Writer lands pages for one run. Sequence numbers are monotonic per run and
// survive retries: a new writer resumes after the highest persisted seq.
type Writer struct {
	store   store.Store
	mapping *mapping.Mapping
	runID   string
	system  string
	nextSeq int64
	log     *zap.Logger
}

// NewWriter prepares a writer for the given run. The starting sequence is
// read from the store so a retried run never reuses a seq.
func NewWriter(ctx context.Context, st store.Store, m *mapping.Mapping, runID, system string) (*Writer, error) {
	maxSeq, err := st.MaxStagedSeq(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "staging: read max seq")
	}
	return &Writer{
		store:   st,
		mapping: m,
		runID:   runID,
		system:  system,
		nextSeq: maxSeq + 1,
		log:     zap.L().With(zap.String("component", "staging"), zap.String("run_id", runID)),
	}, nil
}

// WritePage normalizes and persists one extracted page. Rows whose mapping
// fails are counted as row failures and skipped; the page keeps going.
// Inserts are idempotent on (run, seq), so replaying a page after a partial
// failure stages each row at most once.
func (w *Writer) WritePage(ctx context.Context, page []source.RawRecord) (PageStats, error) {
	var stats PageStats
	staged := make([]model.StagedRecord, 0, len(page))

	for _, raw := range page {
		rec, err := w.buildRecord(raw)
		if err != nil {
			stats.RowFailures++
			w.log.Warn("row mapping failed",
				zap.String("external_id", raw.ExternalID), zap.Error(err))
			continue
		}
		stats.UnmappedSeen += int64(len(rec.Unmapped))
		staged = append(staged, *rec)
	}

	if len(staged) == 0 {
		return stats, nil
	}

	n, err := w.store.InsertStagedRecords(ctx, staged)
	if err != nil {
		return stats, eris.Wrap(err, "staging: insert staged records")
	}
	stats.Staged = n
	return stats, nil
}

func (w *Writer) buildRecord(raw source.RawRecord) (*model.StagedRecord, error) {
	rawJSON, err := json.Marshal(raw.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "staging: marshal raw payload")
	}

	result, err := w.mapping.Apply(raw.Fields)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(rawJSON)
	rec := &model.StagedRecord{
		RunID:          w.runID,
		Seq:            w.nextSeq,
		ExternalSystem: w.system,
		ExternalID:     raw.ExternalID,
		Raw:            rawJSON,
		Normalized:     result.Normalized,
		Unmapped:       result.Unmapped,
		Checksum:       hex.EncodeToString(sum[:]),
		SourceModified: raw.ModifiedAt,
		Status:         model.StagedLanded,
	}
	w.nextSeq++
	return rec, nil
}

// NextSeq is the sequence number the next staged row will receive.
func (w *Writer) NextSeq() int64 { return w.nextSeq }
