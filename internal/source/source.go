// Package source defines the adapter contract for external record sources
// and the adapters that implement it (CSV export, XLSX spreadsheet, legacy
// SQLite database, FTP drop folder, Salesforce).
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RawRecord is one source row as extracted, before normalization. Fields
// preserves every source column so staging can mirror the source faithfully.
type RawRecord struct {
	ExternalID string
	ModifiedAt *time.Time
	Fields     map[string]string
}

// Adapter extracts records from one external system. Extraction is read-only
// on the source; incremental bounds come from the caller-supplied watermark,
// never from adapter-internal state.
type Adapter interface {
	// Name is the external system name recorded on staged rows and the
	// identity map (e.g. "salesforce", "csv_export").
	Name() string

	// EntityType is the canonical entity this adapter feeds.
	EntityType() string

	// Extract returns a lazy, restartable page sequence of records whose
	// source-modification timestamp is strictly after since (all records
	// when since is nil). Pages are bounded by pageSize.
	Extract(ctx context.Context, since *time.Time, pageSize int) (*Extraction, error)
}

// Relocatable is implemented by adapters whose extraction target can be
// overridden per run (a specific file drop instead of the configured
// default). WithLocation returns a copy; the registered adapter is never
// mutated.
type Relocatable interface {
	WithLocation(location string) Adapter
}

// Extraction yields bounded pages of raw records and tracks the maximum
// source-modification timestamp observed, so the caller can advance the
// watermark only after a durable commit.
type Extraction struct {
	next        func(ctx context.Context) ([]RawRecord, error)
	maxModified *time.Time
}

// NewExtraction wraps a page function. next returns a nil or empty slice
// when the sequence is exhausted.
func NewExtraction(next func(ctx context.Context) ([]RawRecord, error)) *Extraction {
	return &Extraction{next: next}
}

// Next returns the next page. ok is false when the sequence is exhausted.
func (e *Extraction) Next(ctx context.Context) (page []RawRecord, ok bool, err error) {
	if e.next == nil {
		return nil, false, nil
	}
	page, err = e.next(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(page) == 0 {
		return nil, false, nil
	}
	for _, r := range page {
		e.observe(r.ModifiedAt)
	}
	return page, true, nil
}

func (e *Extraction) observe(t *time.Time) {
	if t == nil {
		return
	}
	if e.maxModified == nil || t.After(*e.maxModified) {
		v := *t
		e.maxModified = &v
	}
}

// MaxModified is the highest source-modification timestamp seen so far.
// Nil until a timestamped record has been yielded.
func (e *Extraction) MaxModified() *time.Time {
	return e.maxModified
}

// UnavailableError signals a transient source problem (connectivity, auth
// token expiry, rate limiting). Retryable with backoff.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// SchemaError signals an unexpected source shape (missing id column, wrong
// sheet layout). Not retryable; surfaces in the run error summary.
type SchemaError struct {
	Source string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("source %s schema error: %s", e.Source, e.Detail)
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// pageSlice serves a fully materialized record set as bounded pages. File
// adapters use it: the file is read once, filtered by the watermark, then
// paged so downstream batching stays uniform across adapter kinds.
func pageSlice(records []RawRecord, pageSize int) func(ctx context.Context) ([]RawRecord, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	offset := 0
	return func(ctx context.Context) ([]RawRecord, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if offset >= len(records) {
			return nil, nil
		}
		end := offset + pageSize
		if end > len(records) {
			end = len(records)
		}
		page := records[offset:end]
		offset = end
		return page, nil
	}
}

// after reports whether the record's modification time is strictly after
// since. Records without a timestamp are always included: a source that
// cannot say when a row changed must be treated as always-changed.
func after(modified *time.Time, since *time.Time) bool {
	if since == nil {
		return true
	}
	if modified == nil {
		return true
	}
	return modified.After(*since)
}

// parseSourceTime accepts the timestamp layouts seen across source exports.
func parseSourceTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006 15:04:05",
		"01/02/2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}
