// Package clean promotes validated staged rows into immutable clean records
// carrying a content checksum, the load stage's unit of work.
package clean

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// volatileFields never participate in the content checksum: they change on
// every export without the contact itself changing, and would defeat
// skip-unchanged detection in the loader.
var volatileFields = map[string]bool{
	"modified_at":   true,
	"last_modified": true,
	"exported_at":   true,
}

// ContentChecksum hashes the canonical payload deterministically: sorted
// field order, volatile metadata excluded. Two records with the same
// checksum are the same contact content regardless of source row ordering.
func ContentChecksum(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if volatileFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(payload[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Stats reports one promotion pass.
type Stats struct {
	Promoted int64
}

// Promoter moves validated rows to the clean table in bounded pages.
type Promoter struct {
	store store.Store
	log   *zap.Logger
}

// NewPromoter builds a promoter.
func NewPromoter(st store.Store) *Promoter {
	return &Promoter{
		store: st,
		log:   zap.L().With(zap.String("component", "clean")),
	}
}

// Promote walks every validated staged row of the run and writes a clean
// record for each. The insert is idempotent on (run, staged id): replaying
// after a partial failure promotes each row exactly once. Promoted staged
// rows flip to promoted so a resumed pass skips them.
func (p *Promoter) Promote(ctx context.Context, runID string, pageSize int) (Stats, error) {
	var stats Stats
	afterSeq := int64(0)

	for {
		page, err := p.store.ListStagedPage(ctx, runID, model.StagedValidated, afterSeq, pageSize)
		if err != nil {
			return stats, eris.Wrap(err, "clean: list validated page")
		}
		if len(page) == 0 {
			return stats, nil
		}

		records := make([]model.CleanRecord, 0, len(page))
		ids := make([]int64, 0, len(page))
		for _, s := range page {
			records = append(records, model.CleanRecord{
				RunID:          s.RunID,
				StagedID:       s.ID,
				Seq:            s.Seq,
				ExternalSystem: s.ExternalSystem,
				ExternalID:     s.ExternalID,
				Payload:        s.Normalized,
				Checksum:       ContentChecksum(s.Normalized),
				SourceModified: s.SourceModified,
			})
			ids = append(ids, s.ID)
			if s.Seq > afterSeq {
				afterSeq = s.Seq
			}
		}

		n, err := p.store.InsertCleanRecords(ctx, records)
		if err != nil {
			return stats, eris.Wrap(err, "clean: insert clean records")
		}
		if err := p.store.UpdateStagedStatus(ctx, ids, model.StagedPromoted); err != nil {
			return stats, eris.Wrap(err, "clean: mark promoted")
		}
		stats.Promoted += n
	}
}
