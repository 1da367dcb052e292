// Package loader moves clean records into the canonical store. Each record
// resolves to exactly one outcome: create, update, skip unchanged, auto
// merge, or review queue. Batches commit atomically under a per-entity
// advisory lock, and the watermark only advances after a committed batch.
package loader

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resolve"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/survivor"
)

// Stats aggregates load outcomes for the run counters.
type Stats struct {
	Created      int64
	Updated      int64
	Skipped      int64
	DedupedAuto  int64
	ReviewQueued int64
	RowFailures  int64
	FieldChanges int64
}

// Loader drives the load stage for one entity type.
type Loader struct {
	store    store.Store
	matching config.MatchingConfig
	policy   *survivor.Policy
	batch    int
	log      *zap.Logger
}

// New builds a loader.
func New(st store.Store, matching config.MatchingConfig, policy *survivor.Policy, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Loader{
		store:    st,
		matching: matching,
		policy:   policy,
		batch:    batchSize,
		log:      zap.L().With(zap.String("component", "loader")),
	}
}

// Load processes every clean record of the run in bounded batches. Row
// failures are counted and skipped; the batch keeps going. In dry-run mode
// records resolve and count but nothing durable is written.
func (l *Loader) Load(ctx context.Context, runID, system, entityType string, dryRun bool) (Stats, error) {
	return l.LoadFrom(ctx, runID, system, entityType, 0, dryRun)
}

// LoadFrom is Load starting after a clean-record sequence number.
// Remediation uses it to drive a single requeued row through the loader
// without replaying the rest of the run.
func (l *Loader) LoadFrom(ctx context.Context, runID, system, entityType string, afterSeq int64, dryRun bool) (Stats, error) {
	var stats Stats

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		page, err := l.store.ListCleanPage(ctx, runID, afterSeq, l.batch)
		if err != nil {
			return stats, eris.Wrap(err, "loader: list clean page")
		}
		if len(page) == 0 {
			return stats, nil
		}
		for _, rec := range page {
			if rec.Seq > afterSeq {
				afterSeq = rec.Seq
			}
		}

		if dryRun {
			l.dryRunBatch(ctx, runID, system, page, &stats)
			continue
		}

		batchMax, err := l.loadBatch(ctx, runID, system, entityType, page, &stats)
		if err != nil {
			return stats, err
		}

		// The batch is durable; only now may the watermark move.
		if batchMax != nil {
			err = l.store.AdvanceWatermark(ctx, model.Watermark{
				Source:     system,
				EntityType: entityType,
				ModifiedAt: batchMax,
				RunID:      runID,
			})
			if err != nil {
				return stats, err
			}
		}
	}
}

func (l *Loader) loadBatch(ctx context.Context, runID, system, entityType string, page []model.CleanRecord, stats *Stats) (*time.Time, error) {
	var batchMax *time.Time

	err := l.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.AcquireEntityLock(ctx, entityType); err != nil {
			return err
		}

		resolver := resolve.NewEngine(tx, l.matching)
		for i := range page {
			rec := &page[i]
			if err := l.loadOne(ctx, tx, resolver, runID, system, rec, stats); err != nil {
				stats.RowFailures++
				l.log.Warn("row load failed",
					zap.String("run_id", runID),
					zap.String("external_id", rec.ExternalID),
					zap.Error(err))
				continue
			}
			if rec.SourceModified != nil &&
				(batchMax == nil || rec.SourceModified.After(*batchMax)) {
				v := *rec.SourceModified
				batchMax = &v
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "loader: batch transaction")
	}
	return batchMax, nil
}

func (l *Loader) loadOne(ctx context.Context, tx store.Store, resolver *resolve.Engine, runID, system string, rec *model.CleanRecord, stats *Stats) error {
	match, err := resolver.Resolve(ctx, system, rec)
	if err != nil {
		return err
	}

	switch match.Kind {
	case resolve.KindMapped:
		return l.updateExisting(ctx, tx, runID, system, rec, match.ContactID, stats)

	case resolve.KindDeterministic, resolve.KindAutoMerge:
		if err := l.recordCandidate(ctx, tx, runID, rec, match, model.DecisionAutoMerged); err != nil {
			return err
		}
		stats.DedupedAuto++
		return l.updateExisting(ctx, tx, runID, system, rec, match.ContactID, stats)

	case resolve.KindReview:
		return l.queueReview(ctx, tx, runID, system, rec, match, stats)

	default: // KindNew
		if _, err := l.createContact(ctx, tx, runID, system, rec, stats); err != nil {
			return err
		}
		stats.Created++
		return nil
	}
}

// updateExisting applies survivorship to a mapped contact. When nothing
// actually changes the record counts as skipped and no write happens.
func (l *Loader) updateExisting(ctx context.Context, tx store.Store, runID, system string, rec *model.CleanRecord, contactID int64, stats *Stats) error {
	c, err := tx.GetContact(ctx, contactID)
	if err != nil {
		return err
	}
	if c == nil {
		return eris.Errorf("loader: mapped contact %d not found", contactID)
	}
	if c.MergedInto != nil {
		return eris.Errorf("loader: mapped contact %d is tombstoned", contactID)
	}

	changes := l.policy.ApplyPayload(c, rec.Payload, system, runID, rec.SourceModified)
	if len(changes) == 0 {
		stats.Skipped++
		return l.recordIdentity(ctx, tx, runID, system, rec, contactID)
	}

	c.LastRunID = &runID
	if err := tx.SaveContact(ctx, c); err != nil {
		return err
	}
	if err := tx.InsertFieldChanges(ctx, changes); err != nil {
		return err
	}
	stats.Updated++
	stats.FieldChanges += int64(len(changes))
	return l.recordIdentity(ctx, tx, runID, system, rec, contactID)
}

func (l *Loader) createContact(ctx context.Context, tx store.Store, runID, system string, rec *model.CleanRecord, stats *Stats) (int64, error) {
	c := &model.Contact{LastRunID: &runID}
	changes := l.policy.ApplyPayload(c, rec.Payload, system, runID, rec.SourceModified)

	if err := tx.SaveContact(ctx, c); err != nil {
		return 0, err
	}
	for i := range changes {
		changes[i].ContactID = c.ID
	}
	if err := tx.InsertFieldChanges(ctx, changes); err != nil {
		return 0, err
	}
	stats.FieldChanges += int64(len(changes))
	return c.ID, l.recordIdentity(ctx, tx, runID, system, rec, c.ID)
}

// queueReview creates the incoming contact anyway and parks a pending
// candidate pairing it with the suspected duplicate. Review decisions
// arrive later; the run never blocks on a human.
func (l *Loader) queueReview(ctx context.Context, tx store.Store, runID, system string, rec *model.CleanRecord, match *resolve.Match, stats *Stats) error {
	open, err := tx.HasOpenCandidate(ctx, runID, rec.ID)
	if err != nil {
		return err
	}
	if open {
		stats.Skipped++
		return nil
	}

	newID, err := l.createContact(ctx, tx, runID, system, rec, stats)
	if err != nil {
		return err
	}
	stats.Created++

	candidate := &model.DedupeCandidate{
		RunID:       runID,
		CleanID:     &rec.ID,
		CanonicalID: match.ContactID,
		OtherID:     &newID,
		Score:       match.Score,
		Features:    match.Features,
		MatchType:   match.MatchType,
		Decision:    model.DecisionPending,
	}
	if err := tx.InsertCandidate(ctx, candidate); err != nil {
		return err
	}
	stats.ReviewQueued++
	return nil
}

func (l *Loader) recordCandidate(ctx context.Context, tx store.Store, runID string, rec *model.CleanRecord, match *resolve.Match, decision model.CandidateDecision) error {
	now := time.Now().UTC()
	return tx.InsertCandidate(ctx, &model.DedupeCandidate{
		RunID:       runID,
		CleanID:     &rec.ID,
		CanonicalID: match.ContactID,
		Score:       match.Score,
		Features:    match.Features,
		MatchType:   match.MatchType,
		Decision:    decision,
		DecidedBy:   "loader",
		DecidedAt:   &now,
	})
}

// recordIdentity upserts the identity mapping and its source audit record.
// The mapping is conditional on its unique triple, so a remapped external
// id always lands on exactly one canonical contact.
func (l *Loader) recordIdentity(ctx context.Context, tx store.Store, runID, system string, rec *model.CleanRecord, contactID int64) error {
	err := tx.UpsertIdentityMapping(ctx, model.IdentityMapping{
		EntityType:     model.EntityContact,
		ExternalSystem: system,
		ExternalID:     rec.ExternalID,
		CanonicalID:    contactID,
		LastRunID:      runID,
	})
	if err != nil {
		return err
	}

	mapping, err := tx.GetIdentityMapping(ctx, model.EntityContact, system, rec.ExternalID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return eris.Errorf("loader: mapping vanished for %s/%s", system, rec.ExternalID)
	}
	return tx.UpsertSourceAudit(ctx, model.SourceAudit{
		MappingID:      mapping.ID,
		SchemaVersion:  1,
		SourceRecordID: rec.ExternalID,
		SourceModified: rec.SourceModified,
	})
}

// dryRunBatch resolves records and counts would-be outcomes without
// touching the canonical store.
func (l *Loader) dryRunBatch(ctx context.Context, runID, system string, page []model.CleanRecord, stats *Stats) {
	resolver := resolve.NewEngine(l.store, l.matching)
	for i := range page {
		rec := &page[i]
		match, err := resolver.Resolve(ctx, system, rec)
		if err != nil {
			stats.RowFailures++
			continue
		}
		switch match.Kind {
		case resolve.KindMapped:
			stats.Updated++
		case resolve.KindDeterministic, resolve.KindAutoMerge:
			stats.DedupedAuto++
		case resolve.KindReview:
			stats.ReviewQueued++
		default:
			stats.Created++
		}
	}
	l.log.Info("dry-run batch resolved",
		zap.String("run_id", runID), zap.Int("records", len(page)))
}
