package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Kind classifies a resolution outcome.
type Kind string

// Resolution outcomes, in decreasing order of certainty.
const (
	// KindMapped: the external id is already in the identity map.
	KindMapped Kind = "mapped"
	// KindDeterministic: a unique exact handle match, no scoring involved.
	KindDeterministic Kind = "deterministic"
	// KindAutoMerge: fuzzy score at or above the auto-merge threshold.
	KindAutoMerge Kind = "auto_merge"
	// KindReview: fuzzy score in the review band; a human decides.
	KindReview Kind = "review"
	// KindNew: no plausible match, mint a new contact.
	KindNew Kind = "new"
)

// Match is the engine's verdict for one clean record.
type Match struct {
	Kind      Kind
	ContactID int64 // matched canonical contact; zero for KindNew
	Score     float64
	Features  []model.FeatureScore
	MatchType model.MatchType
}

// Engine resolves clean records against the canonical store.
type Engine struct {
	store store.Store
	cfg   config.MatchingConfig
	log   *zap.Logger
}

// NewEngine builds a resolution engine with the configured weights and
// thresholds.
func NewEngine(st store.Store, cfg config.MatchingConfig) *Engine {
	return &Engine{
		store: st,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "resolve")),
	}
}

// Resolve decides where one clean record belongs. The identity map is
// authoritative: a mapped external id short-circuits everything, so a
// canonical id is never minted twice for the same key. Deterministic handle
// matches skip scoring entirely; only then does fuzzy scoring run over the
// blocked candidate set.
func (e *Engine) Resolve(ctx context.Context, system string, rec *model.CleanRecord) (*Match, error) {
	mapping, err := e.store.GetIdentityMapping(ctx, model.EntityContact, system, rec.ExternalID)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		return &Match{Kind: KindMapped, ContactID: mapping.CanonicalID}, nil
	}

	if m, err := e.deterministic(ctx, rec.Payload); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}

	return e.fuzzy(ctx, rec.Payload)
}

// deterministic returns a match when exactly one live contact shares the
// record's normalized email or phone. Multiple hits are ambiguous and fall
// through to scoring.
func (e *Engine) deterministic(ctx context.Context, payload map[string]string) (*Match, error) {
	if email := NormalizeEmail(payload[fieldEmail]); email != "" {
		ids, err := e.store.FindContactIDsByEmail(ctx, email)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: find by email")
		}
		if len(ids) == 1 {
			return &Match{
				Kind: KindDeterministic, ContactID: ids[0],
				Score: 1, MatchType: model.MatchDeterministicEmail,
			}, nil
		}
	}

	if phone := NormalizePhone(payload[fieldPhone]); phone != "" {
		ids, err := e.store.FindContactIDsByPhone(ctx, phone)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: find by phone")
		}
		if len(ids) == 1 {
			return &Match{
				Kind: KindDeterministic, ContactID: ids[0],
				Score: 1, MatchType: model.MatchDeterministicPhone,
			}, nil
		}
	}
	return nil, nil
}

func (e *Engine) fuzzy(ctx context.Context, payload map[string]string) (*Match, error) {
	ids, err := e.blockCandidates(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Match{Kind: KindNew}, nil
	}

	best := &Match{Kind: KindNew, MatchType: model.MatchFuzzy}
	for _, id := range ids {
		c, err := e.store.GetContact(ctx, id)
		if err != nil {
			return nil, err
		}
		if c == nil || c.MergedInto != nil {
			continue
		}

		score, features := Score(payload, c, e.cfg.Weights, e.cfg.MinEvidenceWeight)
		if score > best.Score {
			best.ContactID = c.ID
			best.Score = score
			best.Features = features
		}
	}

	switch {
	case best.Score >= e.cfg.AutoMergeThreshold:
		best.Kind = KindAutoMerge
	case best.Score >= e.cfg.ReviewThreshold:
		best.Kind = KindReview
	default:
		best.Kind = KindNew
		best.ContactID = 0
	}
	return best, nil
}

// blockCandidates unions the blocking-key hits: shared email, shared phone,
// and the soundex(last name)+zip phonetic key. Capped at MaxCandidates so a
// hot block cannot blow up a run.
func (e *Engine) blockCandidates(ctx context.Context, payload map[string]string) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(found []int64) {
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if email := NormalizeEmail(payload[fieldEmail]); email != "" {
		found, err := e.store.FindContactIDsByEmail(ctx, email)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: block by email")
		}
		add(found)
	}
	if phone := NormalizePhone(payload[fieldPhone]); phone != "" {
		found, err := e.store.FindContactIDsByPhone(ctx, phone)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: block by phone")
		}
		add(found)
	}
	if key := BlockKey(payload[fieldLastName], payload[fieldZip]); key != "" {
		found, err := e.store.FindContactIDsByBlockKey(ctx, key)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: block by phonetic key")
		}
		add(found)
	}

	max := e.cfg.MaxCandidates
	if max > 0 && len(ids) > max {
		e.log.Warn("candidate block truncated",
			zap.Int("found", len(ids)), zap.Int("cap", max))
		ids = ids[:max]
	}
	return ids, nil
}
