// Package recon runs post-load reconciliation checks. Every finding is
// advisory: flags are persisted and surfaced through run status, but a
// flagged run still succeeds.
package recon

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Checker evaluates a finished run against its counters, historical
// baselines, and the identity map.
type Checker struct {
	store store.Store
	cfg   config.ReconConfig
	now   func() time.Time
	log   *zap.Logger
}

// New builds a checker.
func New(st store.Store, cfg config.ReconConfig) *Checker {
	return &Checker{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "recon")),
	}
}

// Check runs all reconciliation probes for a run and persists the flags it
// raises. The returned count feeds the run counters; errors here mean the
// probes themselves could not execute, never that an anomaly was found.
func (c *Checker) Check(ctx context.Context, run *model.Run) (int, error) {
	var flags []model.AnomalyFlag

	flags = append(flags, c.countChecks(run)...)

	baseline, err := c.store.CounterBaseline(ctx, run.Source, run.EntityType, c.cfg.BaselineRuns)
	if err != nil {
		return 0, eris.Wrap(err, "recon: counter baseline")
	}
	flags = append(flags, c.volumeDrift(run, baseline)...)
	flags = append(flags, c.rateDrift(run, baseline)...)

	stale, err := c.staleWatermark(ctx, run)
	if err != nil {
		return 0, err
	}
	flags = append(flags, stale...)

	orphans, err := c.identityOrphans(ctx, run)
	if err != nil {
		return 0, err
	}
	flags = append(flags, orphans...)

	if len(flags) == 0 {
		return 0, nil
	}
	if err := c.store.InsertAnomalyFlags(ctx, flags); err != nil {
		return 0, eris.Wrap(err, "recon: persist flags")
	}
	for _, f := range flags {
		c.log.Warn("anomaly flagged",
			zap.String("run_id", run.ID),
			zap.String("kind", string(f.Kind)),
			zap.String("detail", f.Detail))
	}
	return len(flags), nil
}

// countChecks verifies the stage counters balance: everything staged is
// either validated or quarantined, and everything promoted got a load
// outcome.
func (c *Checker) countChecks(run *model.Run) []model.AnomalyFlag {
	var flags []model.AnomalyFlag
	ct := run.Counters

	if got := ct.Validated + ct.Quarantined; got != ct.Staged {
		flags = append(flags, model.AnomalyFlag{
			RunID: run.ID, Kind: model.AnomalyCountMismatch,
			Metric: "staged", Observed: float64(got), Expected: float64(ct.Staged),
			Detail: fmt.Sprintf("validated(%d) + quarantined(%d) != staged(%d)",
				ct.Validated, ct.Quarantined, ct.Staged),
		})
	}

	// RowFailures also counts staging-stage failures, so only a shortfall
	// (promoted rows that got no load outcome at all) is provable here.
	outcomes := ct.Created + ct.Updated + ct.Skipped + ct.RowFailures
	if outcomes < ct.Promoted {
		flags = append(flags, model.AnomalyFlag{
			RunID: run.ID, Kind: model.AnomalyCountMismatch,
			Metric: "promoted", Observed: float64(outcomes), Expected: float64(ct.Promoted),
			Detail: fmt.Sprintf("load outcomes(%d) < promoted(%d)", outcomes, ct.Promoted),
		})
	}
	return flags
}

// volumeDrift compares this run's extracted volume to the mean of recent
// runs for the same source. Fewer than three baseline runs means no signal,
// so no flag.
func (c *Checker) volumeDrift(run *model.Run, baseline []model.RunCounters) []model.AnomalyFlag {
	if len(baseline) < 3 {
		return nil
	}

	values := make([]float64, len(baseline))
	for i, b := range baseline {
		values[i] = float64(b.Extracted)
	}
	mean, stddev := meanStddev(values)
	if stddev == 0 {
		stddev = 1
	}

	observed := float64(run.Counters.Extracted)
	sigma := math.Abs(observed-mean) / stddev
	if sigma < c.cfg.SigmaThreshold {
		return nil
	}

	return []model.AnomalyFlag{{
		RunID: run.ID, Kind: model.AnomalyVolumeDrift,
		Metric: "extracted", Observed: observed, Expected: mean, Sigma: sigma,
		Detail: fmt.Sprintf("extracted %0.f deviates %.1f sigma from mean %.1f over %d runs",
			observed, sigma, mean, len(baseline)),
	}}
}

// rateDrift watches the quarantine and dedupe rates against the baseline.
// A volume-stable run that suddenly quarantines a quarter of its rows, or
// stops finding duplicates it used to find, is upstream trouble the raw
// counts alone cannot show.
func (c *Checker) rateDrift(run *model.Run, baseline []model.RunCounters) []model.AnomalyFlag {
	if len(baseline) < 3 {
		return nil
	}

	var flags []model.AnomalyFlag
	for _, m := range []struct {
		metric string
		rate   func(ct model.RunCounters) (float64, bool)
	}{
		{"quarantine_rate", func(ct model.RunCounters) (float64, bool) {
			if ct.Staged == 0 {
				return 0, false
			}
			return float64(ct.Quarantined) / float64(ct.Staged), true
		}},
		{"dedupe_rate", func(ct model.RunCounters) (float64, bool) {
			if ct.Promoted == 0 {
				return 0, false
			}
			return float64(ct.DedupedAuto+ct.ReviewQueued) / float64(ct.Promoted), true
		}},
	} {
		var values []float64
		for _, b := range baseline {
			if v, ok := m.rate(b); ok {
				values = append(values, v)
			}
		}
		if len(values) < 3 {
			continue
		}
		observed, ok := m.rate(run.Counters)
		if !ok {
			continue
		}

		mean, stddev := meanStddev(values)
		// Rates sit in [0,1]; a near-flat baseline would otherwise turn any
		// wobble into a huge sigma.
		if stddev < 0.02 {
			stddev = 0.02
		}
		sigma := math.Abs(observed-mean) / stddev
		if sigma < c.cfg.SigmaThreshold {
			continue
		}
		flags = append(flags, model.AnomalyFlag{
			RunID: run.ID, Kind: model.AnomalyRateDrift,
			Metric: m.metric, Observed: observed, Expected: mean, Sigma: sigma,
			Detail: fmt.Sprintf("%s %.3f deviates %.1f sigma from mean %.3f over %d runs",
				m.metric, observed, sigma, mean, len(values)),
		})
	}
	return flags
}

// meanStddev is the population mean and standard deviation.
func meanStddev(values []float64) (mean, stddev float64) {
	var sum, sumSq float64
	for _, v := range values {
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	mean = sum / n
	return mean, math.Sqrt(sumSq/n - mean*mean)
}

// staleWatermark flags a source whose watermark has not moved within the
// freshness window, which usually means upstream stopped exporting.
func (c *Checker) staleWatermark(ctx context.Context, run *model.Run) ([]model.AnomalyFlag, error) {
	if c.cfg.FreshnessMaxHours <= 0 {
		return nil, nil
	}
	wm, err := c.store.GetWatermark(ctx, run.Source, run.EntityType)
	if err != nil {
		return nil, eris.Wrap(err, "recon: get watermark")
	}
	if wm == nil || wm.ModifiedAt == nil {
		return nil, nil
	}

	lag := c.now().Sub(*wm.ModifiedAt)
	max := time.Duration(c.cfg.FreshnessMaxHours) * time.Hour
	if lag <= max {
		return nil, nil
	}

	return []model.AnomalyFlag{{
		RunID: run.ID, Kind: model.AnomalyStaleWatermark,
		Metric:   "watermark_lag_hours",
		Observed: lag.Hours(), Expected: max.Hours(),
		Detail: fmt.Sprintf("%s/%s watermark is %.1fh old, freshness limit is %dh",
			run.Source, run.EntityType, lag.Hours(), c.cfg.FreshnessMaxHours),
	}}, nil
}

// identityOrphans probes for identity mappings pointing at missing or
// tombstoned contacts. Any nonzero count is a bug somewhere.
func (c *Checker) identityOrphans(ctx context.Context, run *model.Run) ([]model.AnomalyFlag, error) {
	n, err := c.store.CountIdentityOrphans(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "recon: count identity orphans")
	}
	if n == 0 {
		return nil, nil
	}

	return []model.AnomalyFlag{{
		RunID: run.ID, Kind: model.AnomalyIdentityOrphan,
		Metric: "orphaned_mappings", Observed: float64(n), Expected: 0,
		Detail: fmt.Sprintf("%d identity mappings point at missing or merged contacts", n),
	}}, nil
}
