// Package runner orchestrates import runs end to end: extract, stage,
// validate, promote, load, reconcile. A run is one source adapter against
// one entity type; the runner owns its lifecycle from pending to terminal.
package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/clean"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/loader"
	"github.com/sells-group/ingest-cli/internal/mapping"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/recon"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/source"
	"github.com/sells-group/ingest-cli/internal/staging"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/survivor"
	"github.com/sells-group/ingest-cli/internal/validate"
)

// ErrRunActive reports that a run for the same source and entity type is
// already in flight. One active run per pair keeps watermark advancement
// linear.
var ErrRunActive = eris.New("runner: an active run already exists for this source")

// Runner executes import runs.
type Runner struct {
	store    store.Store
	sources  *source.Registry
	cfg      *config.Config
	lookup   validate.Lookup
	breakers *resilience.ServiceBreakers
	log      *zap.Logger
}

// New builds a runner. lookup may be nil when the rule set has no
// reference rules backed by a registry.
func New(st store.Store, sources *source.Registry, cfg *config.Config, lookup validate.Lookup) *Runner {
	cbCfg := resilience.FromCircuitConfig(cfg.Pipeline.BreakerFailures, cfg.Pipeline.BreakerResetSecs)
	cbCfg.ShouldTrip = retryableExtract
	return &Runner{
		store:    st,
		sources:  sources,
		cfg:      cfg,
		lookup:   lookup,
		breakers: resilience.NewServiceBreakers(cbCfg),
		log:      zap.L().With(zap.String("component", "runner")),
	}
}

// retryableExtract reports whether an extraction error is worth another
// attempt. Schema errors are not: the source shape will not fix itself.
func retryableExtract(err error) bool {
	return source.IsUnavailable(err) || resilience.IsTransient(err)
}

// SweepStale marks runs whose heartbeat went silent as failed. Called at
// startup so a crashed process never leaves phantom active runs blocking
// new ones.
func (r *Runner) SweepStale(ctx context.Context) error {
	staleAfter := time.Duration(r.cfg.Pipeline.StaleAfterSecs) * time.Second
	n, err := r.store.SweepStaleRuns(ctx, staleAfter)
	if err != nil {
		return eris.Wrap(err, "runner: sweep stale runs")
	}
	if n > 0 {
		r.log.Warn("stale runs swept", zap.Int("count", n))
	}
	return nil
}

// Trigger creates and executes one run for the named source adapter.
func (r *Runner) Trigger(ctx context.Context, sourceName string, params model.RunParams, dryRun bool) (*model.Run, error) {
	adapter, err := r.sources.Get(sourceName)
	if err != nil {
		return nil, err
	}
	if params.Location != "" {
		rel, ok := adapter.(source.Relocatable)
		if !ok {
			return nil, eris.Errorf("runner: source %s does not accept a location override", sourceName)
		}
		adapter = rel.WithLocation(params.Location)
	}

	active, err := r.store.ActiveRunExists(ctx, adapter.Name(), adapter.EntityType())
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrRunActive
	}

	run, err := r.store.CreateRun(ctx, adapter.Name(), adapter.EntityType(), params, dryRun)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run, adapter)
}

// Retry re-runs a finished run with its originally persisted parameters.
func (r *Runner) Retry(ctx context.Context, runID string) (*model.Run, error) {
	orig, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, eris.Errorf("runner: run %s not found", runID)
	}
	if !orig.Status.IsTerminal() {
		return nil, eris.Errorf("runner: run %s is still %s", runID, orig.Status)
	}

	params := orig.Params
	params.RetriedOf = orig.ID
	return r.Trigger(ctx, orig.Source, params, orig.DryRun)
}

// Remediate applies an operator edit to a quarantined row. When the edited
// payload clears the full rule set and no other error-severity violation is
// still open against the row, the corrected record is promoted and driven
// through the loader so it reaches the canonical store. The original run is
// terminal by now; only the requeued row moves.
func (r *Runner) Remediate(ctx context.Context, violationID int64, edited map[string]string, notes string) (*validate.RemediationOutcome, error) {
	rules, err := validate.LoadRules(r.cfg.Validation.RulesPath)
	if err != nil {
		return nil, err
	}
	eng := validate.NewEngine(rules, r.lookup)

	outcome, err := validate.Remediate(ctx, r.store, eng, violationID, edited, notes)
	if err != nil || !outcome.OK {
		return outcome, err
	}
	if outcome.OpenErrors > 0 {
		r.log.Info("remediated row held back",
			zap.Int64("violation_id", violationID),
			zap.Int("open_errors", outcome.OpenErrors))
		return outcome, nil
	}

	v, err := r.store.GetViolation(ctx, violationID)
	if err != nil {
		return outcome, err
	}
	run, err := r.store.GetRun(ctx, v.RunID)
	if err != nil {
		return outcome, err
	}
	if run == nil {
		return outcome, eris.Errorf("runner: run %s not found", v.RunID)
	}

	if _, err := clean.NewPromoter(r.store).Promote(ctx, run.ID, r.cfg.Pipeline.PageSize); err != nil {
		return outcome, err
	}

	ld := loader.New(r.store, r.cfg.Matching, survivor.NewPolicy(r.cfg.Survivorship), r.cfg.Pipeline.LoadBatchSize)
	stats, err := ld.LoadFrom(ctx, run.ID, run.Source, run.EntityType, outcome.NewSeq-1, run.DryRun)
	if err != nil {
		return outcome, err
	}

	r.log.Info("remediated row loaded",
		zap.String("run_id", run.ID),
		zap.Int64("violation_id", violationID),
		zap.Int64("created", stats.Created),
		zap.Int64("updated", stats.Updated),
		zap.Int64("skipped", stats.Skipped))
	return outcome, nil
}

// RunAll triggers a run for every registered adapter, at most
// MaxConcurrentRuns in flight. Adapters with an already-active run are
// skipped, not failed.
func (r *Runner) RunAll(ctx context.Context, dryRun bool) ([]*model.Run, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Pipeline.MaxConcurrentRuns)

	var mu sync.Mutex
	var runs []*model.Run

	for _, adapter := range r.sources.All() {
		name := adapter.Name()
		g.Go(func() error {
			run, err := r.Trigger(gctx, name, model.RunParams{}, dryRun)
			if errors.Is(err, ErrRunActive) {
				r.log.Info("skipping source with active run", zap.String("source", name))
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runs, err
	}
	return runs, nil
}

// execute drives one created run to a terminal state. Stage errors fail the
// run with an error summary; row-level trouble (failures, quarantines)
// finishes it partially failed.
func (r *Runner) execute(ctx context.Context, run *model.Run, adapter source.Adapter) (*model.Run, error) {
	var since *time.Time
	if !run.Params.Full {
		wm, err := r.store.GetWatermark(ctx, run.Source, run.EntityType)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			since = wm.ModifiedAt
		}
	}

	if err := r.store.MarkRunRunning(ctx, run.ID, since); err != nil {
		return nil, err
	}
	run.Status = model.RunStatusRunning
	run.WatermarkUsed = since

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, run.ID)

	counters := &run.Counters
	var digests []model.StageDigest
	stageErr := r.runStages(ctx, run, adapter, since, counters, &digests)

	status := terminalStatus(stageErr, counters)
	summary := ""
	if stageErr != nil {
		summary = stageErr.Error()
	}

	// A cancelled run still has to persist its terminal status; the run
	// context is already dead by then.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.store.FinishRun(finishCtx, run.ID, status, summary, digests); err != nil {
		return nil, err
	}
	run.Status = status
	run.ErrorSummary = summary
	run.StageDigests = digests

	r.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("source", run.Source),
		zap.String("status", string(status)),
		zap.Bool("dry_run", run.DryRun),
		zap.Int64("staged", counters.Staged),
		zap.Int64("created", counters.Created),
		zap.Int64("updated", counters.Updated),
		zap.Int64("row_failures", counters.RowFailures))
	return run, stageErr
}

func (r *Runner) runStages(ctx context.Context, run *model.Run, adapter source.Adapter, since *time.Time, counters *model.RunCounters, digests *[]model.StageDigest) error {
	stages := []struct {
		name string
		fn   func(context.Context, *model.Run, source.Adapter, *time.Time, *model.RunCounters) (int64, int64, error)
	}{
		{"extract", r.stageExtract},
		{"validate", r.stageValidate},
		{"promote", r.stagePromote},
		{"load", r.stageLoad},
		{"reconcile", r.stageReconcile},
	}

	for _, s := range stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now().UTC()
		rows, failures, err := s.fn(ctx, run, adapter, since, counters)
		*digests = append(*digests, model.StageDigest{
			Stage: s.name, Rows: rows, Failures: failures,
			StartedAt: start, Duration: time.Since(start),
		})
		if err != nil {
			return eris.Wrapf(err, "runner: stage %s", s.name)
		}
		if uerr := r.store.UpdateRunCounters(ctx, run.ID, *counters); uerr != nil {
			return uerr
		}
	}
	return nil
}

// stageExtract pulls source pages and lands them as staged records.
func (r *Runner) stageExtract(ctx context.Context, run *model.Run, adapter source.Adapter, since *time.Time, counters *model.RunCounters) (int64, int64, error) {
	m, err := r.loadMapping(adapter.Name())
	if err != nil {
		return 0, 0, err
	}
	writer, err := staging.NewWriter(ctx, r.store, m, run.ID, adapter.Name())
	if err != nil {
		return 0, 0, err
	}

	pageSize := run.Params.PageSize
	if pageSize <= 0 {
		pageSize = r.cfg.Pipeline.PageSize
	}

	retry := r.pageRetry(adapter.Name())
	cb := r.breakers.Get(adapter.Name())
	ext, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*source.Extraction, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*source.Extraction, error) {
			return adapter.Extract(ctx, since, pageSize)
		})
	})
	if err != nil {
		return 0, 0, err
	}

	for {
		page, ok, err := r.nextPage(ctx, retry, cb, ext)
		if err != nil {
			return counters.Extracted, counters.RowFailures, err
		}
		if !ok {
			return counters.Extracted, counters.RowFailures, nil
		}
		counters.Extracted += int64(len(page))

		stats, err := writer.WritePage(ctx, page)
		if err != nil {
			return counters.Extracted, counters.RowFailures, err
		}
		counters.Staged += stats.Staged
		counters.RowFailures += stats.RowFailures
		counters.UnmappedSeen += stats.UnmappedSeen
	}
}

// stageValidate pages over landed rows, persisting violations and flipping
// each row to validated or quarantined.
func (r *Runner) stageValidate(ctx context.Context, run *model.Run, _ source.Adapter, _ *time.Time, counters *model.RunCounters) (int64, int64, error) {
	rules, err := validate.LoadRules(r.cfg.Validation.RulesPath)
	if err != nil {
		return 0, 0, err
	}
	eng := validate.NewEngine(rules, r.lookup)

	var rows int64
	afterSeq := int64(0)
	for {
		page, err := r.store.ListStagedPage(ctx, run.ID, model.StagedLanded, afterSeq, r.cfg.Pipeline.PageSize)
		if err != nil {
			return rows, counters.Quarantined, err
		}
		if len(page) == 0 {
			return rows, counters.Quarantined, nil
		}
		for _, rec := range page {
			if rec.Seq > afterSeq {
				afterSeq = rec.Seq
			}
		}

		stats, err := eng.ValidateBatch(ctx, r.store, page)
		if err != nil {
			return rows, counters.Quarantined, err
		}
		rows += int64(len(page))
		counters.Validated += stats.Validated
		counters.Quarantined += stats.Quarantined
	}
}

func (r *Runner) stagePromote(ctx context.Context, run *model.Run, _ source.Adapter, _ *time.Time, counters *model.RunCounters) (int64, int64, error) {
	stats, err := clean.NewPromoter(r.store).Promote(ctx, run.ID, r.cfg.Pipeline.PageSize)
	counters.Promoted += stats.Promoted
	return stats.Promoted, 0, err
}

func (r *Runner) stageLoad(ctx context.Context, run *model.Run, adapter source.Adapter, _ *time.Time, counters *model.RunCounters) (int64, int64, error) {
	policy := survivor.NewPolicy(r.cfg.Survivorship)
	ld := loader.New(r.store, r.cfg.Matching, policy, r.cfg.Pipeline.LoadBatchSize)

	stats, err := ld.Load(ctx, run.ID, adapter.Name(), run.EntityType, run.DryRun)
	counters.Created += stats.Created
	counters.Updated += stats.Updated
	counters.Skipped += stats.Skipped
	counters.DedupedAuto += stats.DedupedAuto
	counters.ReviewQueued += stats.ReviewQueued
	counters.RowFailures += stats.RowFailures
	counters.FieldChanges += stats.FieldChanges
	return stats.Created + stats.Updated + stats.Skipped, stats.RowFailures, err
}

// stageReconcile is advisory and skipped for dry runs, whose counters
// describe hypothetical writes.
func (r *Runner) stageReconcile(ctx context.Context, run *model.Run, _ source.Adapter, _ *time.Time, counters *model.RunCounters) (int64, int64, error) {
	if run.DryRun {
		return 0, 0, nil
	}
	n, err := recon.New(r.store, r.cfg.Recon).Check(ctx, run)
	counters.AnomalyFlags += int64(n)
	return int64(n), 0, err
}

// pageRetry is the backoff policy for source page fetches. An open circuit
// stops the retry loop immediately because ErrCircuitOpen is not retryable.
func (r *Runner) pageRetry(sourceName string) resilience.RetryConfig {
	maxAttempts := 0
	if n := r.cfg.Pipeline.MaxPageRetries; n > 0 {
		maxAttempts = n + 1
	}
	cfg := resilience.FromRetryConfig(
		maxAttempts, r.cfg.Pipeline.RetryBackoffMs, r.cfg.Pipeline.RetryMaxBackoffMs, 0, -1)
	cfg.ShouldRetry = retryableExtract
	cfg.OnRetry = resilience.RetryLogger(sourceName, "extract_page")
	return cfg
}

func (r *Runner) nextPage(ctx context.Context, retry resilience.RetryConfig, cb *resilience.CircuitBreaker, ext *source.Extraction) ([]source.RawRecord, bool, error) {
	type pageResult struct {
		page []source.RawRecord
		ok   bool
	}
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (pageResult, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (pageResult, error) {
			if t := r.cfg.Pipeline.PageTimeoutSecs; t > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
				defer cancel()
			}
			page, ok, err := ext.Next(ctx)
			return pageResult{page: page, ok: ok}, err
		})
	})
	return res.page, res.ok, err
}

func (r *Runner) loadMapping(system string) (*mapping.Mapping, error) {
	path := filepath.Join(r.cfg.Sources.MappingDir, system+".yaml")
	return mapping.Load(path)
}

func (r *Runner) heartbeat(ctx context.Context, runID string) {
	secs := r.cfg.Pipeline.HeartbeatSecs
	if secs <= 0 {
		secs = 15
	}
	ticker := time.NewTicker(time.Duration(secs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, runID); err != nil {
				r.log.Warn("heartbeat failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

func terminalStatus(stageErr error, counters *model.RunCounters) model.RunStatus {
	switch {
	case errors.Is(stageErr, context.Canceled):
		return model.RunStatusCancelled
	case stageErr != nil:
		return model.RunStatusFailed
	case counters.RowFailures > 0 || counters.Quarantined > 0:
		// Partial means partial: with nothing loaded at all the run failed.
		if counters.Loaded() == 0 {
			return model.RunStatusFailed
		}
		return model.RunStatusPartiallyFailed
	default:
		return model.RunStatusSucceeded
	}
}
