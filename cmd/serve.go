package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/merge"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/runner"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/survivor"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status and review HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		r := initRunner(st)
		if err := r.SweepStale(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newAPI(st, r).router(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// api bundles the handlers' dependencies so tests can stand them up against
// a fake store without a config file or CLI context.
type api struct {
	store  store.Store
	runner *runner.Runner
	merger *merge.Engine
}

func newAPI(st store.Store, r *runner.Runner) *api {
	return &api{
		store:  st,
		runner: r,
		merger: merge.NewEngine(st, survivor.NewPolicy(cfg.Survivorship)),
	}
}

func (a *api) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/runs", a.listRuns)
	r.Get("/runs/{id}", a.getRun)
	r.Post("/runs", a.triggerRun)
	r.Post("/runs/{id}/retry", a.retryRun)

	r.Get("/candidates", a.listCandidates)
	r.Post("/candidates/{id}/accept", a.acceptCandidate)
	r.Post("/candidates/{id}/reject", a.decideCandidate(model.DecisionRejected))
	r.Post("/candidates/{id}/defer", a.decideCandidate(model.DecisionDeferred))

	r.Post("/merges/{id}/undo", a.undoMerge)

	r.Get("/violations", a.listViolations)
	r.Post("/violations/{id}/remediate", a.remediateViolation)

	return r
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, err := a.store.ListRuns(r.Context(), store.RunFilter{
		Source: q.Get("source"),
		Status: model.RunStatus(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, eris.New("run not found"))
		return
	}
	flags, err := a.store.ListAnomalyFlags(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "anomaly_flags": flags})
}

func (a *api) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		DryRun bool   `json:"dry_run"`
		Full   bool   `json:"full"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, eris.New("source is required"))
		return
	}

	// Runs are long; the request only starts one, and the run must outlive
	// the request context. Progress is visible via GET /runs.
	go func() {
		_, err := a.runner.Trigger(context.Background(), req.Source, model.RunParams{Full: req.Full}, req.DryRun)
		if err != nil {
			zap.L().Error("triggered run failed", zap.String("source", req.Source), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "source": req.Source})
}

func (a *api) retryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	go func() {
		_, err := a.runner.Retry(context.Background(), id)
		if err != nil {
			zap.L().Error("retried run failed", zap.String("run_id", id), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": id})
}

func (a *api) listCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	decision := q.Get("decision")
	if decision == "" {
		decision = string(model.DecisionPending)
	}
	candidates, err := a.store.ListCandidates(r.Context(), store.CandidateFilter{
		RunID:    q.Get("run_id"),
		Decision: model.CandidateDecision(decision),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note"`
}

func (a *api) acceptCandidate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req decisionRequest
	json.NewDecoder(r.Body).Decode(&req)

	rec, err := a.merger.AcceptCandidate(r.Context(), id, req.DecidedBy, req.Note)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) decideCandidate(decision model.CandidateDecision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req decisionRequest
		json.NewDecoder(r.Body).Decode(&req)

		if err := a.store.DecideCandidate(r.Context(), id, decision, req.DecidedBy, req.Note); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"decision": string(decision)})
	}
}

func (a *api) undoMerge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := a.merger.Undo(r.Context(), id, req.Force); err != nil {
		status := http.StatusConflict
		if eris.Is(err, merge.ErrSurvivorChanged) {
			status = http.StatusPreconditionFailed
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "undone"})
}

func (a *api) listViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	status := q.Get("status")
	if status == "" {
		status = string(model.ViolationOpen)
	}
	violations, err := a.store.ListViolations(r.Context(), store.ViolationFilter{
		RunID:    q.Get("run_id"),
		Status:   model.ViolationStatus(status),
		RuleCode: q.Get("rule_code"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (a *api) remediateViolation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Fields map[string]string `json:"fields"`
		Notes  string            `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}

	outcome, err := a.runner.Remediate(r.Context(), id, req.Fields, req.Notes)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	status := http.StatusOK
	if !outcome.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, outcome)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, eris.New("invalid id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
