package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/jreplay/internal/diff"
	"github.com/kalambet/jreplay/internal/export"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/script"
	"github.com/kalambet/jreplay/internal/share"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/timeline"
	"github.com/kalambet/jreplay/internal/worker"
)

type AppDeps struct {
	Store          *storage.Store
	Shares         *share.Service
	Sessions       *replay.Manager // optional; built from Store and Shares when nil
	Token          string
	MaxExportBytes int64
	Metrics        *Metrics // optional
	Logger         *slog.Logger
}

func (d AppDeps) withDefaults() AppDeps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Shares == nil {
		d.Shares = share.NewService(d.Store, "")
	}
	if d.Sessions == nil {
		d.Sessions = replay.NewManager(d.Store, replay.Options{
			Scheduler:      &playback.ManualScheduler{},
			Playback:       playback.DefaultConfig(),
			Shares:         d.Shares,
			MaxExportBytes: d.MaxExportBytes,
			Logger:         d.Logger,
		})
	}
	return d
}

// NewHandler is the full server: health and metrics, the read-only shared
// view under /shared, and the authenticated API.
func NewHandler(deps AppDeps) http.Handler {
	deps = deps.withDefaults()

	r := chi.NewRouter()
	r.Use(deps.Metrics.instrument)
	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/debug/metrics", deps.Metrics.Handler())
	}
	r.Mount("/shared", NewSharedHandler(deps))
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		registerAppRoutes(r, deps)
	})
	return r
}

func registerAppRoutes(r chi.Router, deps AppDeps) {
	r.Post("/runs", handleImportRun(deps))
	r.Get("/runs", handleListRuns(deps))
	r.Get("/runs/{id}", handleGetRun(deps))
	r.Delete("/runs/{id}", handleDeleteRun(deps))
	r.Get("/runs/{id}/metrics", handleMetrics(deps))
	r.Get("/runs/{id}/anomalies", handleAnomalies(deps))
	r.Get("/runs/{id}/timeline", handleTimeline(deps))
	r.Get("/runs/{id}/steps/{stepId}/diff", handleStepDiff(deps))
	r.Post("/runs/{id}/export", handleExport(deps))
	r.Post("/runs/{id}/exports", handleEnqueueExport(deps))
	r.Post("/runs/{id}/share", handleCreateShare(deps))
	r.Get("/runs/{id}/shares", handleListShares(deps))
	r.Delete("/shares/{token}", handleDeleteShare(deps))
	r.Get("/exports", handleListExports(deps))
	r.Get("/jobs/{id}", handleGetJob(deps))
	r.Post("/compare", handleCompare(deps))
}

// ImportResponse is returned by POST /runs.
type ImportResponse struct {
	Run       storage.RunSummary `json:"run"`
	Anomalies []journey.Anomaly  `json:"anomalies"`
}

// ExportRequest selects the format, the optional content and the items of
// an export. Where is an optional script predicate.
type ExportRequest struct {
	Format           string           `json:"format"`
	IncludeAILogs    bool             `json:"includeAILogs"`
	IncludeSnapshots bool             `json:"includeSnapshots"`
	IncludeMetrics   bool             `json:"includeMetrics"`
	IncludeErrors    bool             `json:"includeErrors"`
	Filters          timeline.Filters `json:"filters"`
	Where            string           `json:"where,omitempty"`
}

type ShareRequest struct {
	Expiry string `json:"expiry"`
}

type CompareRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

// StepDiffResponse pairs a diff with its one-line summary.
type StepDiffResponse struct {
	StepID  string               `json:"stepId"`
	Diff    diff.StepContextDiff `json:"diff"`
	Summary string               `json:"summary"`
}

func (req ExportRequest) options() (export.Options, error) {
	f, err := export.ParseFormat(req.Format)
	if err != nil {
		return export.Options{}, err
	}
	return export.Options{
		Format:           f,
		IncludeAILogs:    req.IncludeAILogs,
		IncludeSnapshots: req.IncludeSnapshots,
		IncludeMetrics:   req.IncludeMetrics,
		IncludeErrors:    req.IncludeErrors,
	}, nil
}

// openSession loads runID, writing the error response itself when it fails.
func openSession(w http.ResponseWriter, deps AppDeps, runID string) (*replay.Session, bool) {
	s, err := deps.Sessions.Open(runID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "run not found")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
		return nil, false
	}
	return s, true
}

func handleImportRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		run, err := journey.Decode(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if run.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "runId is required")
			return
		}
		if len(run.Steps) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "run has no steps")
			return
		}

		anomalies := journey.Validate(run)
		if err := deps.Store.SaveRun(run); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save run: %v", err)
			return
		}
		deps.Metrics.runImported(len(anomalies))
		deps.Logger.Info("run imported", "run_id", run.ID, "steps", len(run.Steps), "anomalies", len(anomalies))

		if anomalies == nil {
			anomalies = []journey.Anomaly{}
		}
		writeJSON(w, http.StatusCreated, ImportResponse{
			Run: storage.RunSummary{
				ID:        run.ID,
				JourneyID: run.JourneyID,
				Name:      run.Name,
				StepCount: len(run.Steps),
				SpanMs:    run.SpanMs(),
			},
			Anomalies: anomalies,
		})
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleDeleteRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)
		writeMetrics(w, s)
	}
}

func writeMetrics(w http.ResponseWriter, s *replay.Session) {
	m, err := s.GetMetrics()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func handleAnomalies(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)
		anomalies := s.Anomalies()
		if anomalies == nil {
			anomalies = []journey.Anomaly{}
		}
		writeJSON(w, http.StatusOK, anomalies)
	}
}

func handleTimeline(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)
		writeTimeline(w, r, s)
	}
}

func writeTimeline(w http.ResponseWriter, r *http.Request, s *replay.Session) {
	f, release, err := filtersFromQuery(r.URL.Query())
	defer release()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid filter: %v", err)
		return
	}
	items, err := s.GetTimelineItems(f)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func handleStepDiff(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)
		writeStepDiff(w, s, chi.URLParam(r, "stepId"))
	}
}

func writeStepDiff(w http.ResponseWriter, s *replay.Session, stepID string) {
	d, err := s.GetStepDiff(stepID)
	if errors.Is(err, replay.ErrUnknownStep) {
		httpError(w, http.StatusNotFound, "not_found", "step %s not found", stepID)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, StepDiffResponse{StepID: stepID, Diff: d, Summary: diff.Summary(d)})
}

func decodeExportRequest(w http.ResponseWriter, r *http.Request) (ExportRequest, export.Options, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, export.Options{}, false
	}
	opts, err := req.options()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return req, export.Options{}, false
	}
	return req, opts, true
}

// handleExport renders synchronously and streams the artifact back.
func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, opts, ok := decodeExportRequest(w, r)
		if !ok {
			return
		}
		f := req.Filters
		if req.Where != "" {
			pred, err := script.Compile(req.Where)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid where: %v", err)
				return
			}
			defer pred.Close()
			f.Match = pred.Match
		}

		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)

		res := s.ExportTimeline(r.Context(), f, opts)
		deps.Metrics.ExportFinished(opts.Format, resultErr(res))
		if !res.Ok() {
			httpError(w, http.StatusUnprocessableEntity, "export_error", "%s", res.Error)
			return
		}
		w.Header().Set("Content-Type", opts.Format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
		w.WriteHeader(http.StatusOK)
		w.Write(res.Payload)
	}
}

func resultErr(res export.Result) error {
	if res.Ok() {
		return nil
	}
	return errors.New(res.Error)
}

func handleEnqueueExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, opts, ok := decodeExportRequest(w, r)
		if !ok {
			return
		}
		runID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetRun(runID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}

		jobID, err := worker.EnqueueExport(deps.Store, worker.ExportPayload{
			RunID:   runID,
			Options: opts,
			Filters: req.Filters,
			Where:   req.Where,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "queued"})
	}
}

func handleListExports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		recs, err := deps.Store.ListExports(r.URL.Query().Get("runId"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list exports: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.ExportRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        job.ID,
			"type":      job.Type,
			"status":    job.Status,
			"attempts":  job.Attempts,
			"lastError": job.LastError,
		})
	}
}

func handleCreateShare(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		expiry, err := share.ParseExpiry(req.Expiry)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		s, ok := openSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		defer deps.Sessions.Close(s.ID)

		select {
		case res := <-s.GenerateShareLink(expiry):
			if res.Err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to create share link: %v", res.Err)
				return
			}
			deps.Metrics.shareOp("issued")
			writeJSON(w, http.StatusCreated, res.Link)
		case <-r.Context().Done():
			httpError(w, http.StatusServiceUnavailable, "api_error", "request cancelled")
		}
	}
}

func handleListShares(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListShareLinks(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list share links: %v", err)
			return
		}
		links := make([]share.Link, 0, len(recs))
		for _, rec := range recs {
			links = append(links, deps.Shares.FromRecord(rec))
		}
		writeJSON(w, http.StatusOK, links)
	}
}

func handleDeleteShare(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteShareLink(chi.URLParam(r, "token"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "share link not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to revoke share link: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

func handleCompare(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CompareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.A == "" || req.B == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "a and b are required")
			return
		}

		sessions, err := deps.Sessions.LoadMany(r.Context(), []string{req.A, req.B})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load runs: %v", err)
			return
		}
		defer func() {
			for _, s := range sessions {
				deps.Sessions.Close(s.ID)
			}
		}()

		ma, _ := sessions[0].GetMetrics()
		mb, _ := sessions[1].GetMetrics()
		writeJSON(w, http.StatusOK, replay.Compare(ma, mb))
	}
}
