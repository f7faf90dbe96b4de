package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/jobfiltr/internal/breaker"
	"github.com/pbaille/jobfiltr/internal/cache"
	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/events"
	"github.com/pbaille/jobfiltr/internal/flags"
	"github.com/pbaille/jobfiltr/internal/store"
	"github.com/pbaille/jobfiltr/internal/telemetry"
)

// Reports is the report store surface the API needs
type Reports interface {
	AddReport(ctx context.Context, r domain.ErrorReport) (*domain.ErrorReport, error)
	GetReport(ctx context.Context, id string) (*domain.ErrorReport, error)
	ListReports(ctx context.Context, f store.ReportFilter) ([]domain.ErrorReport, error)
	ResolveReport(ctx context.Context, id, by, notes string) error
	DeleteReport(ctx context.Context, id string) error
	ReportStats(ctx context.Context) (*store.ReportStats, error)
	GroupReports(ctx context.Context, limit int) ([]store.ReportGroup, error)
}

// Deps are the components served over HTTP
type Deps struct {
	Reports   Reports
	Registry  *flags.Registry
	Breaker   *breaker.Breaker
	Cache     *cache.Cache
	Bus       *events.Bus
	Telemetry *telemetry.Aggregator // reports handler panics when set
	Logger    *slog.Logger
}

// Server handles HTTP requests for report ingest and operator controls
type Server struct {
	Deps
	addr string
	log  *slog.Logger
}

// New creates a new API server
func New(d Deps, addr string) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Deps: d, addr: addr, log: logger.With("component", "api")}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reports
	mux.HandleFunc("POST /reports", s.addReport)
	mux.HandleFunc("GET /reports", s.listReports)
	mux.HandleFunc("GET /reports/stats", s.reportStats)
	mux.HandleFunc("GET /reports/groups", s.reportGroups)
	mux.HandleFunc("GET /reports/{id}", s.getReport)
	mux.HandleFunc("POST /reports/{id}/resolve", s.resolveReport)
	mux.HandleFunc("DELETE /reports/{id}", s.deleteReport)

	// Flags and failure counters
	mux.HandleFunc("GET /flags", s.listFlags)
	mux.HandleFunc("PUT /flags/{name}", s.setFlag)
	mux.HandleFunc("POST /flags/reset", s.resetFlags)
	mux.HandleFunc("GET /failures", s.listFailures)
	mux.HandleFunc("POST /failures/reset", s.resetFailures)
	mux.HandleFunc("POST /features/{name}/failure", s.recordFailure)
	mux.HandleFunc("POST /features/{name}/success", s.recordSuccess)
	mux.HandleFunc("GET /events", s.streamEvents)

	// Cache
	mux.HandleFunc("GET /cache/stats", s.cacheStats)
	mux.HandleFunc("PUT /cache/jobs", s.putJobs)
	mux.HandleFunc("GET /cache/jobs/{id}", s.getJob)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(s.withRecover(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// withCORS adds CORS headers so the extension can post from any origin
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// withRecover turns a handler panic into a 500 and an error report
func (s *Server) withRecover(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("handler panicked", "path", r.URL.Path, "panic", rec)
			if s.Telemetry != nil {
				s.Telemetry.LogError(r.Context(), telemetry.Partial{
					Message:   fmt.Sprintf("panic serving %s %s: %v", r.Method, r.URL.Path, rec),
					Stack:     string(debug.Stack()),
					ErrorType: telemetry.TypePanic,
				})
			}
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AddReportResponse mirrors what the HTTP sink expects back
type AddReportResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

func (s *Server) addReport(w http.ResponseWriter, r *http.Request) {
	var report domain.ErrorReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(report.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Triage state is never taken from the client
	report.Resolved, report.ResolvedAt, report.ResolvedBy, report.Notes = false, nil, "", ""

	saved, err := s.Reports.AddReport(r.Context(), report)
	if err != nil {
		s.log.Error("failed to store report", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, AddReportResponse{Success: true, ID: saved.ID})
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReportFilter{
		Platform: q.Get("platform"),
		Limit:    queryInt(q.Get("limit"), 100),
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		filter.Resolved = &b
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Since = since
	}

	reports, err := s.Reports.ListReports(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []domain.ErrorReport{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"limit":   filter.Limit,
	})
}

func (s *Server) reportStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Reports.ReportStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) reportGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Reports.GroupReports(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if groups == nil {
		groups = []store.ReportGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.Reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ResolveRequest is the request body for resolving a report
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) resolveReport(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ResolvedBy) == "" {
		writeError(w, http.StatusBadRequest, "resolvedBy is required")
		return
	}

	id := r.PathValue("id")
	if err := s.Reports.ResolveReport(r.Context(), id, req.ResolvedBy, req.Notes); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

func (s *Server) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.Reports.DeleteReport(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"flags":     s.Registry.Flags(),
		"threshold": s.Breaker.Threshold(),
	})
}

// SetFlagRequest is the request body for toggling a flag
type SetFlagRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setFlag(w http.ResponseWriter, r *http.Request) {
	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	name := r.PathValue("name")
	if err := s.Registry.SetFlag(r.Context(), name, *req.Enabled); err != nil {
		if errors.Is(err, flags.ErrUnknownFeature) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"enabled":  s.Registry.IsEnabled(name),
		"failures": s.Breaker.FailureCount(name),
	})
}

func (s *Server) resetFlags(w http.ResponseWriter, r *http.Request) {
	s.Breaker.ResetToDefaults(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"flags": s.Registry.Flags()})
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"failures":  s.Breaker.FailureCounts(),
		"threshold": s.Breaker.Threshold(),
	})
}

func (s *Server) resetFailures(w http.ResponseWriter, r *http.Request) {
	s.Breaker.ResetFailureCounts(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"failures": map[string]int{}})
}

// FeatureStatus reports a feature after a recorded outcome
type FeatureStatus struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Failures int    `json:"failures"`
}

func (s *Server) recordFailure(w http.ResponseWriter, r *http.Request) {
	name, ok := s.knownFeature(w, r)
	if !ok {
		return
	}
	s.Breaker.RecordFailure(r.Context(), name)
	writeJSON(w, http.StatusOK, s.featureStatus(name))
}

func (s *Server) recordSuccess(w http.ResponseWriter, r *http.Request) {
	name, ok := s.knownFeature(w, r)
	if !ok {
		return
	}
	s.Breaker.RecordSuccess(r.Context(), name)
	writeJSON(w, http.StatusOK, s.featureStatus(name))
}

func (s *Server) knownFeature(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if _, ok := flags.Lookup(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown feature %q", name))
		return "", false
	}
	return name, true
}

func (s *Server) featureStatus(name string) FeatureStatus {
	return FeatureStatus{
		Name:     name,
		Enabled:  s.Registry.IsEnabled(name),
		Failures: s.Breaker.FailureCount(name),
	}
}

// streamEvents sends auto-disable notifications as server-sent events
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	notes, cancel := s.Bus.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-notes:
			if !open {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: feature-disabled\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

func (s *Server) putJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []domain.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&jobs); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of jobs")
		return
	}

	stored := 0
	for _, j := range jobs {
		if j.ID != "" {
			stored++
		}
	}
	s.Cache.SetBatch(jobs)

	writeJSON(w, http.StatusOK, map[string]any{
		"stored":  stored,
		"skipped": len(jobs) - stored,
		"size":    s.Cache.Size(),
	})
}

// JobView is a cached job with its derived fields
type JobView struct {
	Job       domain.Job `json:"job"`
	CachedAt  time.Time  `json:"cachedAt"`
	AgeInDays *float64   `json:"ageInDays,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.Cache.Entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not cached")
		return
	}

	view := JobView{Job: entry.Job, CachedAt: entry.CachedAt}
	if age, ok := s.Cache.AgeInDays(id); ok {
		view.AgeInDays = &age
	}
	writeJSON(w, http.StatusOK, view)
}

// parseSince accepts an RFC 3339 timestamp or a duration such as "24h"
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be a duration or RFC 3339 time")
	}
	return t, nil
}

func queryInt(v string, fallback int) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
