package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prayersync/internal/config"
	"prayersync/internal/engine"
	"prayersync/internal/history"
	appLog "prayersync/internal/log"
)

// StatusSource exposes the most recent run.
type StatusSource interface {
	LastReport() (engine.Report, bool)
}

// RunHistory is the read side of the run history store.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]history.RunSummary, error)
	Get(ctx context.Context, id int64) (engine.Report, error)
}

// Server provides the status endpoints of the daemon.
type Server struct {
	cfg     *config.Config
	status  StatusSource
	history RunHistory
	mux     *http.ServeMux
}

// NewServer constructs a new Server. history may be nil when no history
// database is configured.
func NewServer(cfg *config.Config, status StatusSource, runs RunHistory) *Server {
	s := &Server{
		cfg:     cfg,
		status:  status,
		history: runs,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="prayersync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Schedule   string         `json:"schedule"`
	CalendarID string         `json:"calendar_id"`
	HasRun     bool           `json:"has_run"`
	ExitCode   int            `json:"exit_code"`
	LastRun    *engine.Report `json:"last_run,omitempty"`
}

// handleStatus returns the report of the most recent run in this process.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Schedule: s.cfg.Schedule, CalendarID: s.cfg.CalendarID}
	if s.status != nil {
		if rep, ok := s.status.LastReport(); ok {
			resp.HasRun = true
			resp.ExitCode = rep.Status.ExitCode()
			resp.LastRun = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRuns lists recent runs from the history database.
//
// GET /api/runs?limit=20
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 500 {
		limit = 20
	}

	runs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		appLog.Error("api runs: history query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	if runs == nil {
		runs = []history.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRun returns the full report of one run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	rep, err := s.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		appLog.Error("api run: history query failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleCalendar serves the ICS export. http.ServeFile answers 404 when the
// file does not exist yet.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ICSExportPath == "" {
		writeError(w, http.StatusNotFound, "ics export disabled")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	http.ServeFile(w, r, s.cfg.ICSExportPath)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
