package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/config"
	"github.com/JakeFAU/tracksync/internal/dispatcher"
	"github.com/JakeFAU/tracksync/internal/jobs"
	"github.com/JakeFAU/tracksync/internal/metrics"
	"github.com/JakeFAU/tracksync/internal/progress"
	"github.com/JakeFAU/tracksync/internal/runner"
	"github.com/JakeFAU/tracksync/internal/store"
	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	requestTimeout = 30 * time.Second
	submitTimeout  = 5 * time.Second
)

// Input source kinds accepted by POST /v1/runs.
const (
	SourceCSV     = "csv"
	SourceSpotify = "spotify"
)

// RunManager is the run control surface driven by the API. *jobs.Manager
// satisfies it.
type RunManager interface {
	Start(ctx context.Context, req tracks.RunRequest, factory runner.ProviderFactory) (*jobs.Handle, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Subscribe(id string) (*progress.Subscription, error)
	Get(id string) (progress.Snapshot, error)
	List() []progress.Snapshot
}

// Source names where a submitted run reads its items from.
type Source struct {
	Kind string
	Path string
	URL  string
}

// ProviderBuilder turns a submitted source into the provider factory of one
// run. Invalid sources are reported with tracks.ErrInput.
type ProviderBuilder func(src Source) (runner.ProviderFactory, error)

// Server wires HTTP handlers to the run manager and the history repository.
type Server struct {
	router  chi.Router
	runs    RunManager
	build   ProviderBuilder
	history *HistoryHandler
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be
// nil, in which case the history routes answer 503.
func NewServer(
	runs RunManager,
	build ProviderBuilder,
	history store.RunRepository,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		runs:    runs,
		build:   build,
		history: NewHistoryHandler(history, logger.Named("history")),
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1/runs", func(r chi.Router) {
			// Event streams stay open for the life of a run.
			r.Get("/{run_id}/events", s.streamEvents)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Post("/", s.submitRun)
				r.Get("/", s.listRuns)
				r.Get("/{run_id}", s.getRun)
				r.Post("/{run_id}/pause", s.controlRun(s.runs.Pause))
				r.Post("/{run_id}/resume", s.controlRun(s.runs.Resume))
				r.Post("/{run_id}/cancel", s.controlRun(s.runs.Cancel))
			})
		})
		r.Route("/api/history/runs", func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/", s.history.ListRuns)
			r.Get("/{run_id}", s.history.GetRun)
			r.Get("/{run_id}/items", s.history.ListRunItems)
		})
		r.Get("/api/config", s.getConfig)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getConfig returns the effective configuration with credentials masked.
func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

type submitRunRequest struct {
	Source       string `json:"source"`
	Path         string `json:"path"`
	URL          string `json:"url"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	IncludeAlbum *bool  `json:"include_album"`
	Label        string `json:"label"`
}

type submitRunResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	src, err := toSource(req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	factory, err := s.build(src)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	runReq := tracks.RunRequest{
		Label:        strings.TrimSpace(req.Label),
		Offset:       req.Offset,
		Limit:        req.Limit,
		IncludeAlbum: boolOrDefault(req.IncludeAlbum, s.cfg.Runs.IncludeAlbum),
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	handle, err := s.runs.Start(ctx, runReq, factory)
	if err != nil {
		if errors.Is(err, dispatcher.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "run queue is full")
			return
		}
		s.writeRunError(w, err)
		return
	}
	metrics.ObserveRunSubmitted(src.Kind)

	id := handle.ID()
	writeJSON(w, http.StatusAccepted, submitRunResponse{
		RunID:     id,
		StatusURL: "/v1/runs/" + id,
		EventsURL: "/v1/runs/" + id + "/events",
	})
}

func toSource(req submitRunRequest) (Source, error) {
	src := Source{
		Kind: strings.ToLower(strings.TrimSpace(req.Source)),
		Path: strings.TrimSpace(req.Path),
		URL:  strings.TrimSpace(req.URL),
	}
	switch src.Kind {
	case SourceCSV:
		if src.Path == "" {
			return Source{}, fmt.Errorf("%w: path is required for csv runs", tracks.ErrInput)
		}
	case SourceSpotify:
		if src.URL == "" {
			return Source{}, fmt.Errorf("%w: url is required for spotify runs", tracks.ErrInput)
		}
	default:
		return Source{}, fmt.Errorf("%w: source must be %q or %q", tracks.ErrInput, SourceCSV, SourceSpotify)
	}
	return src, nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	state := tracks.RunState(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state"))))
	snaps := s.runs.List()
	out := make([]runSummary, 0, len(snaps))
	for _, snap := range snaps {
		if state != "" && snap.State != state {
			continue
		}
		out = append(out, toRunSummary(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.Get(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": snap})
}

func (s *Server) controlRun(apply func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "run_id")
		if err := apply(id); err != nil {
			s.writeRunError(w, err)
			return
		}
		snap, err := s.runs.Get(id)
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRunSummary(snap))
	}
}

// streamEvents serves a run's progress as server-sent events. The snapshot is
// always the first event and the stream ends after run_finish.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, err := s.runs.Subscribe(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		evt, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if err := writeEvent(w, evt); err != nil {
			s.logger.Debug("event stream closed", zap.Error(err))
			return
		}
		flusher.Flush()
		if evt.Kind == progress.KindRunFinish {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracks.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, tracks.ErrInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type runSummary struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label,omitempty"`
	State      tracks.RunState `json:"state"`
	Paused     bool            `json:"paused"`
	Index      int             `json:"index"`
	Total      int             `json:"total"`
	Downloaded int             `json:"downloaded"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
	Manifest   string          `json:"manifest,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func toRunSummary(snap progress.Snapshot) runSummary {
	return runSummary{
		RunID:      snap.RunID,
		Label:      snap.Label,
		State:      snap.State,
		Paused:     snap.Paused,
		Index:      snap.Index,
		Total:      snap.Total,
		Downloaded: snap.Downloaded,
		Skipped:    snap.Skipped,
		Failed:     snap.Failed,
		Error:      snap.Error,
		Manifest:   snap.Manifest,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts the key from X-API-Key, a bearer token, or the
// api_key query parameter (browsers cannot set headers on EventSource).
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					key = strings.TrimSpace(bearer)
				}
			}
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
