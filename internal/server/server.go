// Package server exposes the query operations as a local JSON HTTP API and
// keeps the index fresh with scheduled incremental passes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mattpollak/context-flow/internal/format"
	"github.com/mattpollak/context-flow/internal/query"
)

type Config struct {
	Addr string
	// RescanSchedule is a 5-field cron expression; empty disables rescans.
	RescanSchedule string
}

type Server struct {
	svc    *query.Service
	cfg    Config
	router chi.Router
}

func New(svc *query.Service, cfg Config) *Server {
	s := &Server{svc: svc, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.RescanSchedule != "" {
		if !gronx.New().IsValid(s.cfg.RescanSchedule) {
			return errors.Errorf("invalid rescan schedule: %s", s.cfg.RescanSchedule)
		}
		go s.rescanLoop(ctx)
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("server: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("server: shutting down")
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
	}
}

// rescanLoop runs an incremental pass at every tick of the schedule.
func (s *Server) rescanLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cfg.RescanSchedule, time.Now(), false)
		if err != nil {
			log.Error().Err(err).Str("expr", s.cfg.RescanSchedule).Msg("server: cannot compute next rescan")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.svc.Index(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("server: scheduled rescan failed")
		}
	}
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/search", s.handleSearch)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/tags", s.handleListTags)
	r.Get("/stats", s.handleStats)

	r.Post("/messages/{id}/tags", s.handleTagMessage)
	r.Post("/sessions/{id}/tags", s.handleTagSession)
	r.Post("/reindex", s.handleReindex)
	r.Post("/index", s.handleIndex)

	s.router = r
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("server: health check failed")
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unreachable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "context-flow"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), query.DefaultSearchLimit)
	if !ok {
		return
	}
	hits, err := s.svc.SearchHistory(r.Context(), query.SearchParams{
		Query:    q.Get("q"),
		Project:  q.Get("project"),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
		Tags:     listParam(q["tag"]),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, nonNil(hits))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), query.DefaultSessionLimit)
	if !ok {
		return
	}
	sessions, err := s.svc.ListSessions(r.Context(), query.SessionParams{
		Project:  q.Get("project"),
		Slug:     q.Get("slug"),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
		Tags:     listParam(q["tag"]),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, nonNil(sessions))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), query.DefaultConversationLimit)
	if !ok {
		return
	}
	outFormat := q.Get("format")
	if outFormat != "" && outFormat != "json" && outFormat != "markdown" {
		Error(w, http.StatusBadRequest, "invalid format: use json or markdown")
		return
	}

	conv, err := s.svc.GetConversation(r.Context(), query.ConversationParams{
		ID:              chi.URLParam(r, "id"),
		Session:         q.Get("session"),
		AroundTimestamp: q.Get("around"),
		Roles:           listParam(q["role"]),
		Limit:           limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if outFormat == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(format.Conversation(conv.Sessions, conv.Messages)))
		return
	}
	JSON(w, http.StatusOK, conv)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.ListTags(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, nonNil(counts))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

type tagsBody struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleTagMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var body tagsBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.TagMessage(r.Context(), id, body.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) handleTagSession(w http.ResponseWriter, r *http.Request) {
	var body tagsBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.TagSession(r.Context(), chi.URLParam(r, "id"), body.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reindex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Index(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("server: encode response")
	}
}

// Error writes a JSON error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case query.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case query.IsClientError(err):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("server: request failed")
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid limit: "+raw)
		return 0, false
	}
	return n, true
}

// listParam accepts repeated parameters and comma-separated values.
func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("server: request")
	})
}
