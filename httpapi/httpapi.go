// Package httpapi exposes the monitor's operator surface over HTTP:
// keyword and region management, config edits, recent listings, stats and
// a health snapshot. JSON in, JSON out, no authentication; bind it to
// localhost or put it behind a reverse proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/marketwatch/monitor"
)

// Server wraps the admin HTTP server.
type Server struct {
	svc    *monitor.Service
	logger *slog.Logger
	http   *http.Server
}

// New builds the server for the given listen address.
func New(svc *monitor.Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/listings/recent", s.handleRecentListings)

		r.Get("/keywords", s.handleListKeywords)
		r.Post("/keywords", s.handleAddKeyword)
		r.Patch("/keywords/{id}", s.handlePatchKeyword)

		r.Get("/regions", s.handleListRegions)
		r.Post("/regions", s.handleAddRegion)
		r.Patch("/regions/{id}", s.handlePatchRegion)

		r.Get("/config", s.handleAllConfig)
		r.Put("/config/{key}", s.handleSetConfig)

		r.Post("/checks", s.handleCheckNow)
	})
	return r
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("httpapi: listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}
	summary, err := s.svc.Stats(r.Context(), window)
	if err != nil {
		s.logger.Error("httpapi: stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecentListings(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}
	listings, err := s.svc.RecentListings(r.Context(), window, limit)
	if err != nil {
		s.logger.Error("httpapi: recent listings", "error", err)
		writeError(w, http.StatusInternalServerError, "listing query failed")
		return
	}
	if listings == nil {
		listings = []*monitor.ListingDetail{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleListKeywords(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	keywords, err := s.svc.ListKeywords(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("httpapi: list keywords", "error", err)
		writeError(w, http.StatusInternalServerError, "keyword query failed")
		return
	}
	if keywords == nil {
		keywords = []*monitor.Keyword{}
	}
	writeJSON(w, http.StatusOK, keywords)
}

type addKeywordRequest struct {
	Term string `json:"term"`
}

func (s *Server) handleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req addKeywordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	k, err := s.svc.AddKeyword(r.Context(), req.Term)
	if err != nil {
		var dup *monitor.ErrKeywordExists
		if errors.As(err, &dup) {
			writeError(w, http.StatusConflict, dup.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

type patchKeywordRequest struct {
	Active          *bool  `json:"active,omitempty"`
	IntervalSeconds *int64 `json:"interval_seconds,omitempty"`
}

func (s *Server) handlePatchKeyword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req patchKeywordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active == nil && req.IntervalSeconds == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Active != nil {
		if err := s.svc.SetKeywordActive(r.Context(), id, *req.Active); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	if req.IntervalSeconds != nil {
		interval := time.Duration(*req.IntervalSeconds) * time.Second
		if err := s.svc.SetKeywordInterval(r.Context(), id, interval); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	regions, err := s.svc.ListRegions(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("httpapi: list regions", "error", err)
		writeError(w, http.StatusInternalServerError, "region query failed")
		return
	}
	if regions == nil {
		regions = []*monitor.Region{}
	}
	writeJSON(w, http.StatusOK, regions)
}

type addRegionRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (s *Server) handleAddRegion(w http.ResponseWriter, r *http.Request) {
	var req addRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reg, err := s.svc.AddRegion(r.Context(), req.Name, req.Slug)
	if err != nil {
		var dup *monitor.ErrRegionExists
		if errors.As(err, &dup) {
			writeError(w, http.StatusConflict, dup.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

type patchRegionRequest struct {
	Active *bool `json:"active,omitempty"`
}

func (s *Server) handlePatchRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req patchRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if err := s.svc.SetRegionActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAllConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.AllConfig(r.Context())
	if err != nil {
		s.logger.Error("httpapi: config", "error", err)
		writeError(w, http.StatusInternalServerError, "config query failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type setConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.SetConfig(r.Context(), key, req.Value); err != nil {
		s.logger.Error("httpapi: set config", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "config write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkNowRequest struct {
	Term   string `json:"term"`
	Region string `json:"region"`
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	var req checkNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.svc.CheckNow(r.Context(), req.Term, req.Region)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
