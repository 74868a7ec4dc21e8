// Package gateway is the transport layer: a WebSocket endpoint speaking the
// client RPC protocol plus a small REST surface for session CRUD, history
// paging, search, and runtime settings. All LLM and tool work is delegated
// to the agent loop; RPC handlers ACK and move on.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/internal/browser"
	"github.com/hearthdev/hearth/internal/history"
	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/internal/settings"
	"github.com/hearthdev/hearth/internal/store"
	"github.com/hearthdev/hearth/internal/stream"
	"github.com/hearthdev/hearth/pkg/models"
)

const (
	httpReadTimeout     = 30 * time.Second
	httpShutdownTimeout = 10 * time.Second
	maxSearchLimit      = 100
)

// Server wires the session runtime behind HTTP and WebSocket endpoints.
type Server struct {
	addr      string
	store     store.Store
	registry  *stream.Registry
	loop      *agent.Loop
	history   *history.Manager
	browser   *browser.Manager
	providers agent.ProviderSet
	settings  *settings.Service
	logger    *observability.Logger
	metrics   *observability.Metrics

	watchers *watcherRegistry
	httpSrv  *http.Server
}

// Options collects the Server's collaborators.
type Options struct {
	Addr      string
	Store     store.Store
	Registry  *stream.Registry
	Loop      *agent.Loop
	History   *history.Manager
	Browser   *browser.Manager
	Providers agent.ProviderSet
	Settings  *settings.Service
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// NewServer builds the gateway. Browser may be nil when disabled.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Server{
		addr:      opts.Addr,
		store:     opts.Store,
		registry:  opts.Registry,
		loop:      opts.Loop,
		history:   opts.History,
		browser:   opts.Browser,
		providers: opts.Providers,
		settings:  opts.Settings,
		logger:    logger,
		metrics:   opts.Metrics,
		watchers:  newWatcherRegistry(),
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/sessions/{id}/search", s.handleSessionSearch)
	mux.HandleFunc("POST /api/sessions/{id}/compact", s.handleCompact)
	mux.HandleFunc("GET /api/search", s.handleGlobalSearch)
	mux.HandleFunc("GET /api/settings/{key}", s.handleGetSetting)
	mux.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting)

	return mux
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: httpReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "gateway listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_streams":  len(s.registry.ActiveSessions()),
		"active_browsers": s.activeBrowserCount(),
	})
}

func (s *Server) activeBrowserCount() int {
	if s.browser == nil {
		return 0
	}
	return len(s.browser.ActiveSessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Model       string `json:"model"`
		VisionModel string `json:"vision_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model == "" {
		req.Model = s.settings.DefaultModel(r.Context())
	}
	if req.Model != "" {
		if _, _, err := agent.SplitModelRef(req.Model); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	session, err := s.store.CreateSession(r.Context(), req.Title, req.Model, req.VisionModel)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       *string `json:"title"`
		Model       *string `json:"model"`
		VisionModel *string `json:"vision_model"`
		AutoApprove *bool   `json:"auto_approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model != nil {
		if _, _, err := agent.SplitModelRef(*req.Model); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id := r.PathValue("id")
	err := s.store.UpdateSession(r.Context(), id, store.SessionPatch{
		Title:       req.Title,
		Model:       req.Model,
		VisionModel: req.VisionModel,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleDeleteSession cascades: durable rows, the live stream entry, and the
// browser stack all go.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.registry.Remove(id)
	if s.browser != nil {
		s.browser.Destroy(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	q := store.MessageQuery{}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a millisecond timestamp")
			return
		}
		q.Before = before
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = limit
	}

	page, err := s.store.GetMessages(r.Context(), r.PathValue("id"), q)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSessionSearch(w http.ResponseWriter, r *http.Request) {
	query, limit, ok := searchParams(w, r)
	if !ok {
		return
	}
	result, err := s.store.SearchSessionMessages(r.Context(), r.PathValue("id"), query, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGlobalSearch(w http.ResponseWriter, r *http.Request) {
	query, limit, ok := searchParams(w, r)
	if !ok {
		return
	}
	result, err := s.store.SearchAllMessages(r.Context(), query, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCompact runs a manual compaction, reporting progress to the
// session's watchers through compaction_started / compaction /
// compaction_error events.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	modelRef, err := agent.ResolveSessionModel(r.Context(), s.store, s.settings, id, session.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.watchers.broadcast(id, models.Event{Type: models.EventCompactionStarted, SessionID: id}, nil)
	compaction, err := s.history.CompactSession(r.Context(), id, modelRef)
	if err != nil {
		s.watchers.broadcast(id, models.Event{
			Type:      models.EventCompactionError,
			SessionID: id,
			Error:     &models.StreamError{Message: err.Error()},
		}, nil)
		if errors.Is(err, history.ErrNotEnoughMessages) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	s.watchers.broadcast(id, models.Event{
		Type:      models.EventCompaction,
		SessionID: id,
		Message:   compaction,
	}, nil)
	writeJSON(w, http.StatusOK, compaction)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := s.settings.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key := r.PathValue("key")
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func searchParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return "", 0, false
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return "", 0, false
		}
		limit = parsed
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return query, limit, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
