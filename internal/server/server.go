// Package server exposes the session supervision core over HTTP: session
// CRUD, turn submission with streamed output, history, and a websocket
// event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	gitpkg "github.com/halcyon-labs/ccbot/internal/git"
	"github.com/halcyon-labs/ccbot/internal/runner"
	"github.com/halcyon-labs/ccbot/internal/store"
	"github.com/halcyon-labs/ccbot/internal/workdir"
)

type Server struct {
	runners *runner.Manager
	store   *store.Store
	files   *workdir.Browser
	git     *gitpkg.Inspector
	logger  *slog.Logger
	httpSrv *http.Server
	version string
	started time.Time
}

type Config struct {
	Addr        string
	Logger      *slog.Logger
	Version     string
	ApprovedDir string // root under which session working directories must live
}

func New(cfg Config, mgr *runner.Manager, st *store.Store) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	approved := cfg.ApprovedDir
	if approved == "" {
		approved, _ = os.UserHomeDir()
	}

	s := &Server{
		runners: mgr,
		store:   st,
		files:   workdir.New(approved, logger),
		git:     gitpkg.New(logger),
		logger:  logger,
		version: cfg.Version,
		started: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/git", s.handleGitSummary)
	mux.HandleFunc("GET /api/v1/sessions/{id}/diff", s.handleGitDiff)
	mux.HandleFunc("POST /api/v1/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/v1/dirs", s.handleListDirs)
	mux.HandleFunc("GET /api/v1/files/view", s.handleViewFile)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("server started", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":     s.version,
		"hostname":    hostname,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"approvedDir": s.files.Root(),
		"stats":       s.runners.Stats(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if u := r.URL.Query().Get("user"); u != "" {
		n, err := strconv.ParseInt(u, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid user id")
			return
		}
		userID = n
	}
	list := s.runners.List(userID)
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  int64  `json:"userId"`
		WorkDir string `json:"workDir"`
		Title   string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	workDir, err := s.files.Resolve(req.WorkDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	id := uuid.NewString()
	run, err := s.runners.GetOrCreate(id, req.UserID, workDir)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}

	now := time.Now()
	if err := s.store.CreateSession(store.Session{
		ID:        id,
		UserID:    req.UserID,
		Title:     req.Title,
		WorkDir:   workDir,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		s.logger.Error("failed to persist session", "session", id, "err", err)
	}

	writeJSONResponse(w, http.StatusCreated, run.Status())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runners.Get(id)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, run.Status())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.runners.Remove(id, true)
	if err := s.store.DeactivateSession(id); err != nil {
		s.logger.Error("failed to deactivate session", "session", id, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage submits one turn and streams its events back as
// newline-delimited JSON until the turn completes.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	// resolve through the persisted record so a swept or terminated
	// session gets a fresh runner instead of wedging
	sess, err := s.store.GetSession(id)
	if err != nil || !sess.IsActive {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	run, err := s.runners.GetOrCreate(id, sess.UserID, sess.WorkDir)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}

	out, err := run.Submit(r.Context(), req.Content)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}

	if err := s.store.AppendMessage(id, "user", req.Content); err != nil {
		s.logger.Error("failed to persist message", "session", id, "err", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var reply strings.Builder
	for ev := range out {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("client went away mid-turn", "session", id)
			// keep draining so the turn resolves and history is saved
			for range out {
			}
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Kind == runner.EventText {
			if reply.Len() > 0 {
				reply.WriteString("\n")
			}
			reply.WriteString(ev.Content)
		}
	}

	if reply.Len() > 0 {
		if err := s.store.AppendMessage(id, "assistant", reply.String()); err != nil {
			s.logger.Error("failed to persist reply", "session", id, "err", err)
		}
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	msgs, err := s.store.Messages(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.store.Events(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runners.Get(id)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	run.Interrupt(true)
	writeJSONResponse(w, http.StatusOK, run.Status())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := s.runners.RunCleanupSweep()
	writeJSONResponse(w, http.StatusOK, res)
}

// --- Working Directory Handlers ---

func (s *Server) handleListDirs(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	hidden := r.URL.Query().Get("hidden") == "true"
	listing, err := s.files.List(dir, hidden)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, listing)
}

func (s *Server) handleViewFile(w http.ResponseWriter, r *http.Request) {
	view, err := s.files.View(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, view)
}

// --- Git Handlers ---

func (s *Server) handleGitSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runners.Get(id)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	limit := 5
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	sum, err := s.git.Summarize(run.Status().WorkDir, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, sum)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runners.Get(id)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	diff, err := s.git.Diff(run.Status().WorkDir, r.URL.Query().Get("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"diff": diff})
}

// --- Helpers ---

func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, runner.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, runner.ErrSessionLimit):
		writeError(w, http.StatusTooManyRequests, "session_limit", err.Error())
	case errors.Is(err, runner.ErrSpawn), errors.Is(err, runner.ErrRestartFailed):
		writeError(w, http.StatusBadGateway, "process_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
