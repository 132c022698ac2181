// Package server is the HTTP boundary. It validates requests, resolves
// target sessions, and rejects sends to busy sessions; everything else is
// delegated to the registry and the orchestrator. No session or guard logic
// lives here.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/icksaur/caco/internal/dispatch"
	"github.com/icksaur/caco/internal/guard"
	"github.com/icksaur/caco/internal/orchestrator"
	"github.com/icksaur/caco/internal/relay"
	"github.com/icksaur/caco/internal/session"
	"github.com/icksaur/caco/internal/unobserved"
)

// EmbedRecorder registers embed metadata resolved by an external media
// lookup service. The relay pipeline consumes it through its own index view.
type EmbedRecorder interface {
	Record(relay.Embed) error
}

type Server struct {
	log      *slog.Logger
	registry *session.Registry
	orch     *orchestrator.Orchestrator
	tracker  *dispatch.Tracker
	unobs    *unobserved.Tracker
	embeds   EmbedRecorder
	ws       http.Handler
}

func New(log *slog.Logger, registry *session.Registry, orch *orchestrator.Orchestrator, tracker *dispatch.Tracker, unobs *unobserved.Tracker, embeds EmbedRecorder, ws http.Handler) *Server {
	return &Server{
		log:      log,
		registry: registry,
		orch:     orch,
		tracker:  tracker,
		unobs:    unobs,
		embeds:   embeds,
		ws:       ws,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleList)
		r.Post("/sessions", s.handleCreate)
		r.Get("/sessions/recent", s.handleRecent)
		r.Get("/unobserved", s.handleUnobservedCount)
		if s.embeds != nil {
			r.Post("/embeds", s.handleRecordEmbed)
		}

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDelete)
			r.Post("/resume", s.handleResume)
			r.Post("/send", s.handleSend)
			r.Post("/stop", s.handleStop)
			r.Post("/abort", s.handleAbort)
			r.Post("/rename", s.handleRename)
			r.Post("/observe", s.handleObserve)
			r.Get("/history", s.handleHistory)
		})
	})

	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Sessions())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cwd   string `json:"cwd"`
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Cwd == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}
	id, err := s.registry.Create(r.Context(), req.Cwd, session.CreateOptions{Model: req.Model, Name: req.Name})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	if cwd == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}
	id, ok := s.registry.MostRecentForDir(cwd)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for directory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              res.SessionID,
		"cwd":             res.Cwd,
		"usedFallbackCwd": res.UsedFallbackCwd,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Prompt        string   `json:"prompt"`
		Attachments   []string `json:"attachments"`
		CorrelationID string   `json:"correlationId"`
		FromSession   string   `json:"fromSession"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.FromSession != "" && req.CorrelationID == "" {
		writeError(w, http.StatusBadRequest, "correlationId is required when fromSession is set")
		return
	}
	if s.tracker.IsBusy(id) {
		writeError(w, http.StatusConflict, "session is busy")
		return
	}

	err := s.orch.Dispatch(r.Context(), orchestrator.SendRequest{
		SessionID:     id,
		Prompt:        req.Prompt,
		Attachments:   req.Attachments,
		CorrelationID: req.CorrelationID,
		FromSession:   req.FromSession,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.registry.Rename(chi.URLParam(r, "id"), req.Name); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	removed, err := s.orch.Observe(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observed": removed, "count": s.unobs.Count()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.orch.History(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.unobs.Forget(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecordEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL       string `json:"url"`
		Title     string `json:"title"`
		SessionID string `json:"session_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	em := relay.Embed{URL: req.URL, Title: req.Title}
	if err := s.embeds.Record(em); err != nil {
		s.writeFailure(w, err)
		return
	}
	// A session id means the lookup resolved mid-turn; patch the live stream.
	if req.SessionID != "" {
		s.orch.AnnounceEmbed(req.SessionID, em)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleUnobservedCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.unobs.Count()})
}

// writeFailure maps the core's error taxonomy onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var rej *guard.Rejection
	var conflict *dispatch.ErrAlreadyDispatching
	switch {
	case errors.As(err, &rej):
		// The reason text goes to the caller verbatim.
		writeError(w, http.StatusTooManyRequests, rej.Reason)
	case errors.As(err, &conflict), errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrModelRequired), errors.Is(err, session.ErrNoWorkingDir), errors.Is(err, orchestrator.ErrCorrelationRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
