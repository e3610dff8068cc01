// Package adminapi exposes the HTTP surface of the service: the
// conversational endpoint plus operator controls for sessions, memory,
// and the extraction guideline.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/curator"
	"github.com/hearthd/hearth/internal/fault"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/semantic"
	"github.com/hearthd/hearth/internal/store"
)

type Server struct {
	store     *store.Store
	index     *semantic.Index
	guideline *curator.GuidelineSource
	agent     *agent.Agent
}

func New(st *store.Store, index *semantic.Index, guideline *curator.GuidelineSource, ag *agent.Agent) *Server {
	return &Server{store: st, index: index, guideline: guideline, agent: ag}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, req)
	})

	r.Post("/v1/turns", s.handleTurn)
	r.Post("/v1/oneshot", s.handleOneshot)

	r.Post("/v1/sessions/{id}/clear", s.handleClearSession)
	r.Post("/v1/clear-all", s.handleClearAll)
	r.Get("/v1/users/{id}/stats", s.handleUserStats)
	r.Post("/v1/rebuild", s.handleRebuild)

	r.Get("/v1/guideline", s.handleGetGuideline)
	r.Post("/v1/guideline", s.handleUpdateGuideline)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string   `json:"userId"`
		Text      string   `json:"text"`
		ImageRefs []string `json:"imageRefs,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	reply, err := s.agent.HandleTurn(r.Context(), req.UserID, req.Text, req.ImageRefs)
	if err != nil {
		if fault.IsStructural(err) {
			respondError(w, http.StatusConflict, "session_unrecoverable", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "turn_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (s *Server) handleOneshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instruction string   `json:"instruction"`
		ImageRefs   []string `json:"imageRefs,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.agent.Oneshot(r.Context(), req.Instruction, req.ImageRefs)
	if err != nil {
		respondError(w, http.StatusBadGateway, "oneshot_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing session id")
		return
	}
	if err := s.store.Clear(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "clear_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cleared": id})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "clear_failed", err.Error())
		return
	}
	if s.index != nil {
		if err := s.index.ClearAll(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, "clear_failed", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"cleared": "all"})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	resp := map[string]any{"userId": userID}
	sess, err := s.store.GetSessionByUser(userID)
	switch {
	case err == nil:
		resp["session"] = sess
	case errors.Is(err, fault.ErrNotFound):
		resp["session"] = nil
	default:
		respondError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	if s.index != nil {
		resp["memory"] = s.index.UserStats(userID)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "semantic memory disabled")
		return
	}
	if err := s.index.Rebuild(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "rebuild_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": s.index.Count()})
}

func (s *Server) handleGetGuideline(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.guideline.Current())
}

func (s *Server) handleUpdateGuideline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	updated, err := s.guideline.Update(req.Text)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_guideline", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
