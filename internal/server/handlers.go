package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/session"
	"github.com/visorlabs/visor-cli/internal/store"
)

// SessionRequest is the body for POST /api/v1/run and /api/v1/sessions.
type SessionRequest struct {
	Goal     string `json:"goal"`
	StartURL string `json:"start_url,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// SessionSummary is the list representation of a live session.
type SessionSummary struct {
	ID     string                `json:"id"`
	Goal   string                `json:"goal"`
	Status schemas.SessionStatus `json:"status"`
	Steps  int                   `json:"steps"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleRunSync starts a session and blocks until it reaches a terminal
// status, returning the full result.
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSessionRequest(w, r)
	if !ok {
		return
	}

	result, err := s.manager.RunSync(r.Context(), req.Goal, req.StartURL, req.Force)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleStartSession launches a session asynchronously and returns its id.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSessionRequest(w, r)
	if !ok {
		return
	}

	sess, err := s.manager.Start(r.Context(), req.Goal, req.StartURL, req.Force)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, SessionSummary{
		ID:     sess.ID(),
		Goal:   sess.Goal(),
		Status: sess.Status(),
	})
}

// handleListSessions lists live sessions. With ?stored=true it lists
// persisted sessions from the database instead.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stored") == "true" {
		if s.store == nil {
			s.respondError(w, http.StatusServiceUnavailable, "session store is not configured")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		results, err := s.store.ListSessions(r.Context(), limit)
		if err != nil {
			s.logger.Error("Listing stored sessions failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to list stored sessions")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"sessions": results})
		return
	}

	live := s.manager.List()
	summaries := make([]SessionSummary, 0, len(live))
	for _, sess := range live {
		summaries = append(summaries, SessionSummary{
			ID:     sess.ID(),
			Goal:   sess.Goal(),
			Status: sess.Status(),
			Steps:  len(sess.History()),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// handleGetSession returns the state of one session. Finished sessions that
// have already been swept fall back to the store.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, err := s.manager.Get(id)
	if err == nil {
		if result := sess.Result(); result != nil {
			s.respondJSON(w, http.StatusOK, result)
			return
		}
		s.respondJSON(w, http.StatusOK, &schemas.SessionResult{
			ID:      sess.ID(),
			Goal:    sess.Goal(),
			Status:  sess.Status(),
			History: sess.History(),
		})
		return
	}

	if s.store != nil {
		result, storeErr := s.store.GetResult(r.Context(), id)
		if storeErr == nil {
			s.respondJSON(w, http.StatusOK, result)
			return
		}
		if !errors.Is(storeErr, store.ErrNotFound) {
			s.logger.Error("Loading stored session failed", zap.String("session_id", id), zap.Error(storeErr))
			s.respondError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "session not found")
}

// handleCancelSession cancels a running session.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Cancel(id); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) decodeSessionRequest(w http.ResponseWriter, r *http.Request) (SessionRequest, bool) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.respondError(w, http.StatusBadRequest, "goal is required")
		return req, false
	}
	if req.StartURL != "" && !strings.HasPrefix(req.StartURL, "http://") && !strings.HasPrefix(req.StartURL, "https://") {
		s.respondError(w, http.StatusBadRequest, "start_url must be an absolute http(s) URL")
		return req, false
	}
	return req, true
}

func (s *Server) respondManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionLimit):
		s.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Session operation failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
