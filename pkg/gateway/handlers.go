package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/session"
	"github.com/harun/tata/pkg/stream"
)

// IdempotencyHeader carries a client request id for turn submissions.
const IdempotencyHeader = "Idempotency-Key"

func decodeTurn(w http.ResponseWriter, r *http.Request) (orchestrator.TurnInput, bool) {
	var input orchestrator.TurnInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return input, false
	}
	if key := r.Header.Get(IdempotencyHeader); key != "" && input.RequestID == "" {
		input.RequestID = key
	}
	return input, true
}

func turnErrorStatus(err error) int {
	if errors.Is(err, orchestrator.ErrEmptyMessage) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeTurn(w, r)
	if !ok {
		return
	}

	result, err := s.runner.Run(r.Context(), input)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", input.SessionID).Msg("Turn failed")
		writeError(w, turnErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeTurn(w, r)
	if !ok {
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.runner.RunStream(r.Context(), input)
	if err != nil {
		writeError(w, turnErrorStatus(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := sse.Drain(r.Context(), events); err != nil {
		s.logger.Warn().Err(err).Msg("Event stream ended early")
	}
}

type sessionResponse struct {
	SessionID     string                   `json:"session_id"`
	UserID        string                   `json:"user_id,omitempty"`
	Status        session.Status           `json:"status"`
	Agenda        string                   `json:"agenda"`
	SessionMemory string                   `json:"session_memory,omitempty"`
	Paused        bool                     `json:"paused"`
	PendingAnswer string                   `json:"pending_answer,omitempty"`
	Drafts        map[string]session.Draft `json:"drafts"`
	Messages      []session.StoredMessage  `json:"messages"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := sessionResponse{
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		Status:    snap.Status,
		Drafts:    snap.Drafts,
		Messages:  msgs,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.State != nil {
		resp.Agenda = snap.State.AgendaDoc
		resp.SessionMemory = snap.State.SessionMemory
		resp.Paused = snap.State.IsInteractivePause
		resp.PendingAnswer = snap.State.UserVisibleAnswer()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
