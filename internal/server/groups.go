package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/models"
)

type addGroupPayload struct {
	ID                  string                      `json:"id"`
	OwnerID             string                      `json:"owner_id"`
	TTLMs               int64                       `json:"ttl"`
	ConcurrencySettings []models.ConcurrencySetting `json:"concurrency_settings"`
}

func (s *Server) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	var payload addGroupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if payload.TTLMs <= 0 {
		s.writeError(w, http.StatusBadRequest, "ttl must be positive")
		return
	}

	ttl := time.Duration(payload.TTLMs) * time.Millisecond
	group, err := s.queue.AddGroup(r.Context(), id, payload.OwnerID, ttl, payload.ConcurrencySettings)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	group, err := s.queue.GetGroup(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if group == nil {
		s.writeError(w, http.StatusNotFound, "group not found")
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

// handleOngoingGroups lists an owner's active groups, for admission control.
func (s *Server) handleOngoingGroups(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	groups, err := s.queue.GetOngoingByOwner(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if groups == nil {
		groups = []*models.Group{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	cancelled, err := s.queue.CancelGroup(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
