package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// lockPayload carries the worker's lease token plus the operation-specific
// fields for finish and fail.
type lockPayload struct {
	Lock         string          `json:"lock"`
	ReturnValue  json.RawMessage `json:"return_value"`
	FailedReason string          `json:"failed_reason"`
}

func (s *Server) decodeLock(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, *lockPayload, bool) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, uuid.Nil, nil, false
	}

	var payload lockPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return uuid.Nil, uuid.Nil, nil, false
	}
	lock, err := uuid.Parse(payload.Lock)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid lock token")
		return uuid.Nil, uuid.Nil, nil, false
	}
	return id, lock, &payload, true
}

// handleNextJob hands out one dispatched job. 204 when the queue is empty.
func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJobToProcess(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	id, lock, _, ok := s.decodeLock(w, r)
	if !ok {
		return
	}

	renewed, err := s.queue.RenewLock(r.Context(), id, lock)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"renewed": renewed})
}

func (s *Server) handleFinishJob(w http.ResponseWriter, r *http.Request) {
	id, lock, payload, ok := s.decodeLock(w, r)
	if !ok {
		return
	}

	finished, err := s.queue.JobFinish(r.Context(), id, lock, payload.ReturnValue)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"finished": finished})
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	id, lock, payload, ok := s.decodeLock(w, r)
	if !ok {
		return
	}

	failed, err := s.queue.JobFail(r.Context(), id, lock, payload.FailedReason)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"failed": failed})
}
