package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/queue"
)

// addJobPayload is the wire form of a job submission.
type addJobPayload struct {
	ID         string          `json:"id"`
	Priority   int             `json:"priority"`
	Data       json.RawMessage `json:"data"`
	OwnerID    string          `json:"owner_id"`
	GroupID    *uuid.UUID      `json:"group_id"`
	Backlog    bool            `json:"backlog"`
	TimesOutAt *time.Time      `json:"times_out_at"`
}

func (p *addJobPayload) toRequest() (queue.AddJobRequest, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return queue.AddJobRequest{}, errors.New("invalid job id")
	}
	return queue.AddJobRequest{
		ID:         id,
		Priority:   p.Priority,
		Data:       p.Data,
		OwnerID:    p.OwnerID,
		GroupID:    p.GroupID,
		Backlog:    p.Backlog,
		TimesOutAt: p.TimesOutAt,
	}, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var payload addJobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, created, err := s.queue.TryAddJob(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		s.writeJSON(w, http.StatusConflict, job)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleAddJobs(w http.ResponseWriter, r *http.Request) {
	var payloads []addJobPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqs := make([]queue.AddJobRequest, len(payloads))
	for i, payload := range payloads {
		req, err := payload.toRequest()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		reqs[i] = req
	}

	jobs, err := s.queue.AddJobs(r.Context(), reqs)
	if errors.Is(err, interfaces.ErrDuplicateJob) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWaitForJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		d, err := time.ParseDuration(raw + "ms")
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout_ms")
			return
		}
		timeout = d
	}

	value, err := s.queue.WaitForJob(r.Context(), id, timeout)
	if err != nil {
		var failed *queue.JobFailedError
		switch {
		case errors.Is(err, queue.ErrWaitTimeout):
			s.writeError(w, http.StatusRequestTimeout, "timed out waiting for job")
		case errors.As(err, &failed):
			s.writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "failed_reason": failed.Reason})
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "return_value": value})
}

func (s *Server) handlePromoteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	promoted, err := s.queue.PromoteJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !promoted {
		s.writeError(w, http.StatusNotFound, "job not in backlog")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"promoted": true})
}
