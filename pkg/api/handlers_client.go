package api

import (
	"net/http"

	"github.com/offloadmq/offloadmq/pkg/types"
)

type taskQueuedResponse struct {
	ID         types.TaskID `json:"id"`
	Capability string       `json:"capability"`
	Status     string       `json:"status"`
	Message    string       `json:"message"`
}

type taskStatusResponse struct {
	ID     types.TaskID     `json:"id"`
	Status types.TaskStatus `json:"status"`
}

// handleTaskSubmit accepts both modes. Regular tasks are queued and the id
// returned immediately; urgent tasks go through the blocking path and the
// response carries the final task.
func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.TaskSubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Urgent {
		s.submitBlocking(w, r, &req)
		return
	}

	task, err := s.broker.SubmitTask(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskQueuedResponse{
		ID:         task.ID,
		Capability: task.ID.Cap,
		Status:     "pending",
		Message:    "Added to tasks queue",
	})
}

// handleTaskSubmitBlocking accepts urgent tasks only.
func (s *Server) handleTaskSubmitBlocking(w http.ResponseWriter, r *http.Request) {
	var req types.TaskSubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.submitBlocking(w, r, &req)
}

// submitBlocking runs the blocking submission and writes the final task, or
// a status-only envelope if the entry resolved without an assigned record.
func (s *Server) submitBlocking(w http.ResponseWriter, r *http.Request, req *types.TaskSubmissionRequest) {
	task, status, err := s.broker.SubmitBlocking(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, taskStatusResponse{Status: status})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskPollStatus(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req types.ApiKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.broker.PollStatus(req.ApiKey, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCapabilitiesOnline(w http.ResponseWriter, r *http.Request) {
	var req types.ApiKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.broker.OnlineCapabilities(req.ApiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
