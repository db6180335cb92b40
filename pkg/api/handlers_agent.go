package api

import (
	"net/http"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/types"
)

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req types.AgentRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.broker.RegisterAgent(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentAuth(w http.ResponseWriter, r *http.Request) {
	var req types.AgentLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.broker.AuthAgent(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentInfoUpdate(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	var req types.AgentUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.broker.UpdateAgentInfo(agent, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAgentPollUrgent returns the oldest matching urgent task, or null.
func (s *Server) handleAgentPollUrgent(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	task, err := s.broker.PollUrgent(agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAgentPoll returns an urgent task first, else an eligible regular
// task, else null.
func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	task, err := s.broker.Poll(agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAgentTake claims the task in the path for the agent. A lost urgent
// race yields null; the agent goes back to polling.
func (s *Server) handleAgentTake(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := s.broker.Take(agent, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAgentResolve(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var report types.TaskResultReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, err)
		return
	}
	if report.ID != id {
		writeError(w, apperr.BadRequest("report id %s does not match path %s", report.ID, id))
		return
	}

	if err := s.broker.Resolve(agent, &report); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "task report confirmed"})
}

func (s *Server) handleAgentProgress(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	id, err := taskIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var update types.TaskUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, err)
		return
	}
	if update.ID != id {
		writeError(w, apperr.BadRequest("update id %s does not match path %s", update.ID, id))
		return
	}

	if err := s.broker.Progress(agent, &update); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "task update confirmed"})
}
