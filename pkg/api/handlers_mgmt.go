package api

import (
	"net/http"

	"github.com/offloadmq/offloadmq/pkg/types"
)

func (s *Server) handleMgmtListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListAgents())
}

func (s *Server) handleMgmtListUnassigned(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.broker.ListUnassignedTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleMgmtListAssigned(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.broker.ListAssignedTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleMgmtListArchived(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.broker.ListArchivedTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleMgmtUrgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.UrgentSnapshot())
}

func (s *Server) handleMgmtListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListKeys())
}

func (s *Server) handleMgmtCreateKey(w http.ResponseWriter, r *http.Request) {
	var req types.KeyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record, err := s.broker.CreateKey(req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleMgmtRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req types.KeyRevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.broker.RevokeKey(req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "key revoked"})
}

func (s *Server) handleMgmtDeleteAgent(w http.ResponseWriter, r *http.Request) {
	var req types.AgentDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.broker.DeleteAgent(req.UID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "agent deleted"})
}

func (s *Server) handleMgmtArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.ArchiveNow(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "archival sweep complete"})
}
