package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/metrics"
	"github.com/offloadmq/offloadmq/pkg/types"
)

// agentHandler is a handler that runs with the authenticated agent resolved.
type agentHandler func(w http.ResponseWriter, r *http.Request, agent *types.Agent)

// agentAuth verifies the Bearer token, resolves the agent record, and passes
// it to the handler. A valid token for a deleted agent is a 403.
func (s *Server) agentAuth(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, apperr.Authentication("missing bearer token"))
			return
		}

		uid, err := s.broker.Issuer().Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}

		agent := s.broker.Agents().Get(uid)
		if agent == nil {
			writeError(w, apperr.Authorization("agent not found"))
			return
		}

		next(w, r, agent)
	}
}

// clientAuth verifies that the body carries an active api key, then restores
// the body for the handler. Capability-level checks happen in the broker.
func (s *Server) clientAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apperr.Parse("unreadable request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek types.ApiKeyRequest
		if err := json.Unmarshal(body, &peek); err != nil {
			writeError(w, apperr.Parse("invalid request body: %v", err))
			return
		}
		if peek.ApiKey == "" {
			writeError(w, apperr.Authentication("missing apiKey"))
			return
		}
		if !s.broker.Keys().IsKeyActive(peek.ApiKey) {
			writeError(w, apperr.Authorization("API key invalid"))
			return
		}

		next(w, r)
	}
}

// mgmtAuth guards the management surface with the static token, accepted as
// a Bearer header or X-Management-Token. An empty configured token disables
// the surface entirely.
func (s *Server) mgmtAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configured := s.cfg.ManagementToken
		if configured == "" {
			writeError(w, apperr.Authorization("management surface disabled"))
			return
		}

		presented := r.Header.Get("X-Management-Token")
		if presented == "" {
			presented, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
			writeError(w, apperr.Authorization("invalid management token"))
			return
		}

		next(w, r)
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument counts requests per route and status class.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		class := strconv.Itoa(rec.status/100) + "xx"
		metrics.HTTPRequests.WithLabelValues(route, class).Inc()
	}
}

// taskIDFromPath parses the {cap}/{id} path segments.
func taskIDFromPath(r *http.Request) (types.TaskID, error) {
	id, err := types.ParseTaskID(r.PathValue("cap"), r.PathValue("id"))
	if err != nil {
		return types.TaskID{}, apperr.Parse("%v", err)
	}
	return id, nil
}
