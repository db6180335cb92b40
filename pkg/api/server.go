package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/broker"
	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/metrics"
)

// ArchiveInterval is the cadence of the stale-task archival sweep.
const ArchiveInterval = 10 * time.Minute

// LivenessLogInterval is the cadence of the agent liveness summary log.
const LivenessLogInterval = 120 * time.Second

// Server is the broker's HTTP surface.
type Server struct {
	cfg    *config.Config
	broker *broker.Broker
	http   *http.Server
	stopCh chan struct{}
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, b *broker.Broker) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		stopCh: make(chan struct{}),
	}
	s.http = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent registration and login, permanent credentials.
	mux.HandleFunc("POST /agent/register", s.instrument("/agent/register", s.handleAgentRegister))
	mux.HandleFunc("POST /agent/auth", s.instrument("/agent/auth", s.handleAgentAuth))

	// Agent session surface, JWT.
	mux.HandleFunc("POST /private/agent/info/update",
		s.instrument("/private/agent/info/update", s.agentAuth(s.handleAgentInfoUpdate)))
	mux.HandleFunc("GET /private/agent/task/poll_urgent",
		s.instrument("/private/agent/task/poll_urgent", s.agentAuth(s.handleAgentPollUrgent)))
	mux.HandleFunc("GET /private/agent/task/poll",
		s.instrument("/private/agent/task/poll", s.agentAuth(s.handleAgentPoll)))
	mux.HandleFunc("POST /private/agent/take/{cap}/{id}",
		s.instrument("/private/agent/take", s.agentAuth(s.handleAgentTake)))
	mux.HandleFunc("POST /private/agent/task/resolve/{cap}/{id}",
		s.instrument("/private/agent/task/resolve", s.agentAuth(s.handleAgentResolve)))
	mux.HandleFunc("POST /private/agent/task/progress/{cap}/{id}",
		s.instrument("/private/agent/task/progress", s.agentAuth(s.handleAgentProgress)))
	mux.HandleFunc("GET /private/agent/ws", s.handleAgentWS)

	// Client surface, api key in body.
	mux.HandleFunc("POST /api/task/submit",
		s.instrument("/api/task/submit", s.clientAuth(s.handleTaskSubmit)))
	mux.HandleFunc("POST /api/task/submit_blocking",
		s.instrument("/api/task/submit_blocking", s.clientAuth(s.handleTaskSubmitBlocking)))
	mux.HandleFunc("POST /api/task/poll/{cap}/{id}",
		s.instrument("/api/task/poll", s.clientAuth(s.handleTaskPollStatus)))
	mux.HandleFunc("POST /api/capabilities/online",
		s.instrument("/api/capabilities/online", s.clientAuth(s.handleCapabilitiesOnline)))

	// Management surface, static token.
	mux.HandleFunc("GET /management/agents", s.mgmtAuth(s.handleMgmtListAgents))
	mux.HandleFunc("GET /management/tasks/unassigned", s.mgmtAuth(s.handleMgmtListUnassigned))
	mux.HandleFunc("GET /management/tasks/assigned", s.mgmtAuth(s.handleMgmtListAssigned))
	mux.HandleFunc("GET /management/tasks/archived", s.mgmtAuth(s.handleMgmtListArchived))
	mux.HandleFunc("GET /management/urgent", s.mgmtAuth(s.handleMgmtUrgent))
	mux.HandleFunc("GET /management/keys", s.mgmtAuth(s.handleMgmtListKeys))
	mux.HandleFunc("POST /management/keys/create", s.mgmtAuth(s.handleMgmtCreateKey))
	mux.HandleFunc("POST /management/keys/revoke", s.mgmtAuth(s.handleMgmtRevokeKey))
	mux.HandleFunc("POST /management/agents/delete", s.mgmtAuth(s.handleMgmtDeleteAgent))
	mux.HandleFunc("POST /management/archive", s.mgmtAuth(s.handleMgmtArchive))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start runs the background loops and serves until Stop.
func (s *Server) Start() error {
	go s.runBackground()

	log.WithComponent("api").Info().Str("addr", s.http.Addr).Msg("listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	return s.http.Shutdown(ctx)
}

// runBackground drives the periodic maintenance work: durable archival and
// the agent liveness log. The urgent sweeper runs inside the urgent store.
func (s *Server) runBackground() {
	archive := time.NewTicker(ArchiveInterval)
	liveness := time.NewTicker(LivenessLogInterval)
	defer archive.Stop()
	defer liveness.Stop()

	for {
		select {
		case <-archive.C:
			if err := s.broker.ArchiveNow(); err != nil {
				log.WithComponent("api").Error().Err(err).Msg("archival sweep failed")
			}
		case <-liveness.C:
			s.broker.Agents().LogOnlineAgents()
			s.updateOnlineGauge()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) updateOnlineGauge() {
	online := 0
	for _, agent := range s.broker.Agents().ListAll() {
		if agent.Online() {
			online++
		}
	}
	metrics.OnlineAgents.Set(float64(online))
}

// writeJSON writes v with the given status. Encoding failures are logged;
// the status line is already out by then.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encoding failed")
	}
}

// writeError logs server-class errors and emits the error envelope.
func writeError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	if e.ShouldLog() {
		log.WithComponent("api").Error().Err(e).Msg("request failed")
	} else {
		log.WithComponent("api").Debug().Err(e).Msg("request rejected")
	}
	apperr.WriteJSON(w, e)
}

// decodeJSON parses a request body, mapping failures to Parse errors.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Parse("invalid request body: %v", err)
	}
	return nil
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents, tokens := s.broker.Agents().CacheStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"urgentTasks":  s.broker.Urgent().Len(),
		"cachedAgents": agents,
		"cachedTokens": tokens,
	})
}
