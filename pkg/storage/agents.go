package storage

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	bolt "go.etcd.io/bbolt"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/codec"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/uid"
)

var bucketAgents = []byte("agents")

// cloneAgent deep-copies an agent record so cache entries never alias the
// records handed to callers.
func cloneAgent(a *types.Agent) *types.Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.LastContact != nil {
		t := *a.LastContact
		cp.LastContact = &t
	}
	if a.SystemInfo.GPU != nil {
		gpu := *a.SystemInfo.GPU
		cp.SystemInfo.GPU = &gpu
	}
	return &cp
}

// DefaultCacheTTL is how long cached agent records and login tokens live
// before the durable map is consulted again.
const DefaultCacheTTL = 120 * time.Second

// AgentStore is the durable agent registry with TTL caches in front of it.
//
// The record cache avoids a database read on every authenticated request; the
// token cache remembers recently seen session tokens. Both evict on TTL, so a
// stale cache entry can outlive an agent by at most one TTL period.
//
// Records crossing the store boundary are always copies. Concurrent requests
// by the same agent each work on their own record; the cache is only ever
// read under Get and replaced wholesale under Create/Update.
type AgentStore struct {
	db         *bolt.DB
	agentCache *gocache.Cache
	tokenCache *gocache.Cache
}

// OpenAgentStore opens the agent database under root and warms the record
// cache from it. Corrupt entries are skipped with a log.
func OpenAgentStore(root string, cacheTTL time.Duration) (*AgentStore, error) {
	db, err := openDB(root, "agents", bucketAgents)
	if err != nil {
		return nil, err
	}

	s := &AgentStore{
		db:         db,
		agentCache: gocache.New(cacheTTL, cacheTTL),
		tokenCache: gocache.New(cacheTTL, cacheTTL),
	}

	logger := log.WithComponent("agent-store")
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := codec.Unmarshal(v, &agent); err != nil {
				logger.Warn().Str("uid", string(k)).Err(err).Msg("skipping corrupt agent record")
				return nil
			}
			s.agentCache.SetDefault(string(k), &agent)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, apperr.Database(err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *AgentStore) Close() error {
	return s.db.Close()
}

// generateUID returns a fresh uid that collides with neither the cache nor
// the durable map.
func (s *AgentStore) generateUID() string {
	for {
		id := uid.New()
		if _, hit := s.agentCache.Get(id); hit {
			log.WithComponent("agent-store").Warn().Str("uid", id).Msg("uid collision, regenerating")
			continue
		}
		var exists bool
		_ = s.db.View(func(tx *bolt.Tx) error {
			exists = tx.Bucket(bucketAgents).Get([]byte(id)) != nil
			return nil
		})
		if exists {
			log.WithComponent("agent-store").Warn().Str("uid", id).Msg("uid collision, regenerating")
			continue
		}
		return id
	}
}

// Create assigns the agent a unique uid, persists it, and caches it.
func (s *AgentStore) Create(agent *types.Agent) error {
	if agent.UID == "" || s.Get(agent.UID) != nil {
		agent.UID = s.generateUID()
		agent.UIDShort = uid.Short(agent.UID)
	}

	data, err := codec.Marshal(agent)
	if err != nil {
		return apperr.Serialization(err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(agent.UID), data)
	})
	if err != nil {
		return apperr.Database(err)
	}

	s.agentCache.SetDefault(agent.UID, cloneAgent(agent))
	return nil
}

// Get returns an independent copy of the agent with the given uid, or nil if
// unknown. The cache is consulted first and populated on a miss.
func (s *AgentStore) Get(id string) *types.Agent {
	if cached, hit := s.agentCache.Get(id); hit {
		return cloneAgent(cached.(*types.Agent))
	}

	var agent *types.Agent
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return nil
		}
		var a types.Agent
		if err := codec.Unmarshal(data, &a); err != nil {
			return nil
		}
		agent = &a
		return nil
	})

	if agent != nil {
		s.agentCache.SetDefault(id, cloneAgent(agent))
	}
	return agent
}

// Update persists a changed agent record. Fails with NotFound if the uid is
// unknown.
func (s *AgentStore) Update(agent *types.Agent) error {
	if s.Get(agent.UID) == nil {
		return apperr.NotFound("agent %s not found", agent.UID)
	}

	data, err := codec.Marshal(agent)
	if err != nil {
		return apperr.Serialization(err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(agent.UID), data)
	})
	if err != nil {
		return apperr.Database(err)
	}

	s.agentCache.SetDefault(agent.UID, cloneAgent(agent))
	return nil
}

// UpdateLastContact stamps the agent's last contact time to now and persists
// the record. Every authenticated agent call goes through this.
func (s *AgentStore) UpdateLastContact(agent *types.Agent) (*types.Agent, error) {
	now := time.Now().UTC()
	agent.LastContact = &now
	if err := s.Update(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Delete removes an agent durably and from the cache.
func (s *AgentStore) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
	if err != nil {
		return apperr.Database(err)
	}
	s.agentCache.Delete(id)
	return nil
}

// ListAll scans the durable map; the cache may be stale or partial, so it is
// not consulted. Returned order is unspecified.
func (s *AgentStore) ListAll() []*types.Agent {
	var agents []*types.Agent
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := codec.Unmarshal(v, &agent); err != nil {
				return nil
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents
}

// Token-presence cache.

// HasToken reports whether the session token was seen within the cache TTL.
func (s *AgentStore) HasToken(token string) bool {
	_, hit := s.tokenCache.Get(token)
	return hit
}

// InsertToken records a session token.
func (s *AgentStore) InsertToken(token string) {
	s.tokenCache.SetDefault(token, struct{}{})
}

// RemoveToken drops a session token.
func (s *AgentStore) RemoveToken(token string) {
	s.tokenCache.Delete(token)
}

// CacheStats returns the cached agent and token counts.
func (s *AgentStore) CacheStats() (agents, tokens int) {
	return s.agentCache.ItemCount(), s.tokenCache.ItemCount()
}

// LogOnlineAgents logs a liveness summary. Non-critical; runs on a periodic
// trigger.
func (s *AgentStore) LogOnlineAgents() {
	all := s.ListAll()
	online := 0
	for _, agent := range all {
		if agent.Online() {
			online++
		}
	}
	log.WithComponent("agent-store").Info().
		Int("online", online).
		Int("total", len(all)).
		Msg("agent liveness")
}
