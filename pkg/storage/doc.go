/*
Package storage provides the broker's durable state on top of bbolt.

Three independent databases live under DATABASE_ROOT_PATH, one per concern,
each with its own buckets (ordered trees):

	agents/agents.db                  agents            (uid)
	tasks/tasks.db                    tasks_unassigned  (cap|id)
	                                  tasks_assigned    (cap|id)
	                                  tasks_archived    (cap|id)
	client_api_keys/client_api_keys.db  api_keys_active   (key)
	                                    api_keys_archived (key)

Values are self-describing msgpack maps (see pkg/codec), so records keep
their field names on disk and tolerate schema additions.

# Transactions

bbolt gives the two guarantees the broker needs from its substrate:

  - Cross-bucket moves commit atomically. TaskStore.Assign removes from
    tasks_unassigned and inserts into tasks_assigned inside one Update
    transaction; a crash between the two steps cannot lose the task or leave
    it in both trees. APIKeyStore.Update relies on the same property when a
    revoked key moves to the archive.
  - Prefix scans run inside a View transaction and therefore observe a
    consistent snapshot of the keys present at call time.

Writes reach stable storage before Update returns.

# Caching

AgentStore fronts its bucket with two TTL caches (default 120s): agent
records, populated on miss and warmed at startup, and a login-token presence
cache. ListAll deliberately bypasses the record cache because TTL eviction
makes it partial.

Task-id keys embed a ULID, so within one capability prefix the unassigned
tree iterates in rough submission order.
*/
package storage
