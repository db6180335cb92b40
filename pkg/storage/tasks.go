package storage

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/codec"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/types"
)

var (
	bucketTasksUnassigned = []byte("tasks_unassigned")
	bucketTasksAssigned   = []byte("tasks_assigned")
	bucketTasksArchived   = []byte("tasks_archived")
)

// ArchiveAfter is how long an assigned task must sit idle in a non-running
// state before it is moved to the archive tree.
const ArchiveAfter = 7 * 24 * time.Hour

// TaskStore is the durable task store: three trees keyed by "cap|id" holding
// unassigned, assigned, and archived tasks. The only admissible promotion
// from unassigned to assigned is Assign, which runs in a single transaction
// so a crash can never lose or duplicate a task mid-promotion.
type TaskStore struct {
	db *bolt.DB
}

// OpenTaskStore opens the task database under root.
func OpenTaskStore(root string) (*TaskStore, error) {
	db, err := openDB(root, "tasks", bucketTasksUnassigned, bucketTasksAssigned, bucketTasksArchived)
	if err != nil {
		return nil, err
	}
	return &TaskStore{db: db}, nil
}

// Close closes the underlying database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// AddUnassigned inserts a task into the unassigned tree. A duplicate TaskID
// overwrites; the id space makes collisions impossible in practice.
func (s *TaskStore) AddUnassigned(task *types.UnassignedTask) error {
	data, err := codec.Marshal(task)
	if err != nil {
		return apperr.Serialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksUnassigned).Put([]byte(task.ID.Key()), data)
	})
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// Assign promotes a task from unassigned to assigned for the given agent.
// The removal and the insert commit together; if the task is not in the
// unassigned tree the promotion fails with Conflict (another agent won).
func (s *TaskStore) Assign(id types.TaskID, agentID string) (*types.AssignedTask, error) {
	var assigned *types.AssignedTask
	key := []byte(id.Key())

	err := s.db.Update(func(tx *bolt.Tx) error {
		unassigned := tx.Bucket(bucketTasksUnassigned)
		data := unassigned.Get(key)
		if data == nil {
			return apperr.Conflict("unassigned task not found: %s", id)
		}

		var task types.UnassignedTask
		if err := codec.Unmarshal(data, &task); err != nil {
			return apperr.Serialization(err)
		}
		if err := unassigned.Delete(key); err != nil {
			return err
		}

		assigned = task.AssignTo(agentID)
		out, err := codec.Marshal(assigned)
		if err != nil {
			return apperr.Serialization(err)
		}
		return tx.Bucket(bucketTasksAssigned).Put(key, out)
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return nil, err
		}
		return nil, apperr.Database(err)
	}
	return assigned, nil
}

// GetUnassigned returns an unassigned task by id, or nil.
func (s *TaskStore) GetUnassigned(id types.TaskID) (*types.UnassignedTask, error) {
	var task *types.UnassignedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasksUnassigned).Get([]byte(id.Key()))
		if data == nil {
			return nil
		}
		var t types.UnassignedTask
		if err := codec.Unmarshal(data, &t); err != nil {
			return apperr.Serialization(err)
		}
		task = &t
		return nil
	})
	return task, err
}

// GetAssigned returns an assigned task by id, or nil.
func (s *TaskStore) GetAssigned(id types.TaskID) (*types.AssignedTask, error) {
	var task *types.AssignedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasksAssigned).Get([]byte(id.Key()))
		if data == nil {
			return nil
		}
		var t types.AssignedTask
		if err := codec.Unmarshal(data, &t); err != nil {
			return apperr.Serialization(err)
		}
		task = &t
		return nil
	})
	return task, err
}

// UpdateAssigned upserts an assigned task. Callers are responsible for only
// mutating fields the task state machine allows.
func (s *TaskStore) UpdateAssigned(task *types.AssignedTask) error {
	data, err := codec.Marshal(task)
	if err != nil {
		return apperr.Serialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksAssigned).Put([]byte(task.ID.Key()), data)
	})
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// ListUnassignedForCapability scans the "cap|" prefix of the unassigned tree.
// The scan sees a consistent snapshot of the keys present at call time.
func (s *TaskStore) ListUnassignedForCapability(capability string) ([]*types.UnassignedTask, error) {
	prefix := []byte(capability + "|")
	var tasks []*types.UnassignedTask

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasksUnassigned).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var task types.UnassignedTask
			if err := codec.Unmarshal(v, &task); err != nil {
				return apperr.Serialization(err)
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	return tasks, err
}

// ListUnassignedWithCaps unions the per-capability scans.
func (s *TaskStore) ListUnassignedWithCaps(caps []string) ([]*types.UnassignedTask, error) {
	var all []*types.UnassignedTask
	for _, capability := range caps {
		tasks, err := s.ListUnassignedForCapability(capability)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// ListUnassignedAll returns every unassigned task.
func (s *TaskStore) ListUnassignedAll() ([]*types.UnassignedTask, error) {
	var tasks []*types.UnassignedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksUnassigned).ForEach(func(k, v []byte) error {
			var task types.UnassignedTask
			if err := codec.Unmarshal(v, &task); err != nil {
				return apperr.Serialization(err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ListAssignedAll returns every assigned task.
func (s *TaskStore) ListAssignedAll() ([]*types.AssignedTask, error) {
	var tasks []*types.AssignedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksAssigned).ForEach(func(k, v []byte) error {
			var task types.AssignedTask
			if err := codec.Unmarshal(v, &task); err != nil {
				return apperr.Serialization(err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ListArchivedAll returns every archived task.
func (s *TaskStore) ListArchivedAll() ([]*types.AssignedTask, error) {
	var tasks []*types.AssignedTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksArchived).ForEach(func(k, v []byte) error {
			var task types.AssignedTask
			if err := codec.Unmarshal(v, &task); err != nil {
				return apperr.Serialization(err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ArchiveStale moves assigned tasks that are not running and have been
// assigned for longer than ArchiveAfter into the archived tree. Running
// tasks are never touched. The whole sweep commits as one transaction, so
// re-running it is a no-op.
func (s *TaskStore) ArchiveStale() error {
	cutoff := time.Now().UTC().Add(-ArchiveAfter)
	moved := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		assigned := tx.Bucket(bucketTasksAssigned)
		archived := tx.Bucket(bucketTasksArchived)

		type stale struct{ k, v []byte }
		var toArchive []stale

		err := assigned.ForEach(func(k, v []byte) error {
			var task types.AssignedTask
			if err := codec.Unmarshal(v, &task); err != nil {
				return apperr.Serialization(err)
			}
			if task.Status != types.TaskStatusRunning && task.AssignedAt.Before(cutoff) {
				toArchive = append(toArchive, stale{
					k: append([]byte(nil), k...),
					v: append([]byte(nil), v...),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range toArchive {
			if err := assigned.Delete(item.k); err != nil {
				return err
			}
			if err := archived.Put(item.k, item.v); err != nil {
				return err
			}
		}
		moved = len(toArchive)
		return nil
	})
	if err != nil {
		if _, ok := err.(*apperr.Error); ok {
			return err
		}
		return apperr.Database(err)
	}

	if moved > 0 {
		log.WithComponent("task-store").Info().Int("archived", moved).Msg("archived stale tasks")
	}
	return nil
}
