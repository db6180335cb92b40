package storage

import (
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/codec"
	"github.com/offloadmq/offloadmq/pkg/types"
)

var (
	bucketKeysActive   = []byte("api_keys_active")
	bucketKeysArchived = []byte("api_keys_archived")
)

// APIKeyStore holds client API keys in two trees: active and archived.
// Revoking a key moves its record from active to archived atomically.
type APIKeyStore struct {
	db *bolt.DB
}

// OpenAPIKeyStore opens the client key database under root.
func OpenAPIKeyStore(root string) (*APIKeyStore, error) {
	db, err := openDB(root, "client_api_keys", bucketKeysActive, bucketKeysArchived)
	if err != nil {
		return nil, err
	}
	return &APIKeyStore{db: db}, nil
}

// Close closes the underlying database.
func (s *APIKeyStore) Close() error {
	return s.db.Close()
}

// FindActive returns the active record for a key, or nil.
func (s *APIKeyStore) FindActive(key string) (*types.ClientApiKey, error) {
	var record *types.ClientApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeysActive).Get([]byte(key))
		if data == nil {
			return nil
		}
		var k types.ClientApiKey
		if err := codec.Unmarshal(data, &k); err != nil {
			return apperr.Serialization(err)
		}
		record = &k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Verify succeeds iff an active, non-revoked record exists for the key and
// its capability patterns cover requiredCap.
func (s *APIKeyStore) Verify(key, requiredCap string) error {
	record, err := s.FindActive(key)
	if err != nil {
		return err
	}
	if record != nil && !record.IsRevoked && HasCapability(record.Capabilities, requiredCap) {
		return nil
	}
	return apperr.Authorization("API key invalid")
}

// IsKeyActive reports whether the key exists and is not revoked, ignoring
// capabilities.
func (s *APIKeyStore) IsKeyActive(key string) bool {
	record, err := s.FindActive(key)
	return err == nil && record != nil && !record.IsRevoked
}

// HasCapability reports whether any of the key's capability patterns covers
// requiredCap. "*" matches everything; a trailing "*" matches by prefix;
// anything else must match exactly.
func HasCapability(patterns []string, requiredCap string) bool {
	for _, pattern := range patterns {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, "*"):
			if strings.HasPrefix(requiredCap, pattern[:len(pattern)-1]) {
				return true
			}
		case pattern == requiredCap:
			return true
		}
	}
	return false
}

// Upsert inserts or replaces a key in the active tree.
func (s *APIKeyStore) Upsert(record *types.ClientApiKey) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return apperr.Serialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeysActive).Put([]byte(record.Key), data)
	})
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// Update writes a changed key record. A record flipped to revoked moves from
// active to archived within one transaction.
func (s *APIKeyStore) Update(record *types.ClientApiKey) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return apperr.Serialization(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if record.IsRevoked {
			if err := tx.Bucket(bucketKeysArchived).Put([]byte(record.Key), data); err != nil {
				return err
			}
			return tx.Bucket(bucketKeysActive).Delete([]byte(record.Key))
		}
		return tx.Bucket(bucketKeysActive).Put([]byte(record.Key), data)
	})
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

// InitializeFromList seeds predefined keys with full capabilities. Existing
// records for the same key are overwritten.
func (s *APIKeyStore) InitializeFromList(keys []string) error {
	for _, key := range keys {
		record := &types.ClientApiKey{
			Key:          key,
			Capabilities: []string{"*"},
			IsPredefined: true,
			Created:      time.Now().UTC(),
			IsRevoked:    false,
		}
		if err := s.Upsert(record); err != nil {
			return err
		}
	}
	return nil
}

// ListAll returns every active key record.
func (s *APIKeyStore) ListAll() []*types.ClientApiKey {
	var keys []*types.ClientApiKey
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeysActive).ForEach(func(k, v []byte) error {
			var record types.ClientApiKey
			if err := codec.Unmarshal(v, &record); err != nil {
				return nil
			}
			keys = append(keys, &record)
			return nil
		})
	})
	return keys
}
