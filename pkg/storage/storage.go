package storage

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// openDB opens (creating if needed) a bbolt database at
// <root>/<name>/<name>.db and ensures the given buckets exist. Every bucket
// is an independent ordered tree; bbolt commits reach stable storage before
// Update returns.
func openDB(root, name string, buckets ...[]byte) (*bolt.DB, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", name, err)
	}

	db, err := bolt.Open(filepath.Join(dir, name+".db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
