// Package persist keeps environment setpoints across restarts.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDesired = []byte("desired")
	bucketMeta    = []byte("meta")

	keySavedAt = []byte("saved_at")
)

type Snapshots struct {
	db *bolt.DB
}

func Open(path string) (*Snapshots, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDesired, bucketMeta} {
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

	return &Snapshots{db: db}, nil
}

func (s *Snapshots) Close() error {
	return s.db.Close()
}

// Save replaces the stored setpoints with desired.
func (s *Snapshots) Save(desired map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDesired); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDesired)
		if err != nil {
			return err
		}
		for name, v := range desired {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", name, err)
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keySavedAt, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// Load returns the saved setpoints, and when they were saved. A database
// that was never saved to returns an empty map and a zero time.
func (s *Snapshots) Load() (map[string]any, time.Time, error) {
	desired := make(map[string]any)
	var savedAt time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketDesired).ForEach(func(k, v []byte) error {
			var value any
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			desired[string(k)] = value
			return nil
		})
		if err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get(keySavedAt); raw != nil {
			savedAt, err = time.Parse(time.RFC3339Nano, string(raw))
		}
		return err
	})
	return desired, savedAt, err
}
