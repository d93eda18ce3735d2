package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	SummaryBucket  = []byte("summaries")
	MetadataBucket = []byte("metadata")
)

// BoltStore is the default single-file mirror backend.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{SummaryBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) UpsertSummary(ctx context.Context, summary *Summary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SummaryBucket)

		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}

		return bucket.Put([]byte(summary.TrackingID), data)
	})
}

func (s *BoltStore) ReadSummary(ctx context.Context, trackingID string) (*Summary, error) {
	var summary Summary

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SummaryBucket)

		data := bucket.Get([]byte(trackingID))
		if data == nil {
			return ErrNotFound
		}

		return json.Unmarshal(data, &summary)
	})

	if err != nil {
		return nil, err
	}

	return &summary, nil
}

func (s *BoltStore) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
