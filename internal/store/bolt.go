package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	keyList       = []byte("list")
)

// BoltStore implements Store using BoltDB. The whole list is one value so a
// Save is a single atomic transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q: %w", bucketDevices, ErrNotFound)
		}
		data := b.Get(keyList)
		if data == nil {
			return fmt.Errorf("device list: %w", ErrNotFound)
		}
		// data is only valid inside the transaction; Decode copies out.
		var err error
		records, err = Decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BoltStore) Save(records []Record) error {
	data, err := Encode(records)
	if err != nil {
		return fmt.Errorf("encode device list: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Put(keyList, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
