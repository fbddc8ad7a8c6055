package main

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is the durable key/value port the room persists its state through.
// Get returns (nil, nil) for an absent key.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Close() error
}

const stateBucket = "rooms"

// boltStore backs the Store port with a single-file bbolt database.
type boltStore struct {
	db *bolt.DB
}

func openBoltStore(path string) (*boltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(stateBucket)).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})

	return value, err
}

func (s *boltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put([]byte(key), value)
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
