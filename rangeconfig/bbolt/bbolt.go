// Package bbolt provides a BBolt-backed range configuration store.
package bbolt

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/seriatim/rangeconfig"
)

var bucketName = []byte("rangeconfig")

// Store implements rangeconfig.Store backed by a BBolt database. PutString
// stages values in memory; Commit flushes the staged set in one transaction.
type Store struct {
	db *bbolt.DB

	mu      sync.Mutex
	pending map[string]string
}

var _ rangeconfig.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db, pending: make(map[string]string)}
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new
// Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetString(name string) (string, error) {
	s.mu.Lock()
	if v, ok := s.pending[name]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("%s: %w", name, rangeconfig.ErrNotFound)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%s: %w", name, rangeconfig.ErrNotFound)
		}
		value = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) PutString(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[name] = value
	return nil
}

func (s *Store) Commit() error {
	s.mu.Lock()
	staged := s.pending
	s.pending = make(map[string]string)
	s.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		for k, v := range staged {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing range config: %w", err)
	}
	return nil
}
