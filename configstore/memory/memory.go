// Package memory provides a thread-safe in-memory configstore.Store.
package memory

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jmcleod/tunnelca/configstore"
)

// Store is a thread-safe in-memory implementation of configstore.Store.
// Suitable for testing and single-process use.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ configstore.Store = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (string, error) {
	v, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, configstore.ErrNotFound)
	}
	return v, nil
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (s *Store) Batch(fn func(tx configstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := maps.Clone(s.data)
	if err := fn(&memoryTx{store: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

type memoryTx struct {
	store *Store
}

func (tx *memoryTx) Get(key string) (string, error) {
	return tx.store.getLocked(key)
}

func (tx *memoryTx) Set(key, value string) error {
	tx.store.data[key] = value
	return nil
}
