// Package bbolt provides a BBolt-backed configstore.Store.
package bbolt

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/tunnelca/configstore"
)

var bucketName = []byte("configurations")

// Store implements configstore.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ configstore.Store = (*Store)(nil)

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewFromFile opens a BBolt database at the given path and returns a new Store.
func NewFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v, err := getInBucket(tx.Bucket(bucketName), key)
		value = v
		return err
	})
	return value, err
}

func (s *Store) Set(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *Store) Batch(fn func(tx configstore.Tx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return fn(&boltTx{bucket: b})
	})
}

func getInBucket(b *bbolt.Bucket, key string) (string, error) {
	if b == nil {
		return "", fmt.Errorf("%s: %w", key, configstore.ErrNotFound)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return "", fmt.Errorf("%s: %w", key, configstore.ErrNotFound)
	}
	// Values returned by bbolt are only valid for the life of the
	// transaction; string conversion copies.
	return string(data), nil
}

type boltTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltTx) Get(key string) (string, error) {
	return getInBucket(tx.bucket, key)
}

func (tx *boltTx) Set(key, value string) error {
	return tx.bucket.Put([]byte(key), []byte(value))
}
