// Package signingkey caches the symmetric secret used to sign bearer tokens.
//
// The secret is read from the configuration store at most once per Cache and
// then held, encrypted at rest in memory, until the process exits. There is
// no expiry and no invalidation: rotating the stored value requires a new
// Cache.
package signingkey

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/tunnelca/configstore"
	"github.com/jmcleod/tunnelca/pki"
)

// Getter is the part of configstore.Store the cache reads from.
type Getter interface {
	Get(key string) (string, error)
}

// Secret is the signing secret, held in a memguard Enclave.
type Secret struct {
	enclave *memguard.Enclave
	size    int
}

// Use opens the secret for the duration of fn. The slice passed to fn is
// wiped when fn returns and must not be retained.
func (s *Secret) Use(fn func(key []byte) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: opening signing secret: %v", pki.ErrCryptoFailure, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Size is the secret length in bytes.
func (s *Secret) Size() int {
	return s.size
}

// Cache lazily loads the signing secret. It is safe for concurrent use.
type Cache struct {
	store  Getter
	key    string
	logger *slog.Logger

	secret atomic.Pointer[Secret]
	loads  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithKey reads the secret from key instead of configstore.KeyJWTSecret.
func WithKey(key string) Option {
	return func(c *Cache) { c.key = key }
}

// New returns a Cache reading from store.
func New(store Getter, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		key:    configstore.KeyJWTSecret,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SigningKey returns the cached secret, loading it on first use. Concurrent
// first callers share a single store read. A failed load is not remembered;
// the next call reads the store again.
func (c *Cache) SigningKey() (*Secret, error) {
	if s := c.secret.Load(); s != nil {
		return s, nil
	}

	v, err, _ := c.loads.Do(c.key, func() (any, error) {
		if s := c.secret.Load(); s != nil {
			return s, nil
		}
		return c.load()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Secret), nil
}

func (c *Cache) load() (*Secret, error) {
	value, err := c.store.Get(c.key)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not set", pki.ErrConfigMissing, c.key)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", pki.ErrConfigMissing, c.key, err)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", pki.ErrConfigMissing, c.key)
	}

	raw := []byte(value)
	s := &Secret{size: len(raw)}
	s.enclave = memguard.NewEnclave(raw) // wipes raw
	c.secret.Store(s)
	c.logger.Debug("signing secret loaded", "key", c.key, "bytes", s.size)
	return s, nil
}
