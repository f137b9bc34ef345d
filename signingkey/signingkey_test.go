package signingkey_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tunnelca/configstore"
	"github.com/jmcleod/tunnelca/configstore/memory"
	"github.com/jmcleod/tunnelca/pki"
	"github.com/jmcleod/tunnelca/signingkey"
)

// countingStore counts reads and makes each one slow enough for concurrent
// callers to pile up behind it.
type countingStore struct {
	*memory.Store
	reads atomic.Int32
	delay time.Duration
}

func (s *countingStore) Get(key string) (string, error) {
	s.reads.Add(1)
	time.Sleep(s.delay)
	return s.Store.Get(key)
}

func newCountingStore(t *testing.T, secret string) *countingStore {
	t.Helper()
	s := &countingStore{Store: memory.New(), delay: 20 * time.Millisecond}
	if secret != "" {
		require.NoError(t, s.Set(configstore.KeyJWTSecret, secret))
	}
	return s
}

func TestSigningKey(t *testing.T) {
	store := newCountingStore(t, "jwt-secret-value")
	cache := signingkey.New(store)

	secret, err := cache.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, len("jwt-secret-value"), secret.Size())
	require.NoError(t, secret.Use(func(key []byte) error {
		assert.Equal(t, []byte("jwt-secret-value"), key)
		return nil
	}))

	again, err := cache.SigningKey()
	require.NoError(t, err)
	assert.Same(t, secret, again)
	assert.Equal(t, int32(1), store.reads.Load())
}

func TestSigningKeyConcurrentColdStart(t *testing.T) {
	store := newCountingStore(t, "shared-secret")
	cache := signingkey.New(store)

	const callers = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		secrets = make([]*signingkey.Secret, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			secrets[i], errs[i] = cache.SigningKey()
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, secrets[0], secrets[i])
	}
	assert.Equal(t, int32(1), store.reads.Load())
}

func TestSigningKeyMissingIsNotCached(t *testing.T) {
	store := newCountingStore(t, "")
	cache := signingkey.New(store)

	_, err := cache.SigningKey()
	assert.ErrorIs(t, err, pki.ErrConfigMissing)

	require.NoError(t, store.Set(configstore.KeyJWTSecret, "late-secret"))
	secret, err := cache.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, len("late-secret"), secret.Size())
	assert.Equal(t, int32(2), store.reads.Load())
}

func TestSigningKeyEmptyValue(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Set(configstore.KeyJWTSecret, ""))

	_, err := signingkey.New(store).SigningKey()
	assert.ErrorIs(t, err, pki.ErrConfigMissing)
}

type brokenStore struct{}

func (brokenStore) Get(string) (string, error) { return "", errors.New("disk on fire") }

func TestSigningKeyStoreFailure(t *testing.T) {
	_, err := signingkey.New(brokenStore{}).SigningKey()
	assert.ErrorIs(t, err, pki.ErrConfigMissing)
	assert.ErrorContains(t, err, "disk on fire")
}

func TestSigningKeyCustomKey(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Set("other.key", "x"))

	secret, err := signingkey.New(store, signingkey.WithKey("other.key")).SigningKey()
	require.NoError(t, err)
	assert.Equal(t, 1, secret.Size())
}

func TestSecretUsePropagatesError(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Set(configstore.KeyJWTSecret, "k"))
	secret, err := signingkey.New(store).SigningKey()
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.ErrorIs(t, secret.Use(func([]byte) error { return boom }), boom)
}
