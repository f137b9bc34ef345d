// Package storetest checks configstore.Store implementations against the
// behaviour every backend shares.
package storetest

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/jmcleod/tunnelca/configstore"
)

// Run exercises s, which must start empty.
func Run(t *testing.T, s configstore.Store) {
	t.Helper()

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Get("missing")
		if !errors.Is(err, configstore.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		if err := s.Set(configstore.KeyInstanceID, "abc"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := s.Get(configstore.KeyInstanceID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "abc" {
			t.Errorf("expected abc, got %q", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := s.Set(configstore.KeyInstanceID, "def"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := s.Get(configstore.KeyInstanceID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "def" {
			t.Errorf("expected def, got %q", got)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch(func(tx configstore.Tx) error {
			if err := tx.Set(configstore.KeyJWTSecret, "secret"); err != nil {
				return err
			}
			if got, err := tx.Get(configstore.KeyJWTSecret); err != nil || got != "secret" {
				t.Errorf("write not visible inside tx: %q, %v", got, err)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Get(configstore.KeyJWTSecret); !errors.Is(err, configstore.ErrNotFound) {
			t.Errorf("rolled back write is visible: %v", err)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := s.Batch(func(tx configstore.Tx) error {
			if _, err := tx.Get(configstore.KeyCABlob); !errors.Is(err, configstore.ErrNotFound) {
				t.Errorf("expected ErrNotFound inside tx, got %v", err)
			}
			if err := tx.Set(configstore.KeyCABlob, "blob"); err != nil {
				return err
			}
			return tx.Set(configstore.KeyCAPassword, "pw")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, err := s.Get(configstore.KeyCAPassword)
		if err != nil || got != "pw" {
			t.Errorf("committed write missing: %q, %v", got, err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		keys, err := s.Keys()
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		want := []string{
			configstore.KeyCABlob,
			configstore.KeyCAPassword,
			configstore.KeyInstanceID,
		}
		if len(keys) != len(want) {
			t.Fatalf("expected %v, got %v", want, keys)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("expected %v, got %v", want, keys)
				break
			}
		}
	})
	t.Run("BatchExclusive", func(t *testing.T) {
		const workers = 8
		taken := errors.New("taken")
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.Batch(func(tx configstore.Tx) error {
					if _, err := tx.Get(configstore.KeyServerBlob); err == nil {
						return taken
					} else if !errors.Is(err, configstore.ErrNotFound) {
						return err
					}
					return tx.Set(configstore.KeyServerBlob, strconv.Itoa(i))
				})
			}()
		}
		wg.Wait()

		winner := -1
		for i, err := range errs {
			switch {
			case err == nil:
				if winner >= 0 {
					t.Fatalf("batches %d and %d both committed", winner, i)
				}
				winner = i
			case errors.Is(err, taken), errors.Is(err, configstore.ErrConflict):
			default:
				t.Errorf("batch %d: unexpected error %v", i, err)
			}
		}
		if winner < 0 {
			t.Fatal("no batch committed")
		}
		got, err := s.Get(configstore.KeyServerBlob)
		if err != nil || got != strconv.Itoa(winner) {
			t.Errorf("expected value from batch %d, got %q, %v", winner, got, err)
		}
	})
}
