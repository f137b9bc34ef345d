// Package authority ties the certificate factory, the bundle packager and the
// configuration store together: it bootstraps a fresh instance's trust
// material and issues client chains signed by the stored authority.
package authority

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/tunnelca/bundle"
	"github.com/jmcleod/tunnelca/configstore"
	"github.com/jmcleod/tunnelca/pki"
)

// Service issues credentials against the authority held in a configuration
// store. It is safe for concurrent use.
type Service struct {
	store    configstore.Store
	factory  *pki.Factory
	packager *bundle.Packager
	logger   *slog.Logger
	workers  *semaphore.Weighted
}

// Option configures a Service.
type Option func(*Service)

// WithFactory sets the certificate factory.
func WithFactory(f *pki.Factory) Option {
	return func(s *Service) { s.factory = f }
}

// WithPackager sets the bundle packager.
func WithPackager(p *bundle.Packager) Option {
	return func(s *Service) { s.packager = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithWorkers bounds the number of issuances running at once. Values below 1
// are ignored.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// New returns a Service backed by store.
func New(store configstore.Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		workers: semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		s.factory = pki.NewFactory(pki.WithLogger(s.logger))
	}
	if s.packager == nil {
		s.packager = bundle.NewPackager(bundle.WithLogger(s.logger))
	}
	return s
}

// LoadCredential decodes the base64 bundle stored under certKey, opening it
// with the password stored under passwordKey. An empty passwordKey means the
// bundle has no password.
func (s *Service) LoadCredential(certKey, passwordKey string) (*pki.Credential, error) {
	blob, err := s.store.Get(certKey)
	if err != nil {
		return nil, storeError(certKey, err)
	}
	var password string
	if passwordKey != "" {
		if password, err = s.store.Get(passwordKey); err != nil {
			return nil, storeError(passwordKey, err)
		}
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", pki.ErrCryptoFailure, certKey, err)
	}
	cred, err := s.packager.Load(data, password)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", certKey, err)
	}
	return cred, nil
}

// IssueUserChain issues CN=username signed by the stored authority and
// returns the authority-first chain bundle protected by password.
func (s *Service) IssueUserChain(username string, usages []x509.ExtKeyUsage, password string) ([]byte, error) {
	return s.IssueUserChainContext(context.Background(), username, usages, password)
}

// IssueUserChainContext is IssueUserChain bounded by ctx. A chain finished
// after ctx is done is discarded.
func (s *Service) IssueUserChainContext(ctx context.Context, username string, usages []x509.ExtKeyUsage, password string) ([]byte, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", pki.ErrUnsupportedUsage)
	}
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	type result struct {
		chain []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer s.workers.Release(1)
		chain, err := s.issueUserChain(username, usages, password)
		done <- result{chain: chain, err: err}
	}()

	select {
	case <-ctx.Done():
		s.logger.Debug("user chain abandoned", "user", username, "error", ctx.Err())
		return nil, ctx.Err()
	case r := <-done:
		return r.chain, r.err
	}
}

func (s *Service) issueUserChain(username string, usages []x509.ExtKeyUsage, password string) ([]byte, error) {
	ca, err := s.LoadCredential(configstore.KeyCABlob, configstore.KeyCAPassword)
	if err != nil {
		if errors.Is(err, pki.ErrCryptoFailure) {
			return nil, fmt.Errorf("resolving authority: %w", err)
		}
		return nil, fmt.Errorf("%w: resolving authority: %w", pki.ErrCryptoFailure, err)
	}

	leaf, err := s.factory.IssueLeafFor(username, ca, nil, usages, 0)
	if err != nil {
		return nil, err
	}
	chain, err := s.packager.ExportChain(leaf, ca.Certificate, password)
	if err != nil {
		return nil, err
	}
	s.logger.Info("issued user chain", "user", username, "serial", leaf.Certificate.SerialNumber.String())
	return chain, nil
}

func storeError(key string, err error) error {
	if errors.Is(err, configstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", pki.ErrConfigMissing, key)
	}
	return fmt.Errorf("%w: reading %s: %v", pki.ErrConfigMissing, key, err)
}
