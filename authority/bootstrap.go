package authority

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/tunnelca/configstore"
	"github.com/jmcleod/tunnelca/internal/util"
	"github.com/jmcleod/tunnelca/internal/uuid"
	"github.com/jmcleod/tunnelca/pki"
)

// Bootstrap defaults.
const (
	DefaultDomain    = "instance.spectero.io"
	DefaultAdminUser = "spectero"
)

// Shape of generated secrets and stored bundle passwords.
const (
	secretLength      = 48
	secretPunctuation = 8
)

// ErrAlreadyInitialized is returned by Bootstrap when the store already holds
// an instance identity.
var ErrAlreadyInitialized = errors.New("instance already initialized")

// BootstrapOptions controls first-run issuance.
type BootstrapOptions struct {
	// Domain is appended to the instance id to name the authority and the
	// server certificate. Defaults to DefaultDomain.
	Domain string
	// AdminUser names the administrator client certificate. Defaults to
	// DefaultAdminUser.
	AdminUser string
	// ServerDNSNames are added to the server certificate's SAN.
	ServerDNSNames []string
	// InstanceID reuses an existing identity, for example when rebuilding a
	// store. Must be a UUID. A random one is generated when empty.
	InstanceID string
}

// BootstrapResult describes what Bootstrap stored. AdminChain is not stored;
// the caller hands it and AdminPassword to the administrator.
type BootstrapResult struct {
	InstanceID    string
	Authority     *x509.Certificate
	Server        *x509.Certificate
	AdminChain    []byte
	AdminPassword string
}

// Bootstrap creates the instance identity, the token signing secret, the root
// authority, the server certificate and its passwordless chain, and writes
// them to the store in one batch. The administrator's client chain is
// returned, not stored.
func (s *Service) Bootstrap(ctx context.Context, opts BootstrapOptions) (*BootstrapResult, error) {
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.AdminUser == "" {
		opts.AdminUser = DefaultAdminUser
	}

	if _, err := s.store.Get(configstore.KeyInstanceID); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, configstore.ErrNotFound) {
		return nil, fmt.Errorf("checking instance id: %w", err)
	}

	id := opts.InstanceID
	if id == "" {
		id = uuid.New()
	} else if !uuid.Valid(id) {
		return nil, fmt.Errorf("%w: instance id %q is not a UUID", pki.ErrUnsupportedUsage, id)
	}
	secrets, err := generateSecrets(4)
	if err != nil {
		return nil, err
	}
	jwtSecret, caPassword, serverPassword, adminPassword := secrets[0], secrets[1], secrets[2], secrets[3]

	s.logger.Info("bootstrapping authority", "instance", id, "domain", opts.Domain)
	ca, err := s.factory.Issue(pki.IssueRequest{
		Name:      &pkix.Name{CommonName: fmt.Sprintf("%s.ca.%s", id, opts.Domain)},
		Issuer:    pki.Self,
		Authority: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating authority: %w", err)
	}

	// Server and admin certificates only depend on the authority.
	var server, admin *pki.Credential
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.workers.Acquire(gctx, 1); err != nil {
			return err
		}
		defer s.workers.Release(1)
		var err error
		server, err = s.factory.IssueLeafFor(fmt.Sprintf("%s.%s", id, opts.Domain), ca, opts.ServerDNSNames,
			[]x509.ExtKeyUsage{x509.ExtKeyUsageAny, x509.ExtKeyUsageServerAuth},
			x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
		if err != nil {
			return fmt.Errorf("issuing server certificate: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.workers.Acquire(gctx, 1); err != nil {
			return err
		}
		defer s.workers.Release(1)
		var err error
		admin, err = s.factory.IssueLeafFor(opts.AdminUser, ca, nil,
			[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, 0)
		if err != nil {
			return fmt.Errorf("issuing admin certificate: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	caBundle, err := s.packager.Export(ca, caPassword)
	if err != nil {
		return nil, err
	}
	serverBundle, err := s.packager.Export(server, serverPassword)
	if err != nil {
		return nil, err
	}
	serverChain, err := s.packager.ExportChain(server, ca.Certificate, "")
	if err != nil {
		return nil, err
	}
	adminChain, err := s.packager.ExportChain(admin, ca.Certificate, adminPassword)
	if err != nil {
		return nil, err
	}

	entries := []struct{ key, value string }{
		{configstore.KeyJWTSecret, jwtSecret},
		{configstore.KeyCAPassword, caPassword},
		{configstore.KeyServerPassword, serverPassword},
		{configstore.KeyCABlob, base64.StdEncoding.EncodeToString(caBundle.Data)},
		{configstore.KeyServerBlob, base64.StdEncoding.EncodeToString(serverBundle.Data)},
		{configstore.KeyServerChain, base64.StdEncoding.EncodeToString(serverChain)},
		{configstore.KeyInstanceID, id},
	}
	err = s.store.Batch(func(tx configstore.Tx) error {
		// Another process may have won the race since the first check.
		if _, err := tx.Get(configstore.KeyInstanceID); err == nil {
			return ErrAlreadyInitialized
		} else if !errors.Is(err, configstore.ErrNotFound) {
			return err
		}
		for _, e := range entries {
			if err := tx.Set(e.key, e.value); err != nil {
				return fmt.Errorf("storing %s: %w", e.key, err)
			}
		}
		return nil
	})
	if errors.Is(err, configstore.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyInitialized, err)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("authority bootstrapped", "instance", id,
		"authority", ca.SubjectName(), "server", server.SubjectName(), "admin", admin.SubjectName())
	return &BootstrapResult{
		InstanceID:    id,
		Authority:     ca.Certificate,
		Server:        server.Certificate,
		AdminChain:    adminChain,
		AdminPassword: adminPassword,
	}, nil
}

func generateSecrets(n int) ([]string, error) {
	out := make([]string, n)
	for i := range out {
		secret, err := util.GeneratePassword(secretLength, secretPunctuation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
		}
		out[i] = secret
	}
	return out, nil
}
