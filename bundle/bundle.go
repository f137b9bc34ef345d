// Package bundle packages credentials into password-protected PKCS#12
// bundles and reads them back.
//
// Bundles are written with PBES2 (PBKDF2-HMAC-SHA256, AES-256-CBC) key
// protection and an HMAC-SHA256 integrity MAC. Certificate bags keep the order
// they were given in, authority first for chains, and carry the certificate
// subject as their friendly name.
package bundle

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/tunnelca/internal/util"
	"github.com/jmcleod/tunnelca/pki"
)

// Shape of the throwaway password generated when Export is given none. It
// keeps casual readers out and nothing more.
const (
	throwawayLength      = 12
	throwawayPunctuation = 6
)

// Bundle is an exported PKCS#12 blob and the password that opens it.
type Bundle struct {
	Data     []byte
	Password string
}

// Packager encodes and decodes PKCS#12 bundles. It is stateless and safe for
// concurrent use.
type Packager struct {
	logger *slog.Logger
}

// Option configures a Packager.
type Option func(*Packager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Packager) { p.logger = logger }
}

// NewPackager returns a Packager.
func NewPackager(opts ...Option) *Packager {
	p := &Packager{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Export packages cred's certificate and key. An empty password is replaced by
// a generated one, returned in the Bundle.
func (p *Packager) Export(cred *pki.Credential, password string) (*Bundle, error) {
	if err := checkCredential(cred, true); err != nil {
		return nil, err
	}
	if password == "" {
		generated, err := util.GeneratePassword(throwawayLength, throwawayPunctuation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
		}
		password = generated
		p.logger.Debug("generated throwaway bundle password", "subject", cred.SubjectName())
	}

	data, err := encodePFX([]entry{{cert: cred.Certificate, key: cred.PrivateKey}}, password)
	if err != nil {
		return nil, err
	}
	return &Bundle{Data: data, Password: password}, nil
}

// ExportChain packages ca followed by leaf and leaf's key. An empty password
// yields a bundle that opens with the empty password.
func (p *Packager) ExportChain(leaf *pki.Credential, ca *x509.Certificate, password string) ([]byte, error) {
	return p.ExportChainWith(ca, []*pki.Credential{leaf}, password)
}

// ExportChainWith packages ca followed by each of creds in order. At most one
// credential may carry a private key; the others contribute their
// certificate only.
func (p *Packager) ExportChainWith(ca *x509.Certificate, creds []*pki.Credential, password string) ([]byte, error) {
	if ca == nil {
		return nil, fmt.Errorf("%w: authority certificate is absent", pki.ErrCryptoFailure)
	}

	entries := make([]entry, 0, len(creds)+1)
	entries = append(entries, entry{cert: ca})
	keys := 0
	for _, cred := range creds {
		if err := checkCredential(cred, false); err != nil {
			return nil, err
		}
		if cred.PrivateKey != nil {
			keys++
		}
		entries = append(entries, entry{cert: cred.Certificate, key: cred.PrivateKey})
	}
	if keys > 1 {
		return nil, fmt.Errorf("%w: a chain bundle carries at most one private key, got %d", pki.ErrUnsupportedUsage, keys)
	}

	data, err := encodePFX(entries, password)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("exported certificate chain",
		"authority", ca.Subject.String(), "certificates", len(entries), "passwordless", password == "")
	return data, nil
}

// Load decodes a bundle and returns the certificate that matches its private
// key, together with that key.
func (p *Packager) Load(data []byte, password string) (*pki.Credential, error) {
	certs, key, err := p.LoadChain(data, password)
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		if key.PublicKey.Equal(cert.PublicKey) {
			return &pki.Credential{Certificate: cert, PrivateKey: key}, nil
		}
	}
	return nil, fmt.Errorf("%w: no certificate in the bundle matches its private key", pki.ErrCryptoFailure)
}

// LoadFile reads a bundle from path and loads it like Load.
func (p *Packager) LoadFile(path, password string) (*pki.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading bundle %s: %w", pki.ErrCryptoFailure, path, err)
	}
	return p.Load(data, password)
}

// LoadChain decodes a bundle into its certificates, in bag order, and its
// private key.
func (p *Packager) LoadChain(data []byte, password string) ([]*x509.Certificate, *rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: bundle is empty", pki.ErrCryptoFailure)
	}
	key, first, rest, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, nil, fmt.Errorf("%w: incorrect bundle password", pki.ErrCryptoFailure)
		}
		return nil, nil, fmt.Errorf("%w: decoding bundle: %v", pki.ErrCryptoFailure, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: bundle key is %T, not RSA", pki.ErrCryptoFailure, key)
	}
	return append([]*x509.Certificate{first}, rest...), rsaKey, nil
}

func checkCredential(cred *pki.Credential, needKey bool) error {
	switch {
	case cred == nil || cred.Certificate == nil:
		return fmt.Errorf("%w: certificate is absent", pki.ErrCryptoFailure)
	case needKey && cred.PrivateKey == nil:
		return fmt.Errorf("%w: private key is absent", pki.ErrCryptoFailure)
	case cred.PrivateKey != nil && !cred.PrivateKey.PublicKey.Equal(cred.Certificate.PublicKey):
		return fmt.Errorf("%w: private key does not match certificate %s", pki.ErrCryptoFailure, cred.SubjectName())
	}
	return nil
}
