// Package pki is the certificate-authority engine of tunnelca. It builds a
// self-signed root authority, issues leaf certificates signed by that
// authority or by themselves, and assembles the X.509v3 extension set for each
// role. Nothing here is persisted: callers store the returned material.
package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ValidityYears is the lifetime of every certificate the factory issues,
// counted from midnight UTC on the day of issuance.
const ValidityYears = 10

// ---------------------------------------------------------------------------
// Issuer contexts
// ---------------------------------------------------------------------------

// IssuerContext selects who signs a certificate: Self or an External
// authority.
type IssuerContext interface {
	issuerContext()
}

type selfIssuer struct{}

func (selfIssuer) issuerContext() {}

// Self makes the certificate sign itself with its freshly generated key. The
// issuer name equals the subject name.
var Self IssuerContext = selfIssuer{}

// External signs with an existing authority's certificate and key.
type External struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

func (External) issuerContext() {}

// ParseExternal builds an External issuer from DER certificate bytes and a
// DER private key in PKCS#1 or PKCS#8 form.
func ParseExternal(certDER, keyDER []byte) (External, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return External{}, fmt.Errorf("%w: parsing issuer certificate: %v", ErrCryptoFailure, err)
	}
	if len(keyDER) == 0 {
		return External{}, fmt.Errorf("%w: issuer private key is absent", ErrCryptoFailure)
	}
	if key, err := x509.ParsePKCS1PrivateKey(keyDER); err == nil {
		return External{Certificate: cert, PrivateKey: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return External{}, fmt.Errorf("%w: parsing issuer private key: %v", ErrCryptoFailure, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return External{}, fmt.Errorf("%w: issuer private key is not RSA", ErrCryptoFailure)
	}
	return External{Certificate: cert, PrivateKey: key}, nil
}

// Credential is a signed certificate together with the key pair generated for
// it. The key is never shared with another certificate.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// Issuer returns c as an External issuer context.
func (c *Credential) Issuer() External {
	return External{Certificate: c.Certificate, PrivateKey: c.PrivateKey}
}

// SubjectName returns the RFC 2253 form of the certificate subject.
func (c *Credential) SubjectName() string {
	return c.Certificate.Subject.String()
}

// IssueRequest holds the parameters for one certificate.
type IssueRequest struct {
	// Subject is a distinguished name such as "CN=vpn.example.com".
	Subject string
	// Name, when set, is used as the subject verbatim and Subject is
	// ignored. Use it for names taken from user input.
	Name   *pkix.Name
	Issuer IssuerContext

	// Authority requests certificate-authority semantics. It only takes
	// effect together with Self; External issuance always yields a leaf.
	Authority bool

	DNSNames     []string
	ExtKeyUsages []x509.ExtKeyUsage
	KeyUsage     x509.KeyUsage
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Factory issues certificates. It holds no mutable state and is safe for
// concurrent use.
type Factory struct {
	random     io.Reader
	keyBits    int
	now        func() time.Time
	extensions ExtensionBuilder
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithRandom sets the randomness source for serial numbers and signatures.
// Key generation reads it too and fails when it runs dry, but the key
// material itself comes from the system generator.
func WithRandom(r io.Reader) Option {
	return func(f *Factory) { f.random = r }
}

// WithKeyBits requests a key strength. Values below MinKeyBits are raised.
func WithKeyBits(bits int) Option {
	return func(f *Factory) { f.keyBits = bits }
}

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// WithExtensionBuilder replaces the default extension policy.
func WithExtensionBuilder(b ExtensionBuilder) Option {
	return func(f *Factory) { f.extensions = b }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithMetrics attaches issuance metrics.
func WithMetrics(m *Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory returns a Factory using crypto/rand, 2048-bit keys and the
// default extension policy unless overridden.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		random:  rand.Reader,
		keyBits: MinKeyBits,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Issue generates a fresh key pair and returns a certificate for it signed by
// req.Issuer.
func (f *Factory) Issue(req IssueRequest) (*Credential, error) {
	cred, role, err := f.issue(req)
	if err != nil {
		f.metrics.observeFailure(err)
		return nil, err
	}
	f.metrics.observeIssued(role, req.Issuer)
	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "certificate issued",
		slog.String("subject", cred.SubjectName()),
		slog.String("issuer", cred.Certificate.Issuer.String()),
		slog.String("role", role.String()),
		slog.String("serial", cred.Certificate.SerialNumber.String()),
	)
	return cred, nil
}

// CreateAuthority issues a self-signed root authority.
func (f *Factory) CreateAuthority(subject string, dnsNames []string, usages []x509.ExtKeyUsage) (*Credential, error) {
	return f.Issue(IssueRequest{
		Subject:      subject,
		Issuer:       Self,
		Authority:    true,
		DNSNames:     dnsNames,
		ExtKeyUsages: usages,
	})
}

// CreateSelfSigned issues a standalone self-signed leaf with no chain.
func (f *Factory) CreateSelfSigned(subject string, dnsNames []string, usages []x509.ExtKeyUsage) (*Credential, error) {
	return f.Issue(IssueRequest{
		Subject:      subject,
		Issuer:       Self,
		DNSNames:     dnsNames,
		ExtKeyUsages: usages,
	})
}

// IssueLeafFor issues a leaf signed by ca whose subject is exactly
// CN=commonName. Separators and escapes in commonName are kept as text.
func (f *Factory) IssueLeafFor(commonName string, ca *Credential, dnsNames []string, usages []x509.ExtKeyUsage, keyUsage x509.KeyUsage) (*Credential, error) {
	if ca == nil {
		return nil, fmt.Errorf("%w: issuer credential is absent", ErrCryptoFailure)
	}
	return f.Issue(IssueRequest{
		Name:         &pkix.Name{CommonName: commonName},
		Issuer:       ca.Issuer(),
		DNSNames:     dnsNames,
		ExtKeyUsages: usages,
		KeyUsage:     keyUsage,
	})
}

// IssueLeaf issues a leaf signed by ca.
func (f *Factory) IssueLeaf(subject string, ca *Credential, dnsNames []string, usages []x509.ExtKeyUsage, keyUsage x509.KeyUsage) (*Credential, error) {
	if ca == nil {
		return nil, fmt.Errorf("%w: issuer credential is absent", ErrCryptoFailure)
	}
	return f.Issue(IssueRequest{
		Subject:      subject,
		Issuer:       ca.Issuer(),
		DNSNames:     dnsNames,
		ExtKeyUsages: usages,
		KeyUsage:     keyUsage,
	})
}

func (f *Factory) issue(req IssueRequest) (*Credential, Role, error) {
	subject, err := requestSubject(req)
	if err != nil {
		return nil, RoleLeaf, err
	}

	// Resolve the issuer before spending time on key generation.
	role := RoleLeaf
	var (
		parent      *x509.Certificate
		signer      *rsa.PrivateKey
		issuerKeyID []byte
	)
	switch iss := req.Issuer.(type) {
	case selfIssuer:
		if req.Authority {
			role = RoleAuthority
		}
	case External:
		if iss.Certificate == nil {
			return nil, role, fmt.Errorf("%w: issuer certificate is absent", ErrCryptoFailure)
		}
		if iss.PrivateKey == nil {
			return nil, role, fmt.Errorf("%w: issuer private key is absent", ErrCryptoFailure)
		}
		if !iss.PrivateKey.PublicKey.Equal(iss.Certificate.PublicKey) {
			return nil, role, fmt.Errorf("%w: issuer private key does not match issuer certificate", ErrCryptoFailure)
		}
		if req.Authority {
			f.logger.Debug("authority role requires a self-signed issuer; issuing a leaf", "subject", subject.String())
		}
		issuerKeyID = iss.Certificate.SubjectKeyId
		if len(issuerKeyID) == 0 {
			if issuerKeyID, err = SubjectKeyID(iss.Certificate.PublicKey); err != nil {
				return nil, role, err
			}
		}
		// x509.CreateCertificate derives AuthorityKeyIdentifier from the
		// parent's SubjectKeyId; hiding it leaves that decision to the
		// extension builder.
		p := *iss.Certificate
		p.SubjectKeyId = nil
		parent = &p
		signer = iss.PrivateKey
	case nil:
		return nil, role, fmt.Errorf("%w: issuer context is required", ErrUnsupportedUsage)
	default:
		return nil, role, fmt.Errorf("%w: unknown issuer context %T", ErrUnsupportedUsage, req.Issuer)
	}

	if role == RoleAuthority && req.KeyUsage != 0 {
		f.logger.Debug("authority key usage is fixed; ignoring requested key usage",
			"subject", subject.String(), "requested", int(req.KeyUsage))
	}

	start := time.Now()
	key, err := GenerateKeyPair(f.random, f.keyBits)
	if err != nil {
		return nil, role, err
	}
	f.metrics.observeKeygen(time.Since(start))

	serial, err := NextSerial(f.random)
	if err != nil {
		return nil, role, err
	}

	if signer == nil {
		signer = key
		if issuerKeyID, err = SubjectKeyID(&key.PublicKey); err != nil {
			return nil, role, err
		}
	}

	exts, err := f.extensions.Build(ExtensionParams{
		Role:         role,
		SubjectKey:   &key.PublicKey,
		IssuerKeyID:  issuerKeyID,
		KeyUsage:     req.KeyUsage,
		ExtKeyUsages: req.ExtKeyUsages,
		DNSNames:     req.DNSNames,
	})
	if err != nil {
		return nil, role, err
	}

	notBefore := startOfDay(f.now())
	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notBefore.AddDate(ValidityYears, 0, 0),
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtraExtensions:    exts,
	}
	if parent == nil {
		parent = template
	}

	der, err := x509.CreateCertificate(f.random, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, role, fmt.Errorf("%w: signing certificate: %v", ErrCryptoFailure, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, role, fmt.Errorf("%w: parsing issued certificate: %v", ErrCryptoFailure, err)
	}
	return &Credential{Certificate: cert, PrivateKey: key}, role, nil
}

func requestSubject(req IssueRequest) (pkix.Name, error) {
	if req.Name == nil {
		return ParseDistinguishedName(req.Subject)
	}
	name := *req.Name
	if name.CommonName == "" && len(name.Organization) == 0 && len(name.OrganizationalUnit) == 0 {
		return name, fmt.Errorf("%w: subject name has no identifying attribute", ErrUnsupportedUsage)
	}
	return name, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
