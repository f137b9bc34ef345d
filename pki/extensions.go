package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/bits"
)

// Role selects the extension policy applied to a certificate.
type Role int

const (
	// RoleLeaf is an end-entity certificate that may not sign others.
	RoleLeaf Role = iota
	// RoleAuthority is a certificate authority.
	RoleAuthority
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "leaf"
}

// AuthorityKeyUsage is the fixed KeyUsage set stamped on every authority.
// Downstream validators refuse to import a root as trusted without it.
const AuthorityKeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign |
	x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment

var (
	oidExtSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
)

var extKeyUsageOIDs = map[x509.ExtKeyUsage]asn1.ObjectIdentifier{
	x509.ExtKeyUsageAny:             {2, 5, 29, 37, 0},
	x509.ExtKeyUsageServerAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	x509.ExtKeyUsageClientAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	x509.ExtKeyUsageCodeSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	x509.ExtKeyUsageEmailProtection: {1, 3, 6, 1, 5, 5, 7, 3, 4},
	x509.ExtKeyUsageIPSECEndSystem:  {1, 3, 6, 1, 5, 5, 7, 3, 5},
	x509.ExtKeyUsageIPSECTunnel:     {1, 3, 6, 1, 5, 5, 7, 3, 6},
	x509.ExtKeyUsageIPSECUser:       {1, 3, 6, 1, 5, 5, 7, 3, 7},
	x509.ExtKeyUsageTimeStamping:    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	x509.ExtKeyUsageOCSPSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// ExtensionParams carries everything the builder needs about one certificate.
type ExtensionParams struct {
	Role       Role
	SubjectKey crypto.PublicKey

	// IssuerKeyID is the issuer's subject key identifier. It is only used
	// when the builder emits AuthorityKeyIdentifier.
	IssuerKeyID []byte

	KeyUsage     x509.KeyUsage
	ExtKeyUsages []x509.ExtKeyUsage
	DNSNames     []string
}

// ExtensionBuilder assembles the ordered X.509v3 extension set of a
// certificate. The zero value applies the default policy: no
// AuthorityKeyIdentifier, and an authority's fixed KeyUsage silently wins over
// a caller-supplied one.
type ExtensionBuilder struct {
	authorityKeyID bool
	strictKeyUsage bool
}

// BuilderOption configures an ExtensionBuilder.
type BuilderOption func(*ExtensionBuilder)

// WithAuthorityKeyID makes the builder emit AuthorityKeyIdentifier. Turning
// this on changes the bytes of every certificate issued afterwards, so chains
// mixing old and new material will differ.
func WithAuthorityKeyID() BuilderOption {
	return func(b *ExtensionBuilder) { b.authorityKeyID = true }
}

// WithStrictKeyUsage rejects authority requests that also carry an explicit
// KeyUsage instead of discarding the caller's value.
func WithStrictKeyUsage() BuilderOption {
	return func(b *ExtensionBuilder) { b.strictKeyUsage = true }
}

// NewExtensionBuilder returns a builder with the given options applied.
func NewExtensionBuilder(opts ...BuilderOption) ExtensionBuilder {
	var b ExtensionBuilder
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Build returns the extensions in emission order: SubjectKeyIdentifier,
// BasicConstraints, KeyUsage, ExtendedKeyUsage, SubjectAlternativeName and,
// when enabled, AuthorityKeyIdentifier.
func (b ExtensionBuilder) Build(p ExtensionParams) ([]pkix.Extension, error) {
	if p.Role == RoleAuthority && p.KeyUsage != 0 && b.strictKeyUsage {
		return nil, fmt.Errorf("%w: authority certificates carry a fixed KeyUsage", ErrUnsupportedUsage)
	}

	ski, err := SubjectKeyID(p.SubjectKey)
	if err != nil {
		return nil, err
	}

	exts := make([]pkix.Extension, 0, 6)

	skiValue, err := asn1.Marshal(ski)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding subject key identifier: %v", ErrCryptoFailure, err)
	}
	exts = append(exts, pkix.Extension{Id: oidExtSubjectKeyID, Value: skiValue})

	bc, err := marshalBasicConstraints(p.Role == RoleAuthority)
	if err != nil {
		return nil, err
	}
	exts = append(exts, pkix.Extension{Id: oidExtBasicConstraints, Critical: true, Value: bc})

	usage := p.KeyUsage
	if p.Role == RoleAuthority {
		usage = AuthorityKeyUsage
	}
	if usage != 0 {
		ku, err := marshalKeyUsage(usage)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: ku})
	}

	if len(p.ExtKeyUsages) > 0 {
		eku, err := marshalExtKeyUsage(p.ExtKeyUsages)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidExtExtendedKeyUsage, Value: eku})
	}

	if len(p.DNSNames) > 0 {
		san, err := marshalDNSNames(p.DNSNames)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidExtSubjectAltName, Value: san})
	}

	if b.authorityKeyID && len(p.IssuerKeyID) > 0 {
		aki, err := asn1.Marshal(authorityKeyID{ID: p.IssuerKeyID})
		if err != nil {
			return nil, fmt.Errorf("%w: encoding authority key identifier: %v", ErrCryptoFailure, err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtAuthorityKeyID, Value: aki})
	}

	return exts, nil
}

// SubjectKeyID derives the RFC 5280 method-1 key identifier: the SHA-1 hash
// of the subjectPublicKey BIT STRING.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling public key: %v", ErrCryptoFailure, err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrCryptoFailure, err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// DER encoders
// ---------------------------------------------------------------------------

type basicConstraints struct {
	IsCA bool `asn1:"optional"`
}

type authorityKeyID struct {
	ID []byte `asn1:"optional,tag:0"`
}

// marshalBasicConstraints leaves cA out entirely for leaves, as DER requires
// for a DEFAULT FALSE field.
func marshalBasicConstraints(isCA bool) ([]byte, error) {
	v, err := asn1.Marshal(basicConstraints{IsCA: isCA})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding basic constraints: %v", ErrCryptoFailure, err)
	}
	return v, nil
}

func marshalKeyUsage(ku x509.KeyUsage) ([]byte, error) {
	var a [2]byte
	a[0] = bits.Reverse8(byte(ku))
	a[1] = bits.Reverse8(byte(ku >> 8))

	n := 1
	if a[1] != 0 {
		n = 2
	}
	bitString := a[:n]
	v, err := asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: bitLength(bitString)})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding key usage: %v", ErrCryptoFailure, err)
	}
	return v, nil
}

// bitLength trims trailing zero bits so the encoded BIT STRING is minimal.
func bitLength(b []byte) int {
	n := len(b) * 8
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return n - bits.TrailingZeros8(b[i])
		}
		n -= 8
	}
	return 0
}

func marshalExtKeyUsage(usages []x509.ExtKeyUsage) ([]byte, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(usages))
	for _, u := range usages {
		oid, ok := extKeyUsageOIDs[u]
		if !ok {
			return nil, fmt.Errorf("%w: extended key usage %d", ErrUnsupportedUsage, u)
		}
		oids = append(oids, oid)
	}
	v, err := asn1.Marshal(oids)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding extended key usage: %v", ErrCryptoFailure, err)
	}
	return v, nil
}

const sanTagDNSName = 2

func marshalDNSNames(names []string) ([]byte, error) {
	raw := make([]asn1.RawValue, 0, len(names))
	for _, name := range names {
		if !isIA5(name) {
			return nil, fmt.Errorf("%w: DNS name %q is not an IA5 string", ErrUnsupportedUsage, name)
		}
		raw = append(raw, asn1.RawValue{Tag: sanTagDNSName, Class: asn1.ClassContextSpecific, Bytes: []byte(name)})
	}
	v, err := asn1.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding subject alternative names: %v", ErrCryptoFailure, err)
	}
	return v, nil
}

func isIA5(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
