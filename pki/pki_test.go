package pki_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/tunnelca/pki"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oidSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
)

func newAuthority(t *testing.T, f *pki.Factory) *pki.Credential {
	t.Helper()
	ca, err := f.CreateAuthority("CN=Test Root CA, O=TestOrg", nil, nil)
	require.NoError(t, err)
	return ca
}

func extensionIDs(cert *x509.Certificate) []string {
	ids := make([]string, 0, len(cert.Extensions))
	for _, ext := range cert.Extensions {
		ids = append(ids, ext.Id.String())
	}
	return ids
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

func TestCreateAuthority(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)
	cert := ca.Certificate

	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	assert.Equal(t, "Test Root CA", cert.Subject.CommonName)
	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.IsCA)
	assert.Equal(t, pki.AuthorityKeyUsage, cert.KeyUsage)
	assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)
	require.NoError(t, cert.CheckSignatureFrom(cert))

	ski, err := pki.SubjectKeyID(&ca.PrivateKey.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ski, cert.SubjectKeyId)
	assert.Empty(t, cert.AuthorityKeyId)

	assert.Equal(t, []string{
		oidSubjectKeyID.String(),
		oidBasicConstraints.String(),
		oidKeyUsage.String(),
	}, extensionIDs(cert))
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidBasicConstraints), ext.Id.Equal(oidKeyUsage):
			assert.True(t, ext.Critical, ext.Id.String())
		default:
			assert.False(t, ext.Critical, ext.Id.String())
		}
	}
}

func TestValidityWindow(t *testing.T) {
	at := time.Date(2024, time.March, 15, 17, 45, 12, 0, time.FixedZone("EST", -5*3600))
	f := pki.NewFactory(pki.WithClock(func() time.Time { return at }))

	cred, err := f.CreateSelfSigned("CN=clock.local", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), cred.Certificate.NotBefore.UTC())
	assert.Equal(t, time.Date(2034, time.March, 15, 0, 0, 0, 0, time.UTC), cred.Certificate.NotAfter.UTC())
}

func TestIssueLeaf_ServerAuthWithoutSAN(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	leaf, err := f.Issue(pki.IssueRequest{
		Subject:      "CN=test.local",
		Issuer:       ca.Issuer(),
		ExtKeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	})
	require.NoError(t, err)
	cert := leaf.Certificate

	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.False(t, hasExtension(cert, oidSubjectAltName))
	assert.False(t, hasExtension(cert, oidAuthorityKeyID))
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.True(t, cert.BasicConstraintsValid)
	assert.False(t, cert.IsCA)
	assert.Equal(t, ca.Certificate.RawSubject, cert.RawIssuer)
	require.NoError(t, cert.CheckSignatureFrom(ca.Certificate))

	assert.Equal(t, []string{
		oidSubjectKeyID.String(),
		oidBasicConstraints.String(),
		oidKeyUsage.String(),
		oidExtKeyUsage.String(),
	}, extensionIDs(cert))
}

func TestIssueLeaf_DistinctSerialsAndKeys(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	a, err := f.IssueLeaf("CN=alice", ca, nil, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, 0)
	require.NoError(t, err)
	b, err := f.IssueLeaf("CN=alice", ca, nil, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, 0)
	require.NoError(t, err)

	assert.NotEqual(t, 0, a.Certificate.SerialNumber.Cmp(b.Certificate.SerialNumber))
	assert.False(t, a.PrivateKey.Equal(b.PrivateKey))
	assert.False(t, a.PrivateKey.Equal(ca.PrivateKey))
}

func TestIssueLeaf_DNSNames(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	leaf, err := f.IssueLeaf("CN=vpn.example.com", ca, []string{"vpn.example.com", "*.vpn.example.com"}, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"vpn.example.com", "*.vpn.example.com"}, leaf.Certificate.DNSNames)
	assert.False(t, hasExtension(leaf.Certificate, oidKeyUsage))
	assert.False(t, hasExtension(leaf.Certificate, oidExtKeyUsage))
}

func TestCreateSelfSigned(t *testing.T) {
	f := pki.NewFactory()
	cred, err := f.CreateSelfSigned("CN=standalone.local", []string{"standalone.local"}, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	require.NoError(t, err)
	cert := cred.Certificate

	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	assert.False(t, cert.IsCA)
	assert.Empty(t, cert.AuthorityKeyId)
	require.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
}

func TestIssue_ExternalAuthorityYieldsLeaf(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	cred, err := f.Issue(pki.IssueRequest{Subject: "CN=sub.local", Issuer: ca.Issuer(), Authority: true})
	require.NoError(t, err)
	assert.False(t, cred.Certificate.IsCA)
	require.NoError(t, cred.Certificate.CheckSignatureFrom(ca.Certificate))
}

func TestIssue_IssuerFailures(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)
	other, err := pki.GenerateKeyPair(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name   string
		issuer pki.IssuerContext
		want   error
	}{
		{"nil context", nil, pki.ErrUnsupportedUsage},
		{"missing key", pki.External{Certificate: ca.Certificate}, pki.ErrCryptoFailure},
		{"missing certificate", pki.External{PrivateKey: ca.PrivateKey}, pki.ErrCryptoFailure},
		{"mismatched key", pki.External{Certificate: ca.Certificate, PrivateKey: other}, pki.ErrCryptoFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Issue(pki.IssueRequest{Subject: "CN=x", Issuer: tt.issuer})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.IssueLeaf("CN=x", nil, nil, nil, 0)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestIssue_InvalidInput(t *testing.T) {
	f := pki.NewFactory()

	_, err := f.CreateSelfSigned("not a dn", nil, nil)
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)

	_, err = f.CreateSelfSigned("CN=x", []string{"bücher.example"}, nil)
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)

	_, err = f.CreateSelfSigned("CN=x", nil, []x509.ExtKeyUsage{x509.ExtKeyUsage(999)})
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)
}

func TestAuthorityKeyUsageConflict(t *testing.T) {
	req := pki.IssueRequest{
		Subject:   "CN=Root",
		Issuer:    pki.Self,
		Authority: true,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	lenient, err := pki.NewFactory().Issue(req)
	require.NoError(t, err)
	assert.Equal(t, pki.AuthorityKeyUsage, lenient.Certificate.KeyUsage)

	strict := pki.NewFactory(pki.WithExtensionBuilder(pki.NewExtensionBuilder(pki.WithStrictKeyUsage())))
	_, err = strict.Issue(req)
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)
}

func TestAuthorityKeyIDOptIn(t *testing.T) {
	f := pki.NewFactory(pki.WithExtensionBuilder(pki.NewExtensionBuilder(pki.WithAuthorityKeyID())))
	ca := newAuthority(t, f)
	assert.Equal(t, ca.Certificate.SubjectKeyId, ca.Certificate.AuthorityKeyId)

	leaf, err := f.IssueLeaf("CN=leaf.local", ca, []string{"leaf.local"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ca.Certificate.SubjectKeyId, leaf.Certificate.AuthorityKeyId)

	ids := extensionIDs(leaf.Certificate)
	assert.Equal(t, oidAuthorityKeyID.String(), ids[len(ids)-1])
	require.NoError(t, leaf.Certificate.CheckSignatureFrom(ca.Certificate))
}

func TestParseExternal(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	pkcs1 := x509.MarshalPKCS1PrivateKey(ca.PrivateKey)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	require.NoError(t, err)

	for name, keyDER := range map[string][]byte{"pkcs1": pkcs1, "pkcs8": pkcs8} {
		t.Run(name, func(t *testing.T) {
			ext, err := pki.ParseExternal(ca.Certificate.Raw, keyDER)
			require.NoError(t, err)
			assert.True(t, ext.PrivateKey.Equal(ca.PrivateKey))

			leaf, err := f.Issue(pki.IssueRequest{Subject: "CN=parsed", Issuer: ext})
			require.NoError(t, err)
			require.NoError(t, leaf.Certificate.CheckSignatureFrom(ca.Certificate))
		})
	}

	_, err = pki.ParseExternal([]byte("garbage"), pkcs1)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
	_, err = pki.ParseExternal(ca.Certificate.Raw, nil)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
	_, err = pki.ParseExternal(ca.Certificate.Raw, []byte("garbage"))
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestIssue_NameUsedVerbatim(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)

	cred, err := f.Issue(pki.IssueRequest{
		Subject: "CN=ignored",
		Name:    &pkix.Name{CommonName: "eve,O=Other+OU=x"},
		Issuer:  ca.Issuer(),
	})
	require.NoError(t, err)
	assert.Equal(t, "eve,O=Other+OU=x", cred.Certificate.Subject.CommonName)
	assert.Empty(t, cred.Certificate.Subject.Organization)

	leaf, err := f.IssueLeafFor("CN=nested", ca, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "CN=nested", leaf.Certificate.Subject.CommonName)

	_, err = f.Issue(pki.IssueRequest{Name: &pkix.Name{}, Issuer: pki.Self})
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)
}

func TestKeyBitsFloor(t *testing.T) {
	key, err := pki.GenerateKeyPair(rand.Reader, 512)
	require.NoError(t, err)
	assert.Equal(t, pki.MinKeyBits, key.N.BitLen())

	key, err = pki.GenerateKeyPair(rand.Reader, 0)
	require.NoError(t, err)
	assert.Equal(t, pki.MinKeyBits, key.N.BitLen())

	cred, err := pki.NewFactory(pki.WithKeyBits(1024)).CreateSelfSigned("CN=floor", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, pki.MinKeyBits, cred.Certificate.PublicKey.(*rsa.PublicKey).N.BitLen())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestNextSerial(t *testing.T) {
	upper := new(big.Int).SetUint64(math.MaxInt64)
	for range 1000 {
		n, err := pki.NextSerial(rand.Reader)
		require.NoError(t, err)
		assert.Equal(t, 1, n.Sign())
		assert.Equal(t, -1, n.Cmp(upper))
	}

	_, err := pki.NextSerial(failingReader{})
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestGenerateKeyPairFailingReader(t *testing.T) {
	_, err := pki.GenerateKeyPair(failingReader{}, 2048)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)

	_, err = pki.NewFactory(pki.WithRandom(failingReader{})).CreateSelfSigned("CN=dry", nil, nil)
	require.ErrorIs(t, err, pki.ErrCryptoFailure)
	assert.Contains(t, err.Error(), "key entropy")
}

func TestSerialRangeOnIssuedCertificates(t *testing.T) {
	cred, err := pki.NewFactory().CreateSelfSigned("CN=serial", nil, nil)
	require.NoError(t, err)
	serial := cred.Certificate.SerialNumber
	assert.Equal(t, 1, serial.Sign())
	assert.True(t, serial.IsInt64())
	assert.Less(t, serial.Int64(), int64(math.MaxInt64))
}

func TestExtensionBuilder_LeafMinimal(t *testing.T) {
	key, err := pki.GenerateKeyPair(rand.Reader, 2048)
	require.NoError(t, err)

	exts, err := pki.NewExtensionBuilder().Build(pki.ExtensionParams{Role: pki.RoleLeaf, SubjectKey: &key.PublicKey})
	require.NoError(t, err)
	require.Len(t, exts, 2)
	assert.True(t, exts[0].Id.Equal(oidSubjectKeyID))
	assert.False(t, exts[0].Critical)
	assert.True(t, exts[1].Id.Equal(oidBasicConstraints))
	assert.True(t, exts[1].Critical)
	// cA is DEFAULT FALSE and therefore absent: an empty SEQUENCE.
	assert.Equal(t, []byte{0x30, 0x00}, exts[1].Value)

	// AKI needs both the option and an issuer key id.
	exts, err = pki.NewExtensionBuilder(pki.WithAuthorityKeyID()).Build(pki.ExtensionParams{Role: pki.RoleLeaf, SubjectKey: &key.PublicKey})
	require.NoError(t, err)
	assert.Len(t, exts, 2)
}

func TestParseDistinguishedName(t *testing.T) {
	name, err := pki.ParseDistinguishedName(`CN=vpn.example.com, O=Example\, Inc., OU=Ops, L=Austin, ST=TX, C=US`)
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com", name.CommonName)
	assert.Equal(t, []string{"Example, Inc."}, name.Organization)
	assert.Equal(t, []string{"Ops"}, name.OrganizationalUnit)
	assert.Equal(t, []string{"Austin"}, name.Locality)
	assert.Equal(t, []string{"TX"}, name.Province)
	assert.Equal(t, []string{"US"}, name.Country)

	name, err = pki.ParseDistinguishedName(`CN=R\+D, O=Lab`)
	require.NoError(t, err)
	assert.Equal(t, "R+D", name.CommonName)

	for _, bad := range []string{
		"", "CN", "CN=", "XX=foo", "C=US", `CN=trailing\`,
		"CN=a, CN=b", "CN=a+O=b", "O=x, SERIALNUMBER=1, SERIALNUMBER=2",
	} {
		_, err := pki.ParseDistinguishedName(bad)
		assert.ErrorIs(t, err, pki.ErrUnsupportedUsage, bad)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	cred, err := pki.NewFactory().CreateSelfSigned("CN=pem", nil, nil)
	require.NoError(t, err)

	cert, err := pki.ParseCertificatePEM(pki.EncodeCertificatePEM(cred.Certificate))
	require.NoError(t, err)
	assert.True(t, cert.Equal(cred.Certificate))

	keyPEM, err := pki.EncodePrivateKeyPEM(cred.PrivateKey)
	require.NoError(t, err)
	key, err := pki.ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(cred.PrivateKey))

	_, err = pki.ParseCertificatePEM(keyPEM)
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
	_, err = pki.ParsePrivateKeyPEM([]byte("nope"))
	assert.ErrorIs(t, err, pki.ErrCryptoFailure)
}

func TestInspect(t *testing.T) {
	f := pki.NewFactory()
	ca := newAuthority(t, f)
	leaf, err := f.IssueLeaf("CN=server.example.com", ca, []string{"server.example.com"},
		[]x509.ExtKeyUsage{x509.ExtKeyUsageAny, x509.ExtKeyUsageServerAuth}, 0)
	require.NoError(t, err)

	info := pki.Inspect(leaf.Certificate)
	assert.Equal(t, "CN=server.example.com", info.Subject)
	assert.Equal(t, "CN=Test Root CA, O=TestOrg", info.Issuer)
	assert.Equal(t, pki.StatusActive, info.Status)
	assert.Equal(t, "RSA 2048", info.KeyAlgorithm)
	assert.Len(t, info.FingerprintSHA256, 64)
	assert.False(t, info.IsCA)
	assert.False(t, info.SelfSigned)
	assert.Equal(t, []string{"any", "serverAuth"}, info.ExtKeyUsages)

	caInfo := pki.Inspect(ca.Certificate)
	assert.True(t, caInfo.IsCA)
	assert.True(t, caInfo.SelfSigned)

	expired := pki.InspectAt(leaf.Certificate, leaf.Certificate.NotAfter.Add(time.Hour))
	assert.Equal(t, pki.StatusExpired, expired.Status)

	u, err := pki.ParseExtKeyUsage("ClientAuth")
	require.NoError(t, err)
	assert.Equal(t, x509.ExtKeyUsageClientAuth, u)
	_, err = pki.ParseExtKeyUsage("bogus")
	assert.ErrorIs(t, err, pki.ErrUnsupportedUsage)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := pki.NewFactory(pki.WithMetrics(pki.NewMetrics(reg)))

	ca := newAuthority(t, f)
	_, err := f.IssueLeaf("CN=metered", ca, nil, nil, 0)
	require.NoError(t, err)
	_, err = f.CreateSelfSigned("bad subject", nil, nil)
	require.Error(t, err)

	expected := `
# HELP tunnelca_pki_certificates_issued_total Certificates issued, by role and issuer kind.
# TYPE tunnelca_pki_certificates_issued_total counter
tunnelca_pki_certificates_issued_total{issuer="external",role="leaf"} 1
tunnelca_pki_certificates_issued_total{issuer="self",role="authority"} 1
# HELP tunnelca_pki_issuance_failures_total Failed issuance attempts, by error kind.
# TYPE tunnelca_pki_issuance_failures_total counter
tunnelca_pki_issuance_failures_total{kind="unsupported_usage"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tunnelca_pki_certificates_issued_total", "tunnelca_pki_issuance_failures_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var keygenSamples uint64
	for _, mf := range families {
		if mf.GetName() == "tunnelca_pki_key_generation_seconds" {
			keygenSamples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), keygenSamples)
}
