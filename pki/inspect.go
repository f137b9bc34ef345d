package pki

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// CertificateInfo is a readable summary of a certificate, as printed by the
// CLI.
type CertificateInfo struct {
	Subject           string   `json:"subject"`
	Issuer            string   `json:"issuer"`
	SerialNumber      string   `json:"serial_number"`
	NotBefore         string   `json:"not_before"`
	NotAfter          string   `json:"not_after"`
	FingerprintSHA256 string   `json:"fingerprint_sha256"`
	KeyAlgorithm      string   `json:"key_algorithm"`
	Status            string   `json:"status"`
	IsCA              bool     `json:"is_ca"`
	SelfSigned        bool     `json:"self_signed"`
	DNSNames          []string `json:"dns_names,omitempty"`
	ExtKeyUsages      []string `json:"ext_key_usages,omitempty"`
}

// Inspect summarises cert relative to the current time.
func Inspect(cert *x509.Certificate) CertificateInfo {
	return InspectAt(cert, time.Now())
}

// InspectAt summarises cert, computing its status at now.
func InspectAt(cert *x509.Certificate, now time.Time) CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	info := CertificateInfo{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
		Status:            certStatus(cert, now),
		IsCA:              cert.BasicConstraintsValid && cert.IsCA,
		SelfSigned:        string(cert.RawIssuer) == string(cert.RawSubject),
		DNSNames:          cert.DNSNames,
	}
	for _, u := range cert.ExtKeyUsage {
		info.ExtKeyUsages = append(info.ExtKeyUsages, extKeyUsageName(u))
	}
	return info
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func certStatus(cert *x509.Certificate, now time.Time) string {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

func extKeyUsageName(u x509.ExtKeyUsage) string {
	switch u {
	case x509.ExtKeyUsageAny:
		return "any"
	case x509.ExtKeyUsageServerAuth:
		return "serverAuth"
	case x509.ExtKeyUsageClientAuth:
		return "clientAuth"
	case x509.ExtKeyUsageCodeSigning:
		return "codeSigning"
	case x509.ExtKeyUsageEmailProtection:
		return "emailProtection"
	case x509.ExtKeyUsageIPSECEndSystem:
		return "ipsecEndSystem"
	case x509.ExtKeyUsageIPSECTunnel:
		return "ipsecTunnel"
	case x509.ExtKeyUsageIPSECUser:
		return "ipsecUser"
	case x509.ExtKeyUsageTimeStamping:
		return "timeStamping"
	case x509.ExtKeyUsageOCSPSigning:
		return "ocspSigning"
	default:
		return fmt.Sprintf("unknown(%d)", u)
	}
}

// ParseExtKeyUsage maps a usage name as printed by Inspect back to its value.
func ParseExtKeyUsage(name string) (x509.ExtKeyUsage, error) {
	for u := range extKeyUsageOIDs {
		if strings.EqualFold(extKeyUsageName(u), name) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("%w: extended key usage %q", ErrUnsupportedUsage, name)
}
