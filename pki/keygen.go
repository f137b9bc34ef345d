package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// MinKeyBits is the weakest RSA modulus the generator will produce. Requests
// below it are raised to it rather than rejected.
const MinKeyBits = 2048

// entropyCheckSize is how much entropy GenerateKeyPair draws from the caller's
// reader before generating.
const entropyCheckSize = 32

// GenerateKeyPair creates a fresh RSA key pair. bits is treated as a floor:
// zero, negative or sub-2048 requests all yield a MinKeyBits key.
//
// crypto/rsa draws from the system generator whatever reader it is handed, so
// random is read first and a reader that cannot supply entropy fails the
// call with ErrCryptoFailure.
func GenerateKeyPair(random io.Reader, bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		bits = MinKeyBits
	}
	if _, err := io.ReadFull(random, make([]byte, entropyCheckSize)); err != nil {
		return nil, fmt.Errorf("%w: reading key entropy: %v", ErrCryptoFailure, err)
	}
	priv, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating RSA-%d key: %v", ErrCryptoFailure, bits, err)
	}
	return priv, nil
}

// ---------------------------------------------------------------------------
// PEM helpers
// ---------------------------------------------------------------------------

// EncodeCertificatePEM wraps DER certificate bytes in a "CERTIFICATE" block.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// EncodePrivateKeyPEM encodes key as an unencrypted PKCS#8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseCertificatePEM decodes the first "CERTIFICATE" block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no CERTIFICATE PEM block found", ErrCryptoFailure)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM accepts PKCS#1 "RSA PRIVATE KEY" and PKCS#8 "PRIVATE KEY"
// blocks holding an RSA key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCryptoFailure)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		return priv, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrCryptoFailure)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrCryptoFailure, block.Type)
	}
}
