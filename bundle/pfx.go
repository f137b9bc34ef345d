package bundle

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jmcleod/tunnelca/internal/util"
	"github.com/jmcleod/tunnelca/pki"
)

var (
	oidDataContentType     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidPKCS8ShroudedKeyBag = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 2}
	oidCertBag             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 3}
	oidFriendlyName        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 20}
	oidLocalKeyID          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 21}
	oidX509Certificate     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 22, 1}
	oidPBKDF2              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidPBES2               = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidHMACWithSHA256      = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidAES256CBC           = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	oidSHA256              = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

const (
	pfxVersion    = 3
	kdfIterations = 2048
	macIterations = 2048
	saltSize      = 16
	aesKeySize    = 32

	// macKeyID is the RFC 7292 diversifier for MAC key material.
	macKeyID = 3
)

// ---------------------------------------------------------------------------
// ASN.1 structures (RFC 7292, RFC 8018)
// ---------------------------------------------------------------------------

type pfxPDU struct {
	Version  int
	AuthSafe contentInfo
	MacData  macData
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type macData struct {
	Mac        digestInfo
	MacSalt    []byte
	Iterations int
}

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

type safeBag struct {
	ID         asn1.ObjectIdentifier
	Value      asn1.RawValue
	Attributes []bagAttribute `asn1:"set,optional"`
}

type bagAttribute struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

type certBag struct {
	ID   asn1.ObjectIdentifier
	Data asn1.RawValue
}

type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	KDF              pkix.AlgorithmIdentifier
	EncryptionScheme pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt       []byte
	Iterations int
	PRF        pkix.AlgorithmIdentifier
}

// entry is one certificate in a bundle, optionally with its private key.
type entry struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// encodePFX writes entries, in order, as certificate bags in a plain data
// SafeContents. Keys go into a second SafeContents as shrouded key bags. The
// whole AuthenticatedSafe is protected by an HMAC-SHA256 MAC.
//
// go-pkcs12's Encode is not used because it always writes the keyed
// certificate first and sets no friendlyName, so it cannot emit an
// authority-first chain with per-bag names.
func encodePFX(entries []entry, password string) ([]byte, error) {
	macPassword, err := bmpPassword(password)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(macPassword)

	var certBags, keyBags []safeBag
	for _, e := range entries {
		attrs, err := bagAttributes(e.cert, e.key != nil)
		if err != nil {
			return nil, err
		}
		bag, err := makeCertBag(e.cert, attrs)
		if err != nil {
			return nil, err
		}
		certBags = append(certBags, bag)

		if e.key != nil {
			kb, err := makeShroudedKeyBag(e.key, password, attrs)
			if err != nil {
				return nil, err
			}
			keyBags = append(keyBags, kb)
		}
	}

	authSafe := make([]contentInfo, 0, 2)
	for _, bags := range [][]safeBag{certBags, keyBags} {
		if len(bags) == 0 {
			continue
		}
		content, err := asn1.Marshal(bags)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding safe contents: %v", pki.ErrCryptoFailure, err)
		}
		ci, err := dataContentInfo(content)
		if err != nil {
			return nil, err
		}
		authSafe = append(authSafe, ci)
	}

	authSafeDER, err := asn1.Marshal(authSafe)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding authenticated safe: %v", pki.ErrCryptoFailure, err)
	}
	mac, err := computeMAC(authSafeDER, macPassword)
	if err != nil {
		return nil, err
	}
	outer, err := dataContentInfo(authSafeDER)
	if err != nil {
		return nil, err
	}

	pfx, err := asn1.Marshal(pfxPDU{Version: pfxVersion, AuthSafe: outer, MacData: mac})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PFX: %v", pki.ErrCryptoFailure, err)
	}
	return pfx, nil
}

func dataContentInfo(content []byte) (contentInfo, error) {
	octets, err := asn1.Marshal(content)
	if err != nil {
		return contentInfo{}, fmt.Errorf("%w: encoding content: %v", pki.ErrCryptoFailure, err)
	}
	return contentInfo{ContentType: oidDataContentType, Content: explicitTag0(octets)}, nil
}

// explicitTag0 wraps an encoded value in a [0] EXPLICIT tag. encoding/asn1
// does not apply explicit tagging to RawValue fields, so it is built by hand.
func explicitTag0(inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner}
}

func setOf(inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: inner}
}

// bagAttributes returns friendlyName and, for keyed certificates, a
// localKeyId tying the certificate bag to its key bag.
func bagAttributes(cert *x509.Certificate, keyed bool) ([]bagAttribute, error) {
	name, err := bmpString(friendlyName(cert))
	if err != nil {
		return nil, err
	}
	nameValue, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagBMPString, Bytes: name})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding friendly name: %v", pki.ErrCryptoFailure, err)
	}
	attrs := []bagAttribute{{ID: oidFriendlyName, Value: setOf(nameValue)}}

	if keyed {
		id := sha1.Sum(cert.Raw)
		idValue, err := asn1.Marshal(id[:])
		if err != nil {
			return nil, fmt.Errorf("%w: encoding local key id: %v", pki.ErrCryptoFailure, err)
		}
		attrs = append(attrs, bagAttribute{ID: oidLocalKeyID, Value: setOf(idValue)})
	}
	return attrs, nil
}

func friendlyName(cert *x509.Certificate) string {
	return cert.Subject.String()
}

func makeCertBag(cert *x509.Certificate, attrs []bagAttribute) (safeBag, error) {
	data, err := asn1.Marshal(cert.Raw)
	if err != nil {
		return safeBag{}, fmt.Errorf("%w: encoding certificate: %v", pki.ErrCryptoFailure, err)
	}
	value, err := asn1.Marshal(certBag{ID: oidX509Certificate, Data: explicitTag0(data)})
	if err != nil {
		return safeBag{}, fmt.Errorf("%w: encoding certificate bag: %v", pki.ErrCryptoFailure, err)
	}
	return safeBag{ID: oidCertBag, Value: explicitTag0(value), Attributes: attrs}, nil
}

func makeShroudedKeyBag(key *rsa.PrivateKey, password string, attrs []bagAttribute) (safeBag, error) {
	value, err := shroudKey(key, password)
	if err != nil {
		return safeBag{}, err
	}
	return safeBag{ID: oidPKCS8ShroudedKeyBag, Value: explicitTag0(value), Attributes: attrs}, nil
}

// shroudKey encrypts the PKCS#8 form of key with PBES2: PBKDF2-HMAC-SHA256
// over the UTF-8 password and AES-256-CBC.
func shroudKey(key *rsa.PrivateKey, password string) ([]byte, error) {
	plain, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding private key: %v", pki.ErrCryptoFailure, err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	util.WipeBytes(plain)
	defer util.WipeBytes(padded)

	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
	}
	iv, err := util.RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
	}

	dk := pbkdf2.Key([]byte(password), salt, kdfIterations, aesKeySize, sha256.New)
	defer util.WipeBytes(dk)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
	}
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	kdfParams, err := asn1.Marshal(pbkdf2Params{
		Salt:       salt,
		Iterations: kdfIterations,
		PRF:        pkix.AlgorithmIdentifier{Algorithm: oidHMACWithSHA256, Parameters: asn1.NullRawValue},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PBKDF2 parameters: %v", pki.ErrCryptoFailure, err)
	}
	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding IV: %v", pki.ErrCryptoFailure, err)
	}
	schemeParams, err := asn1.Marshal(pbes2Params{
		KDF:              pkix.AlgorithmIdentifier{Algorithm: oidPBKDF2, Parameters: asn1.RawValue{FullBytes: kdfParams}},
		EncryptionScheme: pkix.AlgorithmIdentifier{Algorithm: oidAES256CBC, Parameters: asn1.RawValue{FullBytes: ivParam}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PBES2 parameters: %v", pki.ErrCryptoFailure, err)
	}

	out, err := asn1.Marshal(encryptedPrivateKeyInfo{
		Algorithm:     pkix.AlgorithmIdentifier{Algorithm: oidPBES2, Parameters: asn1.RawValue{FullBytes: schemeParams}},
		EncryptedData: encrypted,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding encrypted private key: %v", pki.ErrCryptoFailure, err)
	}
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func computeMAC(message, password []byte) (macData, error) {
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return macData{}, fmt.Errorf("%w: %v", pki.ErrCryptoFailure, err)
	}
	key := pkcs12KDF(sha256.New, 64, salt, password, macIterations, macKeyID)
	defer util.WipeBytes(key)

	h := hmac.New(sha256.New, key)
	h.Write(message)
	return macData{
		Mac: digestInfo{
			Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidSHA256, Parameters: asn1.NullRawValue},
			Digest:    h.Sum(nil),
		},
		MacSalt:    salt,
		Iterations: macIterations,
	}, nil
}

// pkcs12KDF is the RFC 7292 appendix B.2 derivation producing one hash
// output's worth of key material, which is all an HMAC key needs.
func pkcs12KDF(newHash func() hash.Hash, v int, salt, password []byte, iterations int, id byte) []byte {
	d := bytes.Repeat([]byte{id}, v)
	i := append(fillBlocks(salt, v), fillBlocks(password, v)...)

	h := newHash()
	h.Write(d)
	h.Write(i)
	a := h.Sum(nil)
	for n := 1; n < iterations; n++ {
		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
	return a
}

// fillBlocks repeats b up to the next multiple of v bytes.
func fillBlocks(b []byte, v int) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, v*((len(b)+v-1)/v))
	for i := range out {
		out[i] = b[i%len(b)]
	}
	return out
}
