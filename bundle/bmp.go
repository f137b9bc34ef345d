package bundle

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"github.com/jmcleod/tunnelca/pki"
)

// bmpString encodes s as big-endian UCS-2. Characters outside the Basic
// Multilingual Plane have no BMPString form and are rejected.
func bmpString(s string) ([]byte, error) {
	for _, r := range s {
		if r > 0xFFFF {
			return nil, fmt.Errorf("%w: %q cannot be encoded as a BMPString", pki.ErrUnsupportedUsage, r)
		}
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding BMPString: %v", pki.ErrUnsupportedUsage, err)
	}
	return out, nil
}

// bmpPassword is the PKCS#12 password form used by the MAC key derivation:
// the BMPString followed by a two-byte terminator.
func bmpPassword(password string) ([]byte, error) {
	b, err := bmpString(password)
	if err != nil {
		return nil, err
	}
	return append(b, 0, 0), nil
}
