package pki

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// ParseDistinguishedName parses an RFC 4514 style string such as
// "CN=vpn.example.com, O=Example, C=US" into a pkix.Name. Only the attribute
// types pkix.Name models are accepted; backslash escapes are honoured.
// Multi-valued RDNs joined with an unescaped '+' are rejected, as is a
// second CN or SERIALNUMBER.
func ParseDistinguishedName(dn string) (pkix.Name, error) {
	var name pkix.Name

	rdns, err := splitUnescaped(dn, ',')
	if err != nil {
		return name, err
	}
	for _, rdn := range rdns {
		rdn = strings.TrimSpace(rdn)
		if rdn == "" {
			continue
		}
		if parts, err := splitUnescaped(rdn, '+'); err != nil {
			return name, err
		} else if len(parts) > 1 {
			return name, fmt.Errorf("%w: multi-valued component %q", ErrUnsupportedUsage, rdn)
		}
		kv, err := splitUnescaped(rdn, '=')
		if err != nil {
			return name, err
		}
		if len(kv) < 2 {
			return name, fmt.Errorf("%w: malformed distinguished name component %q", ErrUnsupportedUsage, rdn)
		}
		attr := strings.ToUpper(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(strings.Join(kv[1:], "="))
		value = unescapeDN(value)
		if value == "" {
			return name, fmt.Errorf("%w: empty value for %s", ErrUnsupportedUsage, attr)
		}

		switch attr {
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("%w: repeated CN in %q", ErrUnsupportedUsage, dn)
			}
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST", "S":
			name.Province = append(name.Province, value)
		case "C":
			name.Country = append(name.Country, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			if name.SerialNumber != "" {
				return name, fmt.Errorf("%w: repeated SERIALNUMBER in %q", ErrUnsupportedUsage, dn)
			}
			name.SerialNumber = value
		default:
			return name, fmt.Errorf("%w: unsupported attribute type %q", ErrUnsupportedUsage, attr)
		}
	}

	if name.CommonName == "" && len(name.Organization) == 0 && len(name.OrganizationalUnit) == 0 {
		return name, fmt.Errorf("%w: distinguished name %q has no identifying attribute", ErrUnsupportedUsage, dn)
	}
	return name, nil
}

// splitUnescaped splits s on sep, ignoring separators preceded by a backslash.
// Escapes are kept so a later pass can decide what they mean.
func splitUnescaped(s string, sep byte) ([]string, error) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			if i+1 >= len(s) {
				return nil, fmt.Errorf("%w: dangling escape in %q", ErrUnsupportedUsage, s)
			}
			cur.WriteByte(c)
			cur.WriteByte(s[i+1])
			i++
			continue
		}
		if c == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(parts, cur.String()), nil
}

func unescapeDN(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
