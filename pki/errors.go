package pki

import "errors"

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

// Every failure surfaced by the issuance engine, the packager and the signing
// key cache wraps exactly one of these kinds. Callers match with errors.Is.
var (
	// ErrConfigMissing is returned when a required configuration entry (stored
	// CA material, bundle passwords, the token signing secret) is absent or
	// empty.
	ErrConfigMissing = errors.New("required configuration entry is missing")

	// ErrCryptoFailure is returned for malformed certificate or key bytes,
	// wrong bundle passwords, issuer keys that are absent or do not match the
	// issuer certificate, and key generation failures.
	ErrCryptoFailure = errors.New("cryptographic operation failed")

	// ErrUnsupportedUsage is returned when a requested parameter combination
	// has no defined issuance policy.
	ErrUnsupportedUsage = errors.New("unsupported certificate usage")
)
