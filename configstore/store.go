// Package configstore provides the key/value configuration store the
// authority reads its stored trust material and secrets from.
package configstore

import "errors"

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("configuration entry not found")

// ErrConflict is returned by Batch when a concurrent batch touched the same
// entries and this one was aborted. Nothing it wrote is kept.
var ErrConflict = errors.New("configuration batch conflict")

// Well-known keys.
const (
	KeyCABlob         = "crypto.ca.blob"
	KeyCAPassword     = "crypto.ca.password"
	KeyServerBlob     = "crypto.server.blob"
	KeyServerPassword = "crypto.server.password"
	KeyServerChain    = "crypto.server.chain"
	KeyJWTSecret      = "crypto.jwt.key"
	KeyInstanceID     = "sys.id"
)

// Tx provides Get and Set within an atomic transaction.
type Tx interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Store is a string-valued configuration store. Binary material such as
// PKCS#12 bundles is stored base64-encoded.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Keys() ([]string, error)

	// Batch runs fn in a transaction. If fn returns an error no write made
	// through tx is kept. Concurrent batches behave as if run one after
	// another; a backend that cannot order them fails one with ErrConflict.
	Batch(fn func(tx Tx) error) error
}
