package pki

import (
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"
)

// serialSpan is the width of [1, 2^63-1).
var serialSpan = new(big.Int).SetUint64(math.MaxInt64 - 1)

// NextSerial draws a serial number uniformly from [1, 2^63-1).
//
// There is no persistent counter behind this value and collisions are neither
// detected nor retried; uniqueness rests on the width of the draw. A durable
// monotonic counter would close that gap at the cost of making issuance
// stateful.
func NextSerial(random io.Reader) (*big.Int, error) {
	n, err := rand.Int(random, serialSpan)
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial number: %v", ErrCryptoFailure, err)
	}
	return n.Add(n, big.NewInt(1)), nil
}
