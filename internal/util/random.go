package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var (
	passwordAlphanumeric = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	passwordPunctuation  = []rune("!@#$%^&*()_-+=[{]};:<>|./?")
)

// GeneratePassword returns a random password of length characters of which at
// least nonAlphanumeric are punctuation.
func GeneratePassword(length, nonAlphanumeric int) (string, error) {
	if length < 1 || nonAlphanumeric < 0 || nonAlphanumeric > length {
		return "", fmt.Errorf("invalid password shape: length %d, non-alphanumeric %d", length, nonAlphanumeric)
	}

	all := make([]rune, 0, len(passwordAlphanumeric)+len(passwordPunctuation))
	all = append(append(all, passwordAlphanumeric...), passwordPunctuation...)

	out := make([]rune, length)
	punct := 0
	for i := range out {
		idx, err := RandomIntn(len(all))
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		out[i] = all[idx]
		if idx >= len(passwordAlphanumeric) {
			punct++
		}
	}

	// Top up with punctuation at random alphanumeric positions.
	for punct < nonAlphanumeric {
		pos, err := RandomIntn(length)
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		if isPunctuation(out[pos]) {
			continue
		}
		idx, err := RandomIntn(len(passwordPunctuation))
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		out[pos] = passwordPunctuation[idx]
		punct++
	}
	return string(out), nil
}

func isPunctuation(r rune) bool {
	for _, p := range passwordPunctuation {
		if p == r {
			return true
		}
	}
	return false
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
