package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	PasteIDLength     = 20
	SafetyTokenLength = 64
)

// RandString returns n characters drawn uniformly from the base62 alphabet.
func RandString(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		for _, b := range buf {
			// 248 = 4*62, rejection keeps the distribution uniform
			if b >= 248 {
				continue
			}
			out = append(out, base62Chars[b%62])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
func GenPasteID() (string, error) {
	return RandString(PasteIDLength)
}
func GenSafetyToken() (string, error) {
	return RandString(SafetyTokenLength)
}

// HashToken is the lookup key stored in place of a safety token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
