package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC so visually identical input compares equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeEmail trims, NFKC-normalizes and lowercases an address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(Normalize(strings.TrimSpace(email)))
}

// Digest returns the hex SHA-256 of s. Used wherever a secret value needs a
// stable storage key that does not reveal the value.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
