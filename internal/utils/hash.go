// Package utils provides shared helpers for hashing, file handling and
// bounded concurrency.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fieldSeparator keeps adjacent fields from running together, so
// ("ab", "c") and ("a", "bc") hash differently.
const fieldSeparator = "\x1f"

// HashFields returns the hex SHA-256 of the fields in order
func HashFields(fields ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))
	return hex.EncodeToString(hash[:])
}

// ShortHash returns the first n characters of a hash, used in file names
func ShortHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n]
}

// TruncateHash returns a truncated version of the hash for display purposes.
// This should NOT be used for storage or lookups, only for logging.
func TruncateHash(hash string, length int) string {
	if len(hash) <= length {
		return hash
	}
	return hash[:length] + "..."
}
