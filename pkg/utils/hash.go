package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

func HashBytes(input []byte) string {
	hash := md5.Sum(input)
	return fmt.Sprintf("%x", hash)
}

// DeriveKey builds a stable identifier from an ordered tuple of parts.
// Prompt variants, survey items and cache entries all key off this so the
// same inputs always land on the same record.
func DeriveKey(parts ...string) string {
	return HashString(strings.Join(parts, "|"))
}
