package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Fingerprint returns the hex encoded SHA-256 of data, used as a stable
// dedupe key for queued work.
func Fingerprint(data []byte) string {
	sum := SumSHA256(data)
	return hex.EncodeToString(sum[:])
}
