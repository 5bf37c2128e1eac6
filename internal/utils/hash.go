package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the lowercase hex SHA-256 digest API keys are stored and
// looked up by. The plaintext key is hashed as is, without trimming.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
