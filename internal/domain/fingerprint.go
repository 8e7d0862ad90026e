package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the deterministic dedup key for a (language, code)
// pair: the hex sha256 of "language:code". It doubles as the code_token
// handed back to callers.
func Fingerprint(language, code string) string {
	sum := sha256.Sum256([]byte(language + ":" + code))
	return hex.EncodeToString(sum[:])
}
