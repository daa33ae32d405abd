package answercache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyPrefix is shared by every answer key and is the Flush scan pattern root.
const KeyPrefix = "rag:answer"

// Key derives the cache key for a question. Questions differing only in case
// or surrounding whitespace share a key. A non-empty restaurantID namespaces
// the key so tenants never see each other's answers.
func Key(question, restaurantID string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question))))
	digest := hex.EncodeToString(sum[:])
	if restaurantID == "" {
		return KeyPrefix + ":" + digest
	}
	return KeyPrefix + ":" + restaurantID + ":" + digest
}
