package pricing

import (
	"crypto/sha256"
	"encoding/hex"
)

// CacheKey builds the per-(channel, api key) catalog key: the channel id
// joined with the first 8 hex characters of the key's SHA-256. Pricing and
// model catalogs fetched with one key never apply to another.
func CacheKey(channelID, apiKey string) string {
	return channelID + "_" + KeyHash(apiKey)
}

// KeyHash is the short credential fingerprint used in cache keys and
// persisted discovery entries. Never log or store raw keys.
func KeyHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:8]
}
