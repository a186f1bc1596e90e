// Package routecache caches routing selections keyed by a fingerprint of the
// routing-relevant request fields. Message content never enters the key, so
// two requests that differ only in content share an entry.
package routecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
)

// Fingerprint is the tuple hashed into a cache key. Buckets keep near-identical
// requests on the same entry: max_tokens rounds to 256, temperature to 0.1.
type Fingerprint struct {
	ModelExpr        string
	Strategy         string
	Capabilities     []string
	ExcludeProviders []string
	MinContextLength int
	MaxCostPer1K     float64
	PreferLocal      bool
	HasFunctions     bool
	Stream           bool
	MaxTokens        int
	Temperature      float64
}

const (
	maxTokensBucket   = 256
	temperatureBucket = 0.1
)

// Hash returns the 32-hex-character cache key: the first half of the SHA-256
// of the canonical JSON form (sorted keys, sorted slices, bucketed numerics).
func (f Fingerprint) Hash() string {
	caps := append([]string(nil), f.Capabilities...)
	sort.Strings(caps)
	excl := append([]string(nil), f.ExcludeProviders...)
	sort.Strings(excl)

	// Maps marshal with sorted keys, giving a canonical byte form.
	canonical := map[string]any{
		"model":              f.ModelExpr,
		"strategy":           f.Strategy,
		"capabilities":       caps,
		"exclude_providers":  excl,
		"min_context_length": f.MinContextLength,
		"max_cost_per_1k":    f.MaxCostPer1K,
		"prefer_local":       f.PreferLocal,
		"has_functions":      f.HasFunctions,
		"stream":             f.Stream,
		"max_tokens_bucket":  bucketInt(f.MaxTokens, maxTokensBucket),
		"temperature_bucket": bucketFloat(f.Temperature, temperatureBucket),
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func bucketInt(v, size int) int {
	if v <= 0 {
		return 0
	}
	return (v + size/2) / size
}

func bucketFloat(v, size float64) int {
	if v <= 0 {
		return 0
	}
	return int(math.Round(v / size))
}
