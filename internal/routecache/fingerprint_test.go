package routecache

import (
	"regexp"
	"testing"
)

func TestHashShape(t *testing.T) {
	h := Fingerprint{ModelExpr: "gpt-4o", Strategy: "balanced"}.Hash()
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(h) {
		t.Errorf("hash %q is not 32 lowercase hex chars", h)
	}
}

func TestHashStable(t *testing.T) {
	f := Fingerprint{
		ModelExpr:    "tag:free,vision",
		Strategy:     "cost_first",
		Capabilities: []string{"vision", "function_calling"},
		MaxTokens:    1000,
		Temperature:  0.7,
	}
	if f.Hash() != f.Hash() {
		t.Error("hash should be deterministic")
	}
}

func TestHashIgnoresSliceOrder(t *testing.T) {
	a := Fingerprint{
		ModelExpr:        "m",
		Capabilities:     []string{"vision", "code"},
		ExcludeProviders: []string{"openai", "gemini"},
	}
	b := Fingerprint{
		ModelExpr:        "m",
		Capabilities:     []string{"code", "vision"},
		ExcludeProviders: []string{"gemini", "openai"},
	}
	if a.Hash() != b.Hash() {
		t.Error("capability and exclusion order must not affect the hash")
	}
}

func TestHashSensitiveToModelAndStrategy(t *testing.T) {
	base := Fingerprint{ModelExpr: "gpt-4o", Strategy: "balanced"}

	diffModel := base
	diffModel.ModelExpr = "gpt-4o-mini"
	if base.Hash() == diffModel.Hash() {
		t.Error("different model expressions must hash differently")
	}

	diffStrategy := base
	diffStrategy.Strategy = "cost_first"
	if base.Hash() == diffStrategy.Hash() {
		t.Error("different strategies must hash differently")
	}
}

func TestMaxTokensBucketing(t *testing.T) {
	a := Fingerprint{ModelExpr: "m", MaxTokens: 1000}
	b := Fingerprint{ModelExpr: "m", MaxTokens: 1100} // same 256-wide bucket
	c := Fingerprint{ModelExpr: "m", MaxTokens: 4000}

	if a.Hash() != b.Hash() {
		t.Error("max_tokens within one bucket should share a fingerprint")
	}
	if a.Hash() == c.Hash() {
		t.Error("max_tokens in distant buckets should differ")
	}
}

func TestTemperatureBucketing(t *testing.T) {
	a := Fingerprint{ModelExpr: "m", Temperature: 0.70}
	b := Fingerprint{ModelExpr: "m", Temperature: 0.72}
	c := Fingerprint{ModelExpr: "m", Temperature: 1.5}

	if a.Hash() != b.Hash() {
		t.Error("temperatures within 0.1 should share a fingerprint")
	}
	if a.Hash() == c.Hash() {
		t.Error("distant temperatures should differ")
	}
}

func TestStreamFlagInFingerprint(t *testing.T) {
	a := Fingerprint{ModelExpr: "m", Stream: false}
	b := Fingerprint{ModelExpr: "m", Stream: true}
	if a.Hash() == b.Hash() {
		t.Error("stream flag must be part of the fingerprint")
	}
}
