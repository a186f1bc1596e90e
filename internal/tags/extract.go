// Package tags derives the searchable tag corpus from model identifiers and
// maintains the inverted index used for tag-expression routing.
package tags

import (
	"regexp"
	"sort"
	"strings"
)

// maxFragmentLen is the longest separator-split fragment that becomes a tag.
const maxFragmentLen = 50

var (
	separators = regexp.MustCompile(`[:/@\-_,]`)

	// paramSizeRe matches parameter-count markers like "30b" or "1.5b".
	// The trailing group stands in for a negative lookahead on [a-z].
	paramSizeRe = regexp.MustCompile(`(\d+\.?\d*)[bm]($|[^a-z])`)

	// ctxLenRe matches context-length markers like "128k" or "32ktokens".
	ctxLenRe = regexp.MustCompile(`(\d+\.?\d*)[km](tokens?|tok|ctx|context|[^a-z0-9]|$)`)
)

// Extract splits a model identifier into its lowercase tag set. Fragments come
// from the separator class [:/@-_,]; numeric parameter-size and context-length
// markers are added as "<num>b" and "<num>k" tags, and a few capability
// keywords map to fixed tags.
func Extract(modelID string) []string {
	lower := strings.ToLower(modelID)
	set := make(map[string]struct{})

	for _, frag := range separators.Split(lower, -1) {
		if frag == "" || len(frag) > maxFragmentLen {
			continue
		}
		set[frag] = struct{}{}
	}

	for _, loc := range paramSizeRe.FindAllStringSubmatchIndex(lower, -1) {
		if !atBoundary(lower, loc[0]) {
			continue
		}
		set[lower[loc[2]:loc[3]]+"b"] = struct{}{}
	}
	for _, loc := range ctxLenRe.FindAllStringSubmatchIndex(lower, -1) {
		if !atBoundary(lower, loc[0]) {
			continue
		}
		set[lower[loc[2]:loc[3]]+"k"] = struct{}{}
	}

	if strings.Contains(lower, "vision") || strings.Contains(lower, "visual") {
		set["vision"] = struct{}{}
	}
	if strings.Contains(lower, "code") || strings.Contains(lower, "coding") {
		set["code"] = struct{}{}
	}
	if strings.Contains(lower, "instruct") || strings.Contains(lower, "chat") {
		set["chat"] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// atBoundary reports whether the match at pos starts a fragment rather than
// continuing an alphanumeric run ("a3b" must not yield a "3b" tag).
func atBoundary(s string, pos int) bool {
	if pos == 0 {
		return true
	}
	c := s[pos-1]
	return !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9')
}

// ParseExpression splits a "tag:a,b,!c" model expression into positive and
// negative tag lists. The caller strips the "tag:" prefix.
func ParseExpression(expr string) (positive, negative []string) {
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "!") {
			if t := tok[1:]; t != "" {
				negative = append(negative, t)
			}
			continue
		}
		positive = append(positive, tok)
	}
	return positive, negative
}
