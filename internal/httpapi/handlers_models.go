package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/smartrouter/smartrouter/internal/router"
)

// modelView is one entry in the /v1/models listing. It follows the OpenAI
// list shape with gateway extensions.
type modelView struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	OwnedBy       string   `json:"owned_by"`
	ChannelID     string   `json:"channel_id"`
	ContextLength int      `json:"context_length,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	PromptPer1K   float64  `json:"prompt_per_1k"`
	CompletePer1K float64  `json:"completion_per_1k"`
	Free          bool     `json:"free"`
}

// ModelsListHandler serves GET /v1/models with search, provider, tags,
// capabilities, sort_by, limit, and offset query parameters.
func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		search := strings.ToLower(q.Get("search"))
		provider := q.Get("provider")
		wantTags := splitParam(q.Get("tags"))
		wantCaps := splitParam(q.Get("capabilities"))
		sortBy := q.Get("sort_by")

		var views []modelView
		for _, rec := range d.Registry.AllRecords() {
			ch, ok := d.Registry.Channel(rec.ChannelID)
			if !ok || !ch.Enabled {
				continue
			}
			if provider != "" && ch.Provider != provider {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(rec.ModelID), search) {
				continue
			}
			if !containsAll(rec.Tags, wantTags) {
				continue
			}
			if !containsAll(rec.Capabilities, wantCaps) {
				continue
			}
			views = append(views, viewFor(ch, rec))
		}

		sortViews(views, sortBy)

		limit, offset := parsePagination(r)
		total := len(views)
		if offset > total {
			offset = total
		}
		end := offset + limit
		if end > total {
			end = total
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   views[offset:end],
			"total":  total,
		})
	}
}

func viewFor(ch *router.Channel, rec router.ModelRecord) modelView {
	return modelView{
		ID:            rec.ModelID,
		Object:        "model",
		OwnedBy:       ch.Provider,
		ChannelID:     ch.ID,
		ContextLength: rec.ContextLength,
		Capabilities:  rec.Capabilities,
		Tags:          rec.Tags,
		PromptPer1K:   rec.Pricing.PromptPerToken * 1000,
		CompletePer1K: rec.Pricing.CompletionPerToken * 1000,
		Free:          rec.Pricing.PromptPerToken == 0 && rec.Pricing.CompletionPerToken == 0,
	}
}

func sortViews(views []modelView, sortBy string) {
	less := func(i, j int) bool { return views[i].ID < views[j].ID }
	switch sortBy {
	case "context_length":
		less = func(i, j int) bool { return views[i].ContextLength > views[j].ContextLength }
	case "price":
		less = func(i, j int) bool { return views[i].PromptPer1K < views[j].PromptPer1K }
	case "provider":
		less = func(i, j int) bool { return views[i].OwnedBy < views[j].OwnedBy }
	}
	sort.SliceStable(views, less)
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
