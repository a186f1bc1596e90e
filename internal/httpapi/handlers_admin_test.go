package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func adminFixture(t *testing.T) *apiFixture {
	t.Helper()
	holder, err := NewAdminTokenHolder("test-admin", ":memory:", testLogger())
	if err != nil {
		t.Fatalf("NewAdminTokenHolder: %v", err)
	}
	return newAPIFixture(t, func(d *Dependencies) { d.AdminToken = holder })
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer test-admin"}
}

func TestStrategyGetAndSet(t *testing.T) {
	f := adminFixture(t)

	rec := f.do(t, "GET", "/admin/routing/strategy", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Default    string   `json:"default_strategy"`
		Strategies []string `json:"strategies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Default == "" || len(got.Strategies) != 6 {
		t.Errorf("response = %+v", got)
	}

	rec = f.do(t, "POST", "/admin/routing/strategy", `{"strategy":"cost_first"}`, adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if f.deps.Finder.DefaultStrategy() != "cost_first" {
		t.Errorf("default = %q after set", f.deps.Finder.DefaultStrategy())
	}

	rec = f.do(t, "POST", "/admin/routing/strategy", `{"strategy":"cheapest"}`, adminHeader())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown strategy status = %d", rec.Code)
	}
	var out errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Error.Code != "unknown_strategy" {
		t.Errorf("code = %q", out.Error.Code)
	}
}

func TestBlacklistListAndClear(t *testing.T) {
	f := adminFixture(t)
	f.deps.Blacklist.RecordFailure("paid-openai", "gpt-4o", "rate_limit", "429 too many requests", 0)

	rec := f.do(t, "GET", "/admin/blacklist", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if listed.Count != 1 {
		t.Errorf("count = %d, want 1", listed.Count)
	}

	rec = f.do(t, "POST", "/admin/blacklist/clear/paid-openai", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	var cleared struct {
		ChannelID string `json:"channel_id"`
		Cleared   int    `json:"cleared"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &cleared)
	if cleared.ChannelID != "paid-openai" || cleared.Cleared != 1 {
		t.Errorf("cleared = %+v", cleared)
	}
	if f.deps.Blacklist.IsBlocked("paid-openai", "gpt-4o") {
		t.Error("pair still blocked after clear")
	}
}

func TestChannelsListHidesCredentials(t *testing.T) {
	f := adminFixture(t)

	rec := f.do(t, "GET", "/admin/channels", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Count    int `json:"count"`
		Channels []struct {
			ID         string `json:"id"`
			ModelCount int    `json:"model_count"`
			Blocked    bool   `json:"blocked"`
			Healthy    bool   `json:"healthy"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("count = %d", out.Count)
	}
	for _, ch := range out.Channels {
		if ch.ID == "paid-openai" && ch.ModelCount != 2 {
			t.Errorf("paid-openai model_count = %d", ch.ModelCount)
		}
	}
	if strings.Contains(rec.Body.String(), "sk-test") {
		t.Error("API keys leaked into the channel listing")
	}
}

func TestChannelEnableDisable(t *testing.T) {
	f := adminFixture(t)

	rec := f.do(t, "POST", "/admin/channels/paid-openai/disable", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if ch, _ := f.deps.Registry.Channel("paid-openai"); ch.Enabled {
		t.Error("channel still enabled")
	}

	rec = f.do(t, "POST", "/admin/channels/paid-openai/enable", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if ch, _ := f.deps.Registry.Channel("paid-openai"); !ch.Enabled {
		t.Error("channel still disabled")
	}

	rec = f.do(t, "POST", "/admin/channels/no-such-channel/enable", "", adminHeader())
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", rec.Code)
	}
}

func TestCacheStats(t *testing.T) {
	f := adminFixture(t)

	rec := f.do(t, "GET", "/admin/cache/stats", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestStatsIncludesChannelHealth(t *testing.T) {
	f := adminFixture(t)

	rec := f.do(t, "GET", "/admin/stats", "", adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	for _, field := range []string{"channel_health", "session"} {
		if _, ok := out[field]; !ok {
			t.Errorf("stats missing %q", field)
		}
	}
}

func TestDisabledSubsystemsReturn404(t *testing.T) {
	f := adminFixture(t)

	for _, path := range []string{"/admin/discovery/status", "/admin/logs", "/admin/audit"} {
		rec := f.do(t, "GET", path, "", adminHeader())
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404 when the subsystem is off", path, rec.Code)
		}
	}
	rec := f.do(t, "POST", "/admin/v1/vault/unlock", `{"password":"pw"}`, adminHeader())
	if rec.Code != http.StatusNotFound {
		t.Errorf("vault unlock status = %d, want 404 when vault is off", rec.Code)
	}
}
