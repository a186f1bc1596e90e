package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/smartrouter/smartrouter/internal/aggregator"
	"github.com/smartrouter/smartrouter/internal/router"
)

func TestGeminiGenerateContent(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.mock.send = func(_ *router.Channel, _ *router.ChatRequest) (router.ProviderResponse, error) {
		return router.ProviderResponse(okCompletion), nil
	}

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"generationConfig":{"temperature":0.5,"maxOutputTokens":64}}`
	rec := f.do(t, "POST", "/v1beta/models/gpt-4o:generateContent", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req := f.mock.lastReq
	if req.MaxTokens != 64 {
		t.Errorf("max_tokens = %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("temperature = %v", req.Temperature)
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Candidates) != 1 {
		t.Fatalf("candidates = %d", len(out.Candidates))
	}
	c := out.Candidates[0]
	if c.Content.Role != "model" || len(c.Content.Parts) != 1 || c.Content.Parts[0].Text != "Hello there" {
		t.Errorf("content = %+v", c.Content)
	}
	if c.FinishReason != "STOP" {
		t.Errorf("finishReason = %q", c.FinishReason)
	}
	if out.UsageMetadata.PromptTokenCount != 12 || out.UsageMetadata.CandidatesTokenCount != 4 {
		t.Errorf("usageMetadata = %+v", out.UsageMetadata)
	}

	var raw map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &raw)
	if _, ok := raw[aggregator.MetadataField]; !ok {
		t.Error("routing metadata missing")
	}
}

func TestGeminiRoleAndSystemMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.mock.send = func(_ *router.Channel, _ *router.ChatRequest) (router.ProviderResponse, error) {
		return router.ProviderResponse(okCompletion), nil
	}

	body := `{"systemInstruction":{"parts":[{"text":"Be brief."}]},
		"contents":[
			{"role":"user","parts":[{"text":"hi"}]},
			{"role":"model","parts":[{"text":"hello"}]},
			{"role":"user","parts":[{"text":"again"}]}
		]}`
	rec := f.do(t, "POST", "/v1beta/models/gpt-4o:generateContent", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req := f.mock.lastReq
	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
}

func TestGeminiBadPathAndVerb(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, path := range []string{
		"/v1beta/models/gpt-4o:countTokens",
		"/v1beta/models/gpt-4o",
	} {
		rec := f.do(t, "POST", path, `{"contents":[{"parts":[{"text":"hi"}]}]}`, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestGeminiEmptyContents(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "POST", "/v1beta/models/gpt-4o:generateContent", `{"contents":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGeminiStream(t *testing.T) {
	f := newAPIFixture(t, nil)
	upstream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hi"},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	f.mock.stream = func(_ *router.Channel, _ *router.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(upstream)), nil
	}

	rec := f.do(t, "POST", "/v1beta/models/gpt-4o:streamGenerateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"text":"Hi"`) {
		t.Error("delta text not forwarded")
	}

	// The final data event carries finishReason, usage, and routing metadata.
	var lastData string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = data
		}
	}
	var final map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lastData), &final); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	for _, field := range []string{"candidates", "usageMetadata", aggregator.MetadataField} {
		if _, ok := final[field]; !ok {
			t.Errorf("final chunk missing %q", field)
		}
	}
	if !strings.Contains(lastData, `"finishReason":"STOP"`) {
		t.Error("final chunk missing finishReason")
	}
}
