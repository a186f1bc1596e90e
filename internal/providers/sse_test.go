package providers

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestTransformSSE(t *testing.T) {
	upstream := strings.Join([]string{
		"event: content_block_delta",
		`data: {"text":"Hel"}`,
		"",
		"event: content_block_delta",
		`data: {"text":"lo"}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	var events []string
	body := TransformSSE(io.NopCloser(strings.NewReader(upstream)),
		func(event, data string, emit EmitFunc) error {
			events = append(events, event)
			emit([]byte(`{"chunk":` + data + `}`))
			return nil
		})
	out, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	got := string(out)
	if !strings.Contains(got, `data: {"chunk":{"text":"Hel"}}`) ||
		!strings.Contains(got, `data: {"chunk":{"text":"lo"}}`) {
		t.Errorf("output = %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("output not [DONE]-terminated: %q", got)
	}
	for _, ev := range events {
		if ev != "content_block_delta" {
			t.Errorf("event = %q", ev)
		}
	}
}

func TestTransformSSEPropagatesTransformError(t *testing.T) {
	upstream := "data: {\"bad\":true}\n\n"
	wantErr := errors.New("unsupported event")

	body := TransformSSE(io.NopCloser(strings.NewReader(upstream)),
		func(_, _ string, _ EmitFunc) error { return wantErr })
	_, err := io.ReadAll(body)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want transform error", err)
	}
}

func TestTransformSSESkipsEmptyAndDone(t *testing.T) {
	upstream := "data: \n\ndata: [DONE]\n\n"

	calls := 0
	body := TransformSSE(io.NopCloser(strings.NewReader(upstream)),
		func(_, _ string, _ EmitFunc) error { calls++; return nil })
	out, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if calls != 0 {
		t.Errorf("transformer called %d times for sentinel-only input", calls)
	}
	if string(out) != "data: [DONE]\n\n" {
		t.Errorf("output = %q", out)
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{StatusCode: 429, Body: "rate limited"}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("Error() = %q", err.Error())
	}
}
