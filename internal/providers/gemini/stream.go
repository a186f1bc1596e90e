package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/smartrouter/smartrouter/internal/providers"
)

// streamState folds streamGenerateContent SSE chunks into OpenAI chunk
// frames. Every upstream chunk is a full GenerateContentResponse; the last
// one carries finishReason and usage.
type streamState struct {
	model     string
	started   bool
	toolIndex int
}

func newStreamTranslator(model string) providers.Transformer {
	st := &streamState{model: model, toolIndex: -1}
	return st.handle
}

func (st *streamState) handle(_, data string, emit providers.EmitFunc) error {
	var in generateResponse
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return err
	}
	if len(in.Candidates) == 0 {
		return nil
	}
	cand := in.Candidates[0]

	if !st.started {
		st.started = true
		st.emit(emit, map[string]any{"role": "assistant", "content": ""}, nil, nil)
	}

	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			st.toolIndex++
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			st.emit(emit, map[string]any{
				"tool_calls": []map[string]any{{
					"index": st.toolIndex,
					"id":    fmt.Sprintf("call_%d", st.toolIndex),
					"type":  "function",
					"function": map[string]any{
						"name":      p.FunctionCall.Name,
						"arguments": args,
					},
				}},
			}, nil, nil)
			continue
		}
		if p.Text != "" {
			st.emit(emit, map[string]any{"content": p.Text}, nil, nil)
		}
	}

	if cand.FinishReason != "" {
		reason := finishReason(cand.FinishReason, st.toolIndex >= 0)
		usage := map[string]any{
			"prompt_tokens":     in.UsageMetadata.PromptTokenCount,
			"completion_tokens": in.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      in.UsageMetadata.PromptTokenCount + in.UsageMetadata.CandidatesTokenCount,
		}
		st.emit(emit, map[string]any{}, &reason, usage)
	}
	return nil
}

func (st *streamState) emit(emit providers.EmitFunc, delta map[string]any, finish *string, usage map[string]any) {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  st.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	b, _ := json.Marshal(chunk)
	emit(b)
}
