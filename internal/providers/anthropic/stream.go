package anthropic

import (
	"encoding/json"

	"github.com/smartrouter/smartrouter/internal/providers"
)

// streamState folds Anthropic's typed SSE events into OpenAI chunk frames.
// Events arrive in a fixed order: message_start, then per content block
// content_block_start / content_block_delta / content_block_stop, then
// message_delta with the stop reason and output token count.
type streamState struct {
	id        string
	model     string
	inTokens  int
	toolIndex int // OpenAI tool_calls index for the currently open tool block
	blockTool map[int]int
}

func newStreamTranslator(model string) providers.Transformer {
	st := &streamState{model: model, toolIndex: -1, blockTool: make(map[int]int)}
	return st.handle
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (st *streamState) handle(event, data string, emit providers.EmitFunc) error {
	var ev anthropicEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return err
	}
	kind := ev.Type
	if kind == "" {
		kind = event
	}

	switch kind {
	case "message_start":
		st.id = ev.Message.ID
		if ev.Message.Model != "" {
			st.model = ev.Message.Model
		}
		st.inTokens = ev.Message.Usage.InputTokens
		st.emitDelta(emit, map[string]any{"role": "assistant", "content": ""}, nil)

	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		st.toolIndex++
		st.blockTool[ev.Index] = st.toolIndex
		st.emitDelta(emit, map[string]any{
			"tool_calls": []map[string]any{{
				"index": st.toolIndex,
				"id":    ev.ContentBlock.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      ev.ContentBlock.Name,
					"arguments": "",
				},
			}},
		}, nil)

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				st.emitDelta(emit, map[string]any{"content": ev.Delta.Text}, nil)
			}
		case "input_json_delta":
			idx, ok := st.blockTool[ev.Index]
			if !ok {
				return nil
			}
			st.emitDelta(emit, map[string]any{
				"tool_calls": []map[string]any{{
					"index":    idx,
					"function": map[string]any{"arguments": ev.Delta.PartialJSON},
				}},
			}, nil)
		}

	case "message_delta":
		reason := finishReason(ev.Delta.StopReason)
		st.emitFinal(emit, reason, ev.Usage.OutputTokens)

	case "error":
		return &providers.StatusError{StatusCode: 502, Body: ev.Error.Message}
	}
	return nil
}

func (st *streamState) emitDelta(emit providers.EmitFunc, delta map[string]any, finish *string) {
	chunk := map[string]any{
		"id":     st.id,
		"object": "chat.completion.chunk",
		"model":  st.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(chunk)
	emit(b)
}

// emitFinal sends the closing chunk carrying finish_reason and usage, which
// downstream consumers use for exact cost accounting.
func (st *streamState) emitFinal(emit providers.EmitFunc, reason string, outTokens int) {
	chunk := map[string]any{
		"id":     st.id,
		"object": "chat.completion.chunk",
		"model":  st.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": reason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     st.inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      st.inTokens + outTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	emit(b)
}
