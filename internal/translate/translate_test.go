package translate

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestToChatCompletionRequest_SystemAndToolUse(t *testing.T) {
	req := &MessagesRequest{
		Model:     "local-model",
		System:    "be terse",
		MaxTokens: 128,
		Messages: []AnthropicMessage{
			{Role: "user", Content: "what's the weather?"},
			{Role: "assistant", Content: []any{
				map[string]any{"type": "text", "text": "let me check"},
				map[string]any{"type": "tool_use", "id": "call_1", "name": "get_weather", "input": map[string]any{"city": "nyc"}},
			}},
			{Role: "user", Content: []any{
				map[string]any{"type": "tool_result", "tool_use_id": "call_1", "content": "72F"},
			}},
		},
		Tools: []AnthropicTool{{Name: "get_weather", Description: "gets weather", InputSchema: map[string]any{"type": "object"}}},
	}

	out := ToChatCompletionRequest(req)

	if out.Messages[0].Role != "system" || out.Messages[0].Content != "be terse" {
		t.Fatalf("expected a leading system message, got %+v", out.Messages[0])
	}
	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "get_weather" {
		t.Fatalf("tool not mapped: %+v", out.Tools)
	}

	var sawToolCall, sawToolResult bool
	for _, m := range out.Messages {
		if len(m.ToolCalls) > 0 {
			sawToolCall = true
			if m.ToolCalls[0].Function.Name != "get_weather" {
				t.Errorf("tool call name = %q", m.ToolCalls[0].Function.Name)
			}
		}
		if m.Role == "tool" {
			sawToolResult = true
			if m.ToolCallID != "call_1" {
				t.Errorf("tool result call id = %q", m.ToolCallID)
			}
		}
	}
	if !sawToolCall || !sawToolResult {
		t.Fatalf("expected both a tool_use mapping and a tool_result mapping, messages=%+v", out.Messages)
	}
}

func TestToMessagesResponse_TextAndFinishReason(t *testing.T) {
	resp := &ChatCompletionResponse{
		Choices: []ChatChoice{{Message: ChatMessage{Content: "hi there"}, FinishReason: "stop"}},
		Usage:   ChatUsage{PromptTokens: 10, CompletionTokens: 3},
	}
	out := ToMessagesResponse(resp, "local-model")

	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != "hi there" {
		t.Fatalf("unexpected content: %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", out.StopReason)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 3 {
		t.Errorf("usage not mapped: %+v", out.Usage)
	}
	if !strings.HasPrefix(out.ID, "msg_") || len(out.ID) != len("msg_")+24 {
		t.Errorf("id = %q, want msg_<24 hex chars>", out.ID)
	}
}

func TestToMessagesResponse_ToolCallForcesToolUseStopReason(t *testing.T) {
	resp := &ChatCompletionResponse{
		Choices: []ChatChoice{{
			Message: ChatMessage{ToolCalls: []ChatToolCall{{
				ID:       "call_1",
				Function: ChatToolCallFunc{Name: "get_weather", Arguments: `{"city":"nyc"}`},
			}}},
			FinishReason: "stop",
		}},
	}
	out := ToMessagesResponse(resp, "local-model")
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use even though finish_reason was stop", out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "tool_use" || out.Content[0].Name != "get_weather" {
		t.Fatalf("unexpected content: %+v", out.Content)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(0); got != 0 {
		t.Errorf("EstimateTokens(0) = %d, want 0", got)
	}
	if got := EstimateTokens(4); got != 1 {
		t.Errorf("EstimateTokens(4) = %d, want 1", got)
	}
	if got := EstimateTokens(5); got != 2 {
		t.Errorf("EstimateTokens(5) = %d, want 2", got)
	}
}

func TestStreamConverter_EventOrderWithTextAndToolUse(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"nyc\"}"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		"data: [DONE]",
		"",
	}, "\n")

	conv := NewStreamConverter("local-model", 5)
	var buf bytes.Buffer
	if err := Convert(context.Background(), strings.NewReader(upstream), &buf, conv); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	out := buf.String()
	order := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: content_block_start",
		"event: content_block_delta",
		"event: message_delta",
		"event: message_stop",
	}
	pos := -1
	for _, marker := range order {
		idx := strings.Index(out[pos+1:], marker)
		if idx == -1 {
			t.Fatalf("expected %q to appear after position %d, full stream:\n%s", marker, pos, out)
		}
		pos += 1 + idx
	}
}

func TestStreamConverter_InterleavedToolCallsNeverOverlapBlocks(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"get_time"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"data: [DONE]",
		"",
	}, "\n")

	conv := NewStreamConverter("local-model", 1)
	var buf bytes.Buffer
	if err := Convert(context.Background(), strings.NewReader(upstream), &buf, conv); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	out := buf.String()
	order := []string{
		`{"type":"content_block_start","index":0`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	}
	pos := -1
	for _, marker := range order {
		idx := strings.Index(out[pos+1:], marker)
		if idx == -1 {
			t.Fatalf("expected %q after position %d, full stream:\n%s", marker, pos, out)
		}
		pos += 1 + idx
	}
	// The late arguments delta targeted block 0 after its stop; it must
	// have been dropped rather than emitted out of order.
	if strings.Contains(out, "input_json_delta") {
		t.Errorf("expected no delta for an already-closed block, got:\n%s", out)
	}
}

func TestStreamConverter_ClosesCleanlyWithoutFinishReason(t *testing.T) {
	upstream := `data: {"choices":[{"index":0,"delta":{"content":"hi"}}]}` + "\ndata: [DONE]\n"
	conv := NewStreamConverter("local-model", 1)
	var buf bytes.Buffer
	if err := Convert(context.Background(), strings.NewReader(upstream), &buf, conv); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "event: message_stop") {
		t.Error("expected message_stop even without an explicit finish_reason chunk")
	}
	if !strings.Contains(out, "event: content_block_stop") {
		t.Error("expected the open text block to be closed")
	}
}
