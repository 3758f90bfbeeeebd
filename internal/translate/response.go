package translate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// NewMessageID generates a fresh Anthropic-style message id, msg_<24 hex
// characters>.
func NewMessageID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "msg_" + hex.EncodeToString(buf)
}

// ToMessagesResponse converts a non-streaming OpenAI chat completion into
// an Anthropic Messages response: a content array built from the first
// choice's text and tool calls, finish_reason mapped to stop_reason, and
// usage renamed.
func ToMessagesResponse(resp *ChatCompletionResponse, model string) *MessagesResponse {
	out := &MessagesResponse{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
	}

	for _, call := range choice.Message.ToolCalls {
		var input any
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		_ = json.Unmarshal([]byte(args), &input)
		out.Content = append(out.Content, ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	out.StopReason = mapFinishReason(choice.FinishReason)
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = "tool_use"
	}
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ToAnthropicError renders an upstream error as the Anthropic error
// envelope used on /v1/messages* paths.
func ToAnthropicError(errType, message, requestID string) *AnthropicError {
	return &AnthropicError{
		Type:      "error",
		RequestID: requestID,
		Error: AnthropicErrorDetail{
			Type:    errType,
			Message: message,
		},
	}
}

// EstimateTokens implements the count_tokens estimate: ceil(totalChars/4).
func EstimateTokens(totalChars int) int {
	if totalChars <= 0 {
		return 0
	}
	return (totalChars + 3) / 4
}

// TotalChars sums the rendered character length of an Anthropic messages
// request's system and message content, used by EstimateTokens.
func TotalChars(req *MessagesRequest) int {
	total := len(systemText(req.System))
	for _, m := range req.Messages {
		switch v := m.Content.(type) {
		case string:
			total += len(v)
		case []any:
			for _, item := range v {
				block, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if t, ok := block["text"].(string); ok {
					total += len(t)
				}
			}
		}
	}
	return total
}
