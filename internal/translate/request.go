package translate

import "encoding/json"

// ToChatCompletionRequest converts an Anthropic Messages request into an
// OpenAI Chat Completions request per the mapping rules: system handling,
// mixed-content-block splitting, tool_use/tool_result mapping, and
// tool_choice mapping.
func ToChatCompletionRequest(req *MessagesRequest) *ChatCompletionRequest {
	out := &ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}

	if sys := systemText(req.System); sys != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: sys})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(m)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	out.ToolChoice = convertToolChoice(req.ToolChoice)
	return out
}

// systemText normalizes Anthropic's system field, which may be a bare
// string or an array of {type:"text", text} blocks, into one string.
func systemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var combined string
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				if combined != "" {
					combined += "\n"
				}
				combined += text
			}
		}
		return combined
	default:
		return ""
	}
}

// convertMessage splits one Anthropic message into zero or more OpenAI
// messages: text content collapses into a single message, tool_use
// blocks become tool_calls on that message, tool_result blocks become
// separate role:tool messages, image blocks are dropped.
func convertMessage(m AnthropicMessage) []ChatMessage {
	if text, ok := m.Content.(string); ok {
		return []ChatMessage{{Role: m.Role, Content: text}}
	}

	blocks, ok := m.Content.([]any)
	if !ok {
		return nil
	}

	var text string
	var toolCalls []ChatToolCall
	var toolResults []ChatMessage

	for _, item := range blocks {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if t, ok := block["text"].(string); ok {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			args, _ := json.Marshal(block["input"])
			toolCalls = append(toolCalls, ChatToolCall{
				ID:   id,
				Type: "function",
				Function: ChatToolCallFunc{
					Name:      name,
					Arguments: string(args),
				},
			})
		case "tool_result":
			id, _ := block["tool_use_id"].(string)
			toolResults = append(toolResults, ChatMessage{
				Role:       "tool",
				Content:    stringifyToolResult(block["content"]),
				ToolCallID: id,
			})
		case "image":
			// dropped: documented lossy behavior
		}
	}

	var out []ChatMessage
	if text != "" || len(toolCalls) > 0 {
		out = append(out, ChatMessage{Role: m.Role, Content: text, ToolCalls: toolCalls})
	}
	out = append(out, toolResults...)
	return out
}

func stringifyToolResult(content any) string {
	switch v := content.(type) {
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// convertToolChoice maps Anthropic's tool_choice shapes to OpenAI's.
func convertToolChoice(choice any) any {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto", "none":
			return v
		}
		return nil
	case map[string]any:
		switch v["type"] {
		case "auto", "none":
			return v["type"]
		case "tool":
			if name, ok := v["name"].(string); ok {
				return map[string]any{
					"type":     "function",
					"function": map[string]any{"name": name},
				}
			}
		}
		return nil
	default:
		return nil
	}
}
