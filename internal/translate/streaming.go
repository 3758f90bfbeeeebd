package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamConverter is a per-request state machine converting an OpenAI
// chat-completion SSE stream into the Anthropic SSE event sequence
// described in the router's streaming contract: message_start, then
// interleaved content_block_start/_delta/_stop per block, then
// message_delta and message_stop.
type StreamConverter struct {
	model       string
	messageID   string
	started     bool
	textOpen    bool
	textIndex   int
	nextIndex   int
	toolBlocks  map[int]*toolBlockState
	toolOrder   []int
	openTool    *toolBlockState
	inputTokens int
	lastFinish  string
}

type toolBlockState struct {
	index   int
	started bool
	closed  bool
	id      string
	name    string
}

// NewStreamConverter creates a converter for one request. inputTokens is
// the estimated prompt token count, reported in message_start's usage.
func NewStreamConverter(model string, inputTokens int) *StreamConverter {
	return &StreamConverter{
		model:       model,
		messageID:   NewMessageID(),
		inputTokens: inputTokens,
		toolBlocks:  make(map[int]*toolBlockState),
	}
}

// Convert reads OpenAI SSE "data: {...}" lines from upstream and writes
// the translated Anthropic SSE events to w, flushing after each event if
// w implements http.Flusher-like Flush(). It stops at ctx cancellation,
// upstream EOF, or a chunk carrying finish_reason.
func Convert(ctx context.Context, upstream io.Reader, w io.Writer, conv *StreamConverter) error {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return conv.finish(w, err)
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk ChatCompletionResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if err := conv.handleChunk(w, &chunk); err != nil {
			return err
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
			return conv.finish(w, nil)
		}
	}

	return conv.finish(w, scanner.Err())
}

func (c *StreamConverter) handleChunk(w io.Writer, chunk *ChatCompletionResponse) error {
	if !c.started {
		c.started = true
		if err := c.emit(w, "message_start", messageStartEvent{
			Type: "message_start",
			Message: MessagesResponse{
				ID:      c.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   c.model,
				Content: []ContentBlock{},
				Usage:   AnthropicUsage{InputTokens: c.inputTokens},
			},
		}); err != nil {
			return err
		}
	}

	if len(chunk.Choices) == 0 {
		return nil
	}
	delta := chunk.Choices[0].Delta
	if chunk.Choices[0].FinishReason != "" {
		c.lastFinish = chunk.Choices[0].FinishReason
	}

	if delta.Content != "" {
		if !c.textOpen {
			if c.openTool != nil && !c.openTool.closed {
				if err := c.emit(w, "content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: c.openTool.index}); err != nil {
					return err
				}
				c.openTool.closed = true
				c.openTool = nil
			}
			c.textOpen = true
			c.textIndex = c.nextIndex
			c.nextIndex++
			if err := c.emit(w, "content_block_start", contentBlockStartEvent{
				Type: "content_block_start", Index: c.textIndex,
				ContentBlock: ContentBlock{Type: "text", Text: ""},
			}); err != nil {
				return err
			}
		}
		if err := c.emit(w, "content_block_delta", contentBlockDeltaEvent{
			Type: "content_block_delta", Index: c.textIndex,
			Delta: deltaBlock{Type: "text_delta", Text: delta.Content},
		}); err != nil {
			return err
		}
	}

	for _, tc := range delta.ToolCalls {
		if err := c.handleToolDelta(w, tc); err != nil {
			return err
		}
	}

	return nil
}

func (c *StreamConverter) handleToolDelta(w io.Writer, tc ChatToolCall) error {
	state, ok := c.toolBlocks[tc.Index]
	if !ok {
		state = &toolBlockState{}
		c.toolBlocks[tc.Index] = state
		c.toolOrder = append(c.toolOrder, tc.Index)
	}
	if tc.ID != "" {
		state.id = tc.ID
	}
	if tc.Function.Name != "" {
		state.name = tc.Function.Name
	}

	if !state.started && state.id != "" && state.name != "" {
		if c.textOpen {
			if err := c.emit(w, "content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: c.textIndex}); err != nil {
				return err
			}
			c.textOpen = false
		}
		// Close any still-open tool block first: a block's deltas must
		// never interleave with another block's start/stop.
		if c.openTool != nil && !c.openTool.closed {
			if err := c.emit(w, "content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: c.openTool.index}); err != nil {
				return err
			}
			c.openTool.closed = true
		}
		state.started = true
		state.index = c.nextIndex
		c.nextIndex++
		c.openTool = state
		if err := c.emit(w, "content_block_start", contentBlockStartEvent{
			Type: "content_block_start", Index: state.index,
			ContentBlock: ContentBlock{Type: "tool_use", ID: state.id, Name: state.name, Input: map[string]any{}},
		}); err != nil {
			return err
		}
	}

	if tc.Function.Arguments != "" && state.started && !state.closed {
		if err := c.emit(w, "content_block_delta", contentBlockDeltaEvent{
			Type: "content_block_delta", Index: state.index,
			Delta: deltaBlock{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
		}); err != nil {
			return err
		}
	}
	return nil
}

// finish closes any open blocks and emits message_delta/message_stop.
// Called both on a normal finish_reason chunk and when the upstream
// stream ends or the context is cancelled without one.
func (c *StreamConverter) finish(w io.Writer, causeErr error) error {
	if !c.started {
		return causeErr
	}

	if c.textOpen {
		_ = c.emit(w, "content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: c.textIndex})
		c.textOpen = false
	}
	for _, idx := range c.toolOrder {
		if state := c.toolBlocks[idx]; state.started && !state.closed {
			_ = c.emit(w, "content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: state.index})
			state.closed = true
		}
	}

	stopReason := mapFinishReason(c.lastFinish)
	if len(c.toolOrder) > 0 {
		stopReason = "tool_use"
	}
	_ = c.emit(w, "message_delta", messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDeltaInner{StopReason: stopReason},
		Usage: AnthropicUsage{InputTokens: c.inputTokens},
	})
	_ = c.emit(w, "message_stop", messageStopEvent{Type: "message_stop"})

	return causeErr
}

func (c *StreamConverter) emit(w io.Writer, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, body)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}
