package canonical

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
)

// NewCompletionID mints an OpenAI-style chat completion id.
func NewCompletionID() string {
	u := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(u[:])
}

// NewToolCallID mints an OpenAI-style tool call id.
func NewToolCallID() string {
	u := uuid.New()
	return "call_" + hex.EncodeToString(u[:])[:24]
}

// EstimateTokens approximates the token count of s as its UTF-8 byte length
// divided by 4, minimum 1 for non-empty text. Used wherever the provider did
// not report usage.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	if n := len(s) / 4; n > 1 {
		return n
	}
	return 1
}

// Collect drains a delta stream into one ChatResponse. Providers whose wire
// protocol only streams build their non-streaming answer through here. The
// returned response has no ID; the caller assigns one.
func Collect(s DeltaStream, model string) (*ChatResponse, error) {
	defer s.Close()

	type callAcc struct {
		id   string
		name string
		args strings.Builder
	}
	var (
		text      strings.Builder
		reasoning strings.Builder
		calls     []*callAcc
		byIndex   = make(map[int]*callAcc)
		usage     *Usage
		finish    string
	)

	for {
		d, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch d.Kind {
		case DeltaText:
			text.WriteString(d.Text)
		case DeltaReasoning:
			reasoning.WriteString(d.Text)
		case DeltaToolCallStart:
			c := &callAcc{id: d.ToolID, name: d.ToolName}
			byIndex[d.ToolIndex] = c
			calls = append(calls, c)
		case DeltaToolCallArgs:
			if c := byIndex[d.ToolIndex]; c != nil {
				c.args.WriteString(d.ToolArgs)
			}
		case DeltaImage:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(d.ImageDataURL)
		case DeltaUsage:
			u := *d.Usage
			usage = &u
		case DeltaFinish:
			if d.FinishReason != "" {
				finish = d.FinishReason
			}
		case DeltaError:
			return nil, d.Err
		}
	}

	resp := &ChatResponse{
		Model:     model,
		Text:      text.String(),
		Reasoning: reasoning.String(),
	}
	for _, c := range calls {
		args := c.args.String()
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: c.id, Name: c.name, Arguments: args})
	}

	if finish == "" {
		if len(resp.ToolCalls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}
	resp.FinishReason = finish

	completion := EstimateTokens(resp.Text) + EstimateTokens(resp.Reasoning)
	for _, c := range resp.ToolCalls {
		completion += EstimateTokens(c.Arguments)
	}
	resp.Usage = Usage{CompletionTokens: completion}
	if usage != nil {
		if usage.PromptTokens > 0 {
			resp.Usage.PromptTokens = usage.PromptTokens
		}
		if usage.CompletionTokens > 0 {
			resp.Usage.CompletionTokens = usage.CompletionTokens
		}
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}
