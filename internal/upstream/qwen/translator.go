package qwen

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

// inertToolName pads toolless requests. The portal misbehaves on an absent
// tools array for this client family; declaring one uncallable function and
// pinning tool_choice to none keeps the request well-formed without changing
// the model's behavior.
const inertToolName = "do_not_call_this_tool"

var inertTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        inertToolName,
		Description: "Placeholder declaration. Never call this function.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

// buildRequest converts a canonical request into the portal's OpenAI dialect.
// Patches: max_completion_tokens folds into max_tokens, reasoning knobs are
// dropped, and toolless calls get the inert placeholder tool.
func buildRequest(req *canonical.ChatRequest) (openai.ChatCompletionRequest, error) {
	wire := openai.ChatCompletionRequest{
		Model: req.Model,
		User:  req.User,
	}

	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return wire, err
	}
	wire.Messages = msgs

	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wire.Tools = append(wire.Tools, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if len(wire.Tools) > 0 {
		wire.ToolChoice = req.ToolChoice
	} else {
		wire.Tools = []openai.Tool{inertTool}
		wire.ToolChoice = "none"
	}

	if req.Temperature != nil {
		wire.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		wire.TopP = float32(*req.TopP)
	}
	switch {
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		wire.MaxTokens = *req.MaxTokens
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		wire.MaxTokens = *req.MaxCompletionTokens
	}

	return wire, nil
}

func convertMessages(msgs []canonical.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case canonical.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Text(),
				Name:    m.Name,
			})
		case canonical.RoleUser:
			out = append(out, userMessage(m))
		case canonical.RoleAssistant:
			out = append(out, assistantMessage(m))
		case canonical.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    toolResultText(m),
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, errs.Translation("qwen", fmt.Sprintf("unsupported role %q", m.Role))
		}
	}
	return out, nil
}

func userMessage(m canonical.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Name: m.Name}

	var parts []openai.ChatMessagePart
	hasImage := false
	for _, b := range m.Blocks {
		switch b.Kind {
		case canonical.BlockText:
			if b.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
			}
		case canonical.BlockImage:
			if b.ImageURL != "" {
				hasImage = true
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: b.ImageURL},
				})
			}
		}
	}
	if hasImage {
		msg.MultiContent = parts
		return msg
	}
	msg.Content = m.Text()
	return msg
}

func assistantMessage(m canonical.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: m.Text(),
		Name:    m.Name,
	}
	for _, call := range m.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:       call.ID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: call.Name, Arguments: call.Arguments},
		})
	}
	return msg
}

func toolResultText(m canonical.Message) string {
	var pieces []string
	for _, b := range m.Blocks {
		switch {
		case b.Kind == canonical.BlockToolResult && b.ToolResult != nil:
			if b.ToolResult.Content != "" {
				pieces = append(pieces, b.ToolResult.Content)
			}
		case b.Kind == canonical.BlockText && b.Text != "":
			pieces = append(pieces, b.Text)
		}
	}
	return strings.Join(pieces, "\n")
}

func convertResponse(resp *openai.ChatCompletionResponse) (*canonical.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errs.UpstreamProtocol("qwen", fmt.Errorf("response carried no choices"))
	}
	choice := resp.Choices[0]

	out := &canonical.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		FinishReason: string(choice.FinishReason),
		Usage: canonical.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if out.ID == "" {
		out.ID = canonical.NewCompletionID()
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if out.FinishReason == "" {
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		} else {
			out.FinishReason = "stop"
		}
	}
	return out, nil
}
