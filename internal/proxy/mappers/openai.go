// Package mappers converts between the OpenAI chat-completions wire format
// and the canonical chat representation the translators consume, and
// re-frames canonical delta streams as chat.completion.chunk events.
package mappers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

// ChatRequest is the inbound /v1/chat/completions body.
type ChatRequest struct {
	Model               string         `json:"model"`
	Messages            []ChatMessage  `json:"messages"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Tools               []Tool         `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"` // string or {"type":"function",...}
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"`
	User                string         `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Tool declares a callable on the wire. Type "function" carries a schema;
// the search pseudo-tools ("web_search", "web_search_preview") have none and
// are satisfied inside the gateway.
type Tool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is an assistant-issued call, on requests (history replay) and
// responses alike.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

type ImageURLPart struct {
	URL string `json:"url"`
}

// ChatMessage is one inbound turn. Content accepts both the plain-string
// and the content-part-array forms.
type ChatMessage struct {
	Role       string
	Parts      []ContentPart
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCallID string          `json:"tool_call_id"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	m.Role = alias.Role
	m.Name = alias.Name
	m.ToolCallID = alias.ToolCallID
	m.ToolCalls = alias.ToolCalls
	m.Parts = nil

	if len(alias.Content) == 0 || string(alias.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(alias.Content, &text); err == nil {
		if text != "" {
			m.Parts = []ContentPart{{Type: "text", Text: text}}
		}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(alias.Content, &parts); err != nil {
		return fmt.Errorf("message content must be a string or a content-part array: %w", err)
	}
	m.Parts = parts
	return nil
}

// Text joins the message's text parts.
func (m ChatMessage) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToCanonical validates the wire request and converts it to the canonical
// form. Validation failures are client errors.
func ToCanonical(req *ChatRequest) (*canonical.ChatRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	out := &canonical.ChatRequest{
		Model:               req.Model,
		Stream:              req.Stream,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MaxTokens:           req.MaxTokens,
		MaxCompletionTokens: req.MaxCompletionTokens,
		ToolChoice:          req.ToolChoice,
		User:                req.User,
	}
	if effort := strings.ToLower(strings.TrimSpace(req.ReasoningEffort)); effort != "" && effort != "none" {
		out.Reasoning = true
	}

	for i, msg := range req.Messages {
		conv, err := toCanonicalMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, conv)
	}

	for i, tool := range req.Tools {
		switch tool.Type {
		case "function":
			if tool.Function == nil || tool.Function.Name == "" {
				return nil, fmt.Errorf("tools[%d]: function tools need a name", i)
			}
			out.Tools = append(out.Tools, canonical.Tool{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		case "web_search", "web_search_preview":
			out.Tools = append(out.Tools, canonical.Tool{Name: "web_search"})
		default:
			return nil, fmt.Errorf("tools[%d]: unsupported tool type %q", i, tool.Type)
		}
	}
	return out, nil
}

func toCanonicalMessage(msg ChatMessage) (canonical.Message, error) {
	out := canonical.Message{Role: msg.Role, Name: msg.Name}

	switch msg.Role {
	case canonical.RoleSystem, canonical.RoleUser, canonical.RoleAssistant, canonical.RoleTool:
	default:
		return out, fmt.Errorf("unknown role %q", msg.Role)
	}

	if msg.Role == canonical.RoleTool {
		if msg.ToolCallID == "" {
			return out, fmt.Errorf("tool messages need a tool_call_id")
		}
		out.ToolCallID = msg.ToolCallID
		out.Blocks = []canonical.Block{{
			Kind: canonical.BlockToolResult,
			ToolResult: &canonical.ToolResult{
				ToolCallID: msg.ToolCallID,
				Content:    msg.Text(),
			},
		}}
		return out, nil
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			out.Blocks = append(out.Blocks, canonical.TextBlock(p.Text))
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return out, fmt.Errorf("image_url parts need a url")
			}
			out.Blocks = append(out.Blocks, canonical.Block{Kind: canonical.BlockImage, ImageURL: p.ImageURL.URL})
		default:
			return out, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}

	for _, tc := range msg.ToolCalls {
		if msg.Role != canonical.RoleAssistant {
			return out, fmt.Errorf("tool_calls are only valid on assistant messages")
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.Blocks = append(out.Blocks, canonical.Block{
			Kind: canonical.BlockToolCall,
			ToolCall: &canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out, nil
}

// ChatResponse is the non-streaming chat.completion object.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromCanonicalResponse shapes a canonical result as the OpenAI response
// object.
func FromCanonicalResponse(resp *canonical.ChatResponse) *ChatResponse {
	msg := &ResponseMessage{
		Role:             canonical.RoleAssistant,
		Content:          resp.Text,
		ReasoningContent: resp.Reasoning,
	}
	for i, call := range resp.ToolCalls {
		idx := i
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Index:    &idx,
			ID:       call.ID,
			Type:     "function",
			Function: FunctionCall{Name: call.Name, Arguments: call.Arguments},
		})
	}
	reason := resp.FinishReason
	if reason == "" {
		reason = "stop"
		if len(resp.ToolCalls) > 0 {
			reason = "tool_calls"
		}
	}
	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: &reason}},
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// ChatCompletionChunk is one SSE frame of a streamed completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChunkToolCall `json:"tool_calls,omitempty"`
}

type ChunkToolCall struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function *FunctionCall `json:"function,omitempty"`
}
