package antigravity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

// skipThoughtSig bypasses the service's thought-signature validator on parts
// replayed from history; real signatures never round-trip through OpenAI
// clients.
const skipThoughtSig = "skip_thought_signature_validator"

// wireRequest is the cloudcode envelope. RequestID and UserPromptID carry the
// same agent-scoped id; the service has accepted either spelling across
// releases.
type wireRequest struct {
	Model        string    `json:"model"`
	Project      string    `json:"project"`
	RequestID    string    `json:"requestId"`
	UserPromptID string    `json:"user_prompt_id"`
	UserAgent    string    `json:"userAgent"`
	RequestType  string    `json:"requestType"`
	Request      wireInner `json:"request"`
}

type wireInner struct {
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	Contents          []wireContent     `json:"contents"`
	Tools             []wireTool        `json:"tools,omitempty"`
	ToolConfig        *wireToolConfig   `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
	InlineData       *wireInlineData   `json:"inlineData,omitempty"`
}

type wireFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type wireFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// wireInlineData keeps the snake_case mime key; cloudcode rejects mimeType on
// inbound parts.
type wireInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	ParametersJSONSchema map[string]any `json:"parametersJsonSchema"`
}

type wireToolConfig struct {
	FunctionCallingConfig wireFunctionCallingConfig `json:"functionCallingConfig"`
}

type wireFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// buildWireRequest converts a canonical request into the cloudcode envelope,
// running the web-search bridge first when it applies.
func (p *Provider) buildWireRequest(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (*wireRequest, error) {
	req, err := p.bridgeWebSearch(ctx, req, cred)
	if err != nil {
		return nil, err
	}

	inner, err := buildInner(req)
	if err != nil {
		return nil, err
	}

	meta := parseMeta(cred.Account.Metadata)
	project := strings.TrimSpace(meta.ProjectID)
	if project == "" {
		project = fallbackProjectID()
	}

	id := "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &wireRequest{
		Model:        req.Model,
		Project:      project,
		RequestID:    id,
		UserPromptID: id,
		UserAgent:    "antigravity",
		RequestType:  "agent",
		Request:      *inner,
	}, nil
}

func buildInner(req *canonical.ChatRequest) (*wireInner, error) {
	inner := &wireInner{}

	// Map tool-call ids to function names so tool results can be answered by
	// name, the only key the service accepts.
	callNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, call := range m.ToolCalls() {
			callNames[call.ID] = call.Name
		}
	}

	var systemParts []wirePart
	for _, m := range req.Messages {
		switch m.Role {
		case canonical.RoleSystem:
			if t := m.Text(); strings.TrimSpace(t) != "" {
				systemParts = append(systemParts, wirePart{Text: t})
			}
		case canonical.RoleUser:
			if c := userContent(m); len(c.Parts) > 0 {
				inner.Contents = append(inner.Contents, c)
			}
		case canonical.RoleAssistant:
			if c := assistantContent(m); len(c.Parts) > 0 {
				inner.Contents = append(inner.Contents, c)
			}
		case canonical.RoleTool:
			part := toolResponsePart(m, callNames)
			// Consecutive tool results batch into one user turn.
			if n := len(inner.Contents); n > 0 && inner.Contents[n-1].Role == "user" && inner.Contents[n-1].Parts[0].FunctionResponse != nil {
				inner.Contents[n-1].Parts = append(inner.Contents[n-1].Parts, part)
			} else {
				inner.Contents = append(inner.Contents, wireContent{Role: "user", Parts: []wirePart{part}})
			}
		default:
			return nil, errs.Translation("antigravity", fmt.Sprintf("unsupported role %q", m.Role))
		}
	}
	if len(systemParts) > 0 {
		inner.SystemInstruction = &wireContent{Role: "user", Parts: systemParts}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decl := wireFunctionDecl{Name: t.Name, Description: t.Description, ParametersJSONSchema: schema}
		if len(inner.Tools) == 0 {
			inner.Tools = []wireTool{{}}
		}
		inner.Tools[0].FunctionDeclarations = append(inner.Tools[0].FunctionDeclarations, decl)
	}
	if len(inner.Tools) > 0 {
		inner.ToolConfig = toolConfigFor(req.ToolChoice)
	}

	cfg := &generationConfig{Temperature: req.Temperature, TopP: req.TopP}
	switch {
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		cfg.MaxOutputTokens = req.MaxTokens
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		cfg.MaxOutputTokens = req.MaxCompletionTokens
	}
	if req.Reasoning {
		cfg.ThinkingConfig = &thinkingConfig{IncludeThoughts: true, ThinkingBudget: req.ReasoningBudget}
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxOutputTokens != nil || cfg.ThinkingConfig != nil {
		inner.GenerationConfig = cfg
	}

	inner.SessionID = stableSessionID(inner.Contents)
	return inner, nil
}

func userContent(m canonical.Message) wireContent {
	c := wireContent{Role: "user"}
	for _, b := range m.Blocks {
		switch b.Kind {
		case canonical.BlockText:
			if b.Text != "" {
				c.Parts = append(c.Parts, wirePart{Text: b.Text})
			}
		case canonical.BlockImage:
			if inline := dataURLToInline(b.ImageURL); inline != nil {
				c.Parts = append(c.Parts, wirePart{InlineData: inline, ThoughtSignature: skipThoughtSig})
			}
		}
	}
	return c
}

func assistantContent(m canonical.Message) wireContent {
	c := wireContent{Role: "model"}
	for _, b := range m.Blocks {
		switch b.Kind {
		case canonical.BlockText:
			if b.Text != "" {
				c.Parts = append(c.Parts, wirePart{Text: b.Text})
			}
		case canonical.BlockToolCall:
			if b.ToolCall == nil {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal([]byte(b.ToolCall.Arguments), &args); err != nil || args == nil {
				args = map[string]any{}
			}
			c.Parts = append(c.Parts, wirePart{
				FunctionCall:     &wireFunctionCall{Name: b.ToolCall.Name, Args: args},
				ThoughtSignature: skipThoughtSig,
			})
		}
	}
	return c
}

func toolResponsePart(m canonical.Message, callNames map[string]string) wirePart {
	callID := m.ToolCallID
	var pieces []string
	for _, b := range m.Blocks {
		switch {
		case b.Kind == canonical.BlockToolResult && b.ToolResult != nil:
			if callID == "" {
				callID = b.ToolResult.ToolCallID
			}
			if b.ToolResult.Content != "" {
				pieces = append(pieces, b.ToolResult.Content)
			}
		case b.Kind == canonical.BlockText && b.Text != "":
			pieces = append(pieces, b.Text)
		}
	}
	content := strings.Join(pieces, "\n")

	name := callNames[callID]
	if name == "" {
		name = m.Name
	}
	if name == "" {
		name = callID
	}

	var result any = content
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		result = parsed
	}
	return wirePart{FunctionResponse: &wireFunctionResp{
		Name:     name,
		Response: map[string]any{"result": result},
	}}
}

func toolConfigFor(choice any) *wireToolConfig {
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "NONE"}}
		case "required":
			return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "ANY"}}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, _ := fn["name"].(string); name != "" {
				return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{name},
				}}
			}
		}
	}
	return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: "VALIDATED"}}
}

// stableSessionID derives the conversation id from the first user text so
// retries and follow-up turns land on the same upstream session.
func stableSessionID(contents []wireContent) string {
	for _, c := range contents {
		if c.Role != "user" || len(c.Parts) == 0 {
			continue
		}
		if text := c.Parts[0].Text; text != "" {
			sum := sha256.Sum256([]byte(text))
			n := binary.BigEndian.Uint64(sum[:8]) & 0x7FFFFFFFFFFFFFFF
			return fmt.Sprintf("-%d", n)
		}
	}
	u := uuid.New()
	n := binary.BigEndian.Uint64(u[:8]) & 0x7FFFFFFFFFFFFFFF
	return fmt.Sprintf("-%d", n)
}

func fallbackProjectID() string {
	return "ag-proj-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// dataURLToInline splits a data:{mime};base64,{payload} URL. Remote image
// URLs cannot be forwarded; the service only takes inline bytes.
func dataURLToInline(url string) *wireInlineData {
	if !strings.HasPrefix(url, "data:") {
		return nil
	}
	rest := url[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return nil
	}
	mime := rest[:sep]
	if mime == "" {
		mime = "image/png"
	}
	data := rest[sep+len(";base64,"):]
	if data == "" {
		return nil
	}
	return &wireInlineData{MimeType: mime, Data: data}
}
