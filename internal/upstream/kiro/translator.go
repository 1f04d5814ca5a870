package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

const (
	systemAck   = "I will follow these instructions."
	bufferAck   = "OK"
	continueMsg = "Continue"

	originAIEditor = "AI_EDITOR"
	agentTaskType  = "vibe"
	// The AUTO trigger fails upstream validation; MANUAL is the only value
	// the service accepts from third-party clients.
	triggerManual = "MANUAL"

	maxToolDescription = 10000

	defaultThinkingBudget = 20000
	maxThinkingBudget     = 24576
)

// modelMap pins the externally advertised ids to upstream model ids. Fuzzy
// fallbacks in mapModel cover alias spellings.
var modelMap = map[string]string{
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-opus-4-6":            "claude-opus-4-6",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
}

func mapModel(model string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	if mapped, ok := modelMap[m]; ok {
		return mapped, nil
	}
	switch {
	case strings.Contains(m, "sonnet"):
		return "claude-sonnet-4.5", nil
	case strings.Contains(m, "opus"):
		if strings.Contains(m, "4-5") || strings.Contains(m, "4.5") {
			return "claude-opus-4.5", nil
		}
		return "claude-opus-4-6", nil
	case strings.Contains(m, "haiku"):
		return "claude-haiku-4.5", nil
	}
	return "", errs.Translation("kiro", fmt.Sprintf("unsupported model %q", model))
}

// Wire structs for POST /generateAssistantResponse.

type generateRequest struct {
	ConversationState *conversationState `json:"conversationState"`
	ProfileARN        string             `json:"profileArn,omitempty"`
}

type conversationState struct {
	AgentContinuationID string         `json:"agentContinuationId"`
	AgentTaskType       string         `json:"agentTaskType"`
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	CurrentMessage      historyEntry   `json:"currentMessage"`
	History             []historyEntry `json:"history"`
}

// historyEntry carries exactly one of the two message variants.
type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string                  `json:"content"`
	ModelID string                  `json:"modelId"`
	Origin  string                  `json:"origin"`
	Images  []wireImage             `json:"images,omitempty"`
	Context userInputMessageContext `json:"userInputMessageContext"`
}

type userInputMessageContext struct {
	Tools       []toolEntry      `json:"tools,omitempty"`
	ToolResults []wireToolResult `json:"toolResults,omitempty"`
}

type toolEntry struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON map[string]any `json:"json"`
}

type wireToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type wireImage struct {
	Format string          `json:"format"`
	Source wireImageSource `json:"source"`
}

type wireImageSource struct {
	Bytes string `json:"bytes"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// buildConversationState folds the canonical message list into the strictly
// alternating history the upstream validates:
//
//   - system messages collapse into one opening turn acknowledged with a
//     fixed assistant reply;
//   - runs of user and tool messages merge into a single userInputMessage
//     whose tool results form one batch;
//   - assistant turns with no preceding user content are dropped, since the
//     upstream rejects back-to-back assistant entries;
//   - the last message becomes currentMessage ("Continue" placeholder when
//     the conversation ends on an assistant turn).
func buildConversationState(req *canonical.ChatRequest, modelID string) (*conversationState, error) {
	if len(req.Messages) == 0 {
		return nil, errs.Translation("kiro", "messages cannot be empty")
	}

	var systemParts []string
	var rest []canonical.Message
	for _, m := range req.Messages {
		if m.Role == canonical.RoleSystem {
			if t := m.Text(); t != "" {
				systemParts = append(systemParts, t)
			}
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) == 0 {
		return nil, errs.Translation("kiro", "at least one non-system message is required")
	}

	var history []historyEntry
	if len(systemParts) > 0 {
		history = append(history,
			historyEntry{UserInputMessage: &userInputMessage{
				Content: strings.Join(systemParts, "\n"),
				ModelID: modelID,
				Origin:  originAIEditor,
			}},
			historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: systemAck}},
		)
	}

	var bufTexts []string
	var bufResults []wireToolResult
	var bufImages []wireImage
	bufEmpty := func() bool {
		return len(bufTexts) == 0 && len(bufResults) == 0 && len(bufImages) == 0
	}
	flush := func() {
		history = append(history, historyEntry{UserInputMessage: &userInputMessage{
			Content: strings.Join(bufTexts, "\n"),
			ModelID: modelID,
			Origin:  originAIEditor,
			Images:  bufImages,
			Context: userInputMessageContext{ToolResults: bufResults},
		}})
		bufTexts, bufResults, bufImages = nil, nil, nil
	}
	absorb := func(m canonical.Message) {
		if t := flattenText(m); t != "" {
			bufTexts = append(bufTexts, t)
		}
		bufResults = append(bufResults, collectToolResults(m)...)
		bufImages = append(bufImages, collectImages(m)...)
	}

	for _, m := range rest[:len(rest)-1] {
		if m.Role == canonical.RoleAssistant {
			if bufEmpty() {
				continue
			}
			flush()
			history = append(history, assistantEntry(m))
			continue
		}
		absorb(m)
	}
	if !bufEmpty() {
		flush()
		history = append(history, historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: bufferAck}})
	}

	last := rest[len(rest)-1]
	var currentText string
	var currentResults []wireToolResult
	var currentImages []wireImage
	switch last.Role {
	case canonical.RoleAssistant:
		history = append(history, assistantEntry(last))
		currentText = continueMsg
	default:
		currentText = flattenText(last)
		currentResults = collectToolResults(last)
		currentImages = collectImages(last)
	}
	if currentText == "" && len(currentResults) == 0 {
		currentText = bufferAck
	}
	if req.Reasoning && !strings.Contains(currentText, "<thinking_mode>") {
		currentText = prependThinkingHint(currentText, req.ReasoningBudget)
	}

	return &conversationState{
		AgentContinuationID: uuid.NewString(),
		AgentTaskType:       agentTaskType,
		ChatTriggerType:     triggerManual,
		ConversationID:      conversationID(req.User),
		CurrentMessage: historyEntry{UserInputMessage: &userInputMessage{
			Content: currentText,
			ModelID: modelID,
			Origin:  originAIEditor,
			Images:  currentImages,
			Context: userInputMessageContext{
				Tools:       convertTools(req.Tools),
				ToolResults: currentResults,
			},
		}},
		History: history,
	}, nil
}

// conversationID is stable for a given caller so the upstream can correlate
// turns; anonymous requests get a fresh id.
func conversationID(user string) string {
	if user == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("kiro:"+user)).String()
}

func assistantEntry(m canonical.Message) historyEntry {
	calls := m.ToolCalls()
	uses := make([]toolUse, 0, len(calls))
	for _, c := range calls {
		uses = append(uses, toolUse{ToolUseID: c.ID, Name: c.Name, Input: parseToolArgs(c.Arguments)})
	}
	content := flattenText(m)
	if content == "" && len(uses) > 0 {
		content = " "
	}
	return historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: content, ToolUses: uses}}
}

// flattenText joins text and reasoning blocks; the upstream has no separate
// thinking channel on input.
func flattenText(m canonical.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		if (b.Kind == canonical.BlockText || b.Kind == canonical.BlockReasoning) && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func collectToolResults(m canonical.Message) []wireToolResult {
	var out []wireToolResult
	for _, b := range m.Blocks {
		if b.Kind == canonical.BlockToolResult && b.ToolResult != nil {
			out = append(out, wireToolResult{
				ToolUseID: b.ToolResult.ToolCallID,
				Content:   []toolResultContent{{Text: b.ToolResult.Content}},
				Status:    "success",
			})
		}
	}
	return out
}

var imageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

func collectImages(m canonical.Message) []wireImage {
	var out []wireImage
	for _, b := range m.Blocks {
		if b.Kind != canonical.BlockImage {
			continue
		}
		if img, ok := dataURLImage(b.ImageURL); ok {
			out = append(out, img)
		}
	}
	return out
}

// dataURLImage splits a data:image/...;base64,... URL into the wire shape.
// Remote http(s) references are dropped: the upstream accepts inline bytes
// only and the gateway does not fetch on the caller's behalf.
func dataURLImage(url string) (wireImage, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return wireImage{}, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return wireImage{}, false
	}
	mime, _, _ := strings.Cut(meta, ";")
	format, ok := imageFormats[strings.ToLower(strings.TrimSpace(mime))]
	if !ok || !strings.Contains(meta, "base64") || data == "" {
		return wireImage{}, false
	}
	return wireImage{Format: format, Source: wireImageSource{Bytes: data}}, true
}

func parseToolArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// convertTools maps canonical tool declarations onto toolSpecification
// entries. The upstream rejects empty descriptions and unbounded schemas, so
// a description is always present (capped at maxToolDescription) and the
// schema gets type/properties defaults.
func convertTools(tools []canonical.Tool) []toolEntry {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolEntry, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = "Tool: " + name
		}
		if len(desc) > maxToolDescription {
			desc = desc[:maxToolDescription]
		}

		schema := make(map[string]any, len(t.Parameters)+2)
		for k, v := range t.Parameters {
			schema[k] = v
		}
		if schema["type"] == nil {
			schema["type"] = "object"
		}
		if _, ok := schema["properties"].(map[string]any); !ok {
			schema["properties"] = map[string]any{}
		}

		out = append(out, toolEntry{ToolSpecification: toolSpecification{
			Name:        name,
			Description: desc,
			InputSchema: inputSchema{JSON: schema},
		}})
	}
	return out
}

func prependThinkingHint(text string, budget int) string {
	if budget <= 0 {
		budget = defaultThinkingBudget
	}
	if budget > maxThinkingBudget {
		budget = maxThinkingBudget
	}
	hint := fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
	if text == "" {
		return hint
	}
	return hint + "\n\n" + text
}
