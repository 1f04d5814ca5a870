// Package canonical holds the provider-neutral chat representation the
// translators consume and produce. Values live only for the duration of one
// gateway request; nothing here is persisted.
package canonical

// Message roles. Inbound OpenAI roles map 1:1.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest is the canonical form of an inbound chat completion call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Stream   bool

	Tools      []Tool
	ToolChoice any // "auto" | "none" | "required" | {"type":"function","function":{"name":...}}

	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	MaxCompletionTokens *int

	// Reasoning is set when the caller asked for extended thinking
	// (reasoning_effort or a thinking block in the request).
	Reasoning       bool
	ReasoningBudget int

	User string
}

// Message is one canonical chat turn. Content is an ordered block list; a
// plain text message is a single text block.
type Message struct {
	Role   string
	Blocks []Block

	// ToolCallID is set on RoleTool messages and identifies the call this
	// message answers.
	ToolCallID string
	Name       string
}

// Text joins the message's text blocks. Reasoning blocks are excluded.
func (m Message) Text() string {
	var s string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			if s != "" && b.Text != "" {
				s += "\n"
			}
			s += b.Text
		}
	}
	return s
}

// ToolCalls returns the assistant tool-call blocks in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Kind == BlockToolCall && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// BlockKind discriminates content blocks inside a Message.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockImage
	BlockToolCall
	BlockToolResult
	BlockReasoning
)

// Block is one content unit. Exactly one payload field is meaningful for a
// given Kind.
type Block struct {
	Kind BlockKind

	Text       string // BlockText, BlockReasoning
	ImageURL   string // BlockImage: http(s) or data URL
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// TextBlock builds a plain text block.
func TextBlock(s string) Block { return Block{Kind: BlockText, Text: s} }

// ReasoningBlock builds an extended-thinking block.
func ReasoningBlock(s string) Block { return Block{Kind: BlockReasoning, Text: s} }

// ToolCall is an assistant-issued function invocation. Arguments is the raw
// JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult answers a prior ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Tool declares one callable function. Parameters is a JSON-schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the canonical non-streaming result.
type ChatResponse struct {
	ID           string
	Model        string
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}
