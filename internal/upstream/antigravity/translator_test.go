package antigravity

import (
	"context"
	"strings"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

func userMsg(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleUser, Blocks: []canonical.Block{canonical.TextBlock(text)}}
}

func systemMsg(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleSystem, Blocks: []canonical.Block{canonical.TextBlock(text)}}
}

func assistantMsg(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleAssistant, Blocks: []canonical.Block{canonical.TextBlock(text)}}
}

func toolResultMsg(callID, content string) canonical.Message {
	return canonical.Message{Role: canonical.RoleTool, ToolCallID: callID, Blocks: []canonical.Block{
		{Kind: canonical.BlockToolResult, ToolResult: &canonical.ToolResult{ToolCallID: callID, Content: content}},
	}}
}

func testCred(metadata string) *providers.Credential {
	return &providers.Credential{
		Account:     &models.Account{ID: "acc-1", Provider: "antigravity", Metadata: metadata},
		AccessToken: "token",
	}
}

func TestBuildInnerSeparatesSystemInstruction(t *testing.T) {
	inner, err := buildInner(&canonical.ChatRequest{
		Model: "gemini-3-pro-high",
		Messages: []canonical.Message{
			systemMsg("Be terse."),
			userMsg("hi"),
			assistantMsg("hello"),
			systemMsg("Answer in French."),
			userMsg("bonjour"),
		},
	})
	if err != nil {
		t.Fatalf("buildInner: %v", err)
	}

	if inner.SystemInstruction == nil || len(inner.SystemInstruction.Parts) != 2 {
		t.Fatalf("systemInstruction = %+v, want 2 parts", inner.SystemInstruction)
	}
	if inner.SystemInstruction.Parts[0].Text != "Be terse." || inner.SystemInstruction.Parts[1].Text != "Answer in French." {
		t.Errorf("system parts = %+v", inner.SystemInstruction.Parts)
	}

	if len(inner.Contents) != 3 {
		t.Fatalf("contents = %d entries, want 3", len(inner.Contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, want := range wantRoles {
		if inner.Contents[i].Role != want {
			t.Errorf("contents[%d].Role = %q, want %q", i, inner.Contents[i].Role, want)
		}
	}
}

func TestBuildInnerBatchesToolResults(t *testing.T) {
	inner, err := buildInner(&canonical.ChatRequest{
		Model: "gemini-3-pro-high",
		Messages: []canonical.Message{
			userMsg("weather in two cities"),
			{Role: canonical.RoleAssistant, Blocks: []canonical.Block{
				{Kind: canonical.BlockToolCall, ToolCall: &canonical.ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}},
				{Kind: canonical.BlockToolCall, ToolCall: &canonical.ToolCall{ID: "call_2", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
			}},
			toolResultMsg("call_1", `{"temp":21}`),
			{Role: canonical.RoleTool, ToolCallID: "call_2", Blocks: []canonical.Block{canonical.TextBlock("cold")}},
		},
	})
	if err != nil {
		t.Fatalf("buildInner: %v", err)
	}

	if len(inner.Contents) != 3 {
		t.Fatalf("contents = %d entries, want 3 (user, model, batched results)", len(inner.Contents))
	}

	model := inner.Contents[1]
	if model.Role != "model" || len(model.Parts) != 2 {
		t.Fatalf("model turn = %+v", model)
	}
	fc := model.Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" || fc.Args["city"] != "Paris" {
		t.Errorf("first functionCall = %+v", fc)
	}
	if model.Parts[0].ThoughtSignature != skipThoughtSig {
		t.Errorf("functionCall part missing thought signature bypass")
	}

	batch := inner.Contents[2]
	if batch.Role != "user" || len(batch.Parts) != 2 {
		t.Fatalf("tool results not batched into one turn: %+v", batch)
	}
	first := batch.Parts[0].FunctionResponse
	if first == nil || first.Name != "get_weather" {
		t.Fatalf("functionResponse = %+v", first)
	}
	result, ok := first.Response["result"].(map[string]any)
	if !ok || result["temp"] != float64(21) {
		t.Errorf("JSON tool result not parsed: %+v", first.Response)
	}
	second := batch.Parts[1].FunctionResponse
	if second == nil || second.Response["result"] != "cold" {
		t.Errorf("plain-text tool result = %+v", second)
	}
}

func TestBuildInnerToolDeclarations(t *testing.T) {
	inner, err := buildInner(&canonical.ChatRequest{
		Model:    "gemini-3-pro-high",
		Messages: []canonical.Message{userMsg("hi")},
		Tools: []canonical.Tool{
			{Name: "lookup", Description: "Find a record"},
		},
		ToolChoice: map[string]any{"type": "function", "function": map[string]any{"name": "lookup"}},
	})
	if err != nil {
		t.Fatalf("buildInner: %v", err)
	}

	if len(inner.Tools) != 1 || len(inner.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", inner.Tools)
	}
	decl := inner.Tools[0].FunctionDeclarations[0]
	if decl.Name != "lookup" {
		t.Errorf("decl name = %q", decl.Name)
	}
	if decl.ParametersJSONSchema["type"] != "object" {
		t.Errorf("missing schema default: %+v", decl.ParametersJSONSchema)
	}

	cfg := inner.ToolConfig
	if cfg == nil || cfg.FunctionCallingConfig.Mode != "ANY" {
		t.Fatalf("toolConfig = %+v, want pinned ANY", cfg)
	}
	if len(cfg.FunctionCallingConfig.AllowedFunctionNames) != 1 || cfg.FunctionCallingConfig.AllowedFunctionNames[0] != "lookup" {
		t.Errorf("allowed names = %v", cfg.FunctionCallingConfig.AllowedFunctionNames)
	}
}

func TestToolConfigModes(t *testing.T) {
	tests := []struct {
		name   string
		choice any
		want   string
	}{
		{name: "auto", choice: "auto", want: "VALIDATED"},
		{name: "nil", choice: nil, want: "VALIDATED"},
		{name: "none", choice: "none", want: "NONE"},
		{name: "required", choice: "required", want: "ANY"},
	}
	for _, tt := range tests {
		if got := toolConfigFor(tt.choice).FunctionCallingConfig.Mode; got != tt.want {
			t.Errorf("%s: mode = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestStableSessionID(t *testing.T) {
	contents := []wireContent{{Role: "user", Parts: []wirePart{{Text: "same question"}}}}
	a := stableSessionID(contents)
	b := stableSessionID(contents)
	if a != b {
		t.Errorf("session id not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "-") || len(a) < 2 {
		t.Errorf("session id shape = %q", a)
	}
	c := stableSessionID([]wireContent{{Role: "user", Parts: []wirePart{{Text: "different question"}}}})
	if c == a {
		t.Errorf("different first user text produced the same session id %q", c)
	}
}

func TestBuildWireRequestDefaults(t *testing.T) {
	p := New(config.AntigravityConfig{}, config.SearchConfig{})
	req := &canonical.ChatRequest{Model: "gemini-3-pro-high", Messages: []canonical.Message{userMsg("hi")}}

	wire, err := p.buildWireRequest(context.Background(), req, testCred(`{"project_id":"proj-9"}`))
	if err != nil {
		t.Fatalf("buildWireRequest: %v", err)
	}
	if wire.Project != "proj-9" {
		t.Errorf("project = %q, want account project", wire.Project)
	}
	if wire.UserAgent != "antigravity" || wire.RequestType != "agent" {
		t.Errorf("envelope = %q/%q", wire.UserAgent, wire.RequestType)
	}
	if !strings.HasPrefix(wire.RequestID, "agent-") || wire.RequestID != wire.UserPromptID {
		t.Errorf("request id = %q / prompt id = %q", wire.RequestID, wire.UserPromptID)
	}
	if wire.Request.SessionID == "" {
		t.Error("sessionId missing")
	}

	wire2, err := p.buildWireRequest(context.Background(), req, testCred(""))
	if err != nil {
		t.Fatalf("buildWireRequest no project: %v", err)
	}
	if !strings.HasPrefix(wire2.Project, "ag-proj-") {
		t.Errorf("fallback project = %q", wire2.Project)
	}
}

func TestDataURLToInline(t *testing.T) {
	inline := dataURLToInline("data:image/jpeg;base64,aGVsbG8=")
	if inline == nil || inline.MimeType != "image/jpeg" || inline.Data != "aGVsbG8=" {
		t.Fatalf("inline = %+v", inline)
	}
	if dataURLToInline("https://example.com/cat.png") != nil {
		t.Error("remote URL should not convert")
	}
	if dataURLToInline("data:image/png,raw") != nil {
		t.Error("non-base64 data URL should not convert")
	}
}
