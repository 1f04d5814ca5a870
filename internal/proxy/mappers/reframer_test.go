package mappers

import (
	"strings"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

func TestReframerToolCallSequence(t *testing.T) {
	r := NewReframer("chatcmpl-x", "claude-sonnet-4-5")

	deltas := []*canonical.Delta{
		canonical.TextDelta("hi"),
		canonical.ToolCallStart(0, "call_1", "f"),
		canonical.ToolCallArgs(0, "{}"),
	}
	var chunks []*ChatCompletionChunk
	for _, d := range deltas {
		if ch := r.Frame(d); ch != nil {
			chunks = append(chunks, ch)
		}
	}
	final := r.Finish()

	var content strings.Builder
	starts, argFrames := 0, 0
	for _, ch := range chunks {
		if ch.ID != "chatcmpl-x" || ch.Object != "chat.completion.chunk" || ch.Model != "claude-sonnet-4-5" {
			t.Errorf("envelope = %+v", ch)
		}
		if ch.Choices[0].FinishReason != nil {
			t.Errorf("intermediate chunk has finish_reason %q", *ch.Choices[0].FinishReason)
		}
		delta := ch.Choices[0].Delta
		content.WriteString(delta.Content)
		for _, tc := range delta.ToolCalls {
			if tc.Index != 0 {
				t.Errorf("tool index = %d", tc.Index)
			}
			if tc.ID != "" {
				starts++
				if tc.Type != "function" || tc.Function.Name != "f" || tc.Function.Arguments != "" {
					t.Errorf("start frame = %+v", tc)
				}
			} else {
				argFrames++
				if tc.Function.Arguments != "{}" || tc.Function.Name != "" {
					t.Errorf("args frame = %+v", tc)
				}
			}
		}
	}
	if content.String() != "hi" {
		t.Errorf("concatenated content = %q", content.String())
	}
	if starts != 1 || argFrames != 1 {
		t.Errorf("start/args frames = %d/%d", starts, argFrames)
	}
	if chunks[0].Choices[0].Delta.Role != canonical.RoleAssistant {
		t.Error("first chunk missing assistant role")
	}
	for _, ch := range chunks[1:] {
		if ch.Choices[0].Delta.Role != "" {
			t.Error("role repeated on later chunk")
		}
	}

	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("final finish = %v", final.Choices[0].FinishReason)
	}
	if final.Usage == nil || final.Usage.CompletionTokens < 1 {
		t.Errorf("final usage = %+v", final.Usage)
	}
}

func TestReframerTextOnlyStopsWithEstimate(t *testing.T) {
	r := NewReframer("chatcmpl-y", "m")
	if ch := r.Frame(canonical.TextDelta("0123456789abcdef")); ch == nil {
		t.Fatal("text delta produced no chunk")
	}
	if ch := r.Frame(canonical.TextDelta("")); ch != nil {
		t.Error("empty text delta produced a chunk")
	}
	final := r.Finish()
	if *final.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", *final.Choices[0].FinishReason)
	}
	if final.Usage.CompletionTokens != 4 || final.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestReframerShortTextCountsAtLeastOne(t *testing.T) {
	r := NewReframer("chatcmpl-z", "m")
	r.Frame(canonical.TextDelta("ok"))
	if got := r.Finish().Usage.CompletionTokens; got != 1 {
		t.Errorf("completion tokens = %d, want 1", got)
	}
}

func TestReframerProviderOverridesWin(t *testing.T) {
	r := NewReframer("chatcmpl-o", "m")
	r.Frame(canonical.TextDelta("truncated output"))
	r.Frame(canonical.UsageDelta(canonical.Usage{PromptTokens: 12, CompletionTokens: 34}))
	r.Frame(canonical.FinishDelta("length"))

	final := r.Finish()
	if *final.Choices[0].FinishReason != "length" {
		t.Errorf("finish = %q", *final.Choices[0].FinishReason)
	}
	if final.Usage.PromptTokens != 12 || final.Usage.CompletionTokens != 34 || final.Usage.TotalTokens != 46 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestReframerReasoningAndImage(t *testing.T) {
	r := NewReframer("chatcmpl-r", "m")

	ch := r.Frame(canonical.ReasoningDelta("mulling"))
	if ch == nil || ch.Choices[0].Delta.ReasoningContent != "mulling" {
		t.Fatalf("reasoning chunk = %+v", ch)
	}
	if ch.Choices[0].Delta.Content != "" {
		t.Error("reasoning leaked into content")
	}

	img := r.Frame(canonical.ImageDelta("data:image/png;base64,AA"))
	if img == nil || img.Choices[0].Delta.Content != "data:image/png;base64,AA" {
		t.Fatalf("image chunk = %+v", img)
	}
}

func TestReframerEmptyStream(t *testing.T) {
	r := NewReframer("chatcmpl-e", "m")
	final := r.Finish()
	if *final.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", *final.Choices[0].FinishReason)
	}
	if final.Usage.CompletionTokens != 0 || final.Usage.TotalTokens != 0 {
		t.Errorf("usage = %+v", final.Usage)
	}
	if final.Choices[0].Delta.Role != canonical.RoleAssistant {
		t.Error("lone final chunk should still carry the role")
	}
}
