package mappers

import (
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

// Reframer turns one canonical delta stream into chat.completion.chunk
// frames. It carries the completion id and model onto every chunk, tags the
// first frame with the assistant role, and accumulates what the final chunk
// needs: whether a tool call occurred, provider finish/usage overrides, and
// the visible byte count for the token estimate.
type Reframer struct {
	id      string
	model   string
	created int64

	sentRole    bool
	sawToolCall bool
	finish      string
	usage       *canonical.Usage
	visible     int
}

func NewReframer(id, model string) *Reframer {
	return &Reframer{id: id, model: model, created: time.Now().Unix()}
}

// Frame converts one delta into at most one chunk. Usage and finish deltas
// return nil; their payload surfaces on the final chunk.
func (r *Reframer) Frame(d *canonical.Delta) *ChatCompletionChunk {
	switch d.Kind {
	case canonical.DeltaText:
		if d.Text == "" {
			return nil
		}
		r.visible += len(d.Text)
		return r.chunk(ChunkDelta{Content: d.Text})

	case canonical.DeltaReasoning:
		if d.Text == "" {
			return nil
		}
		r.visible += len(d.Text)
		return r.chunk(ChunkDelta{ReasoningContent: d.Text})

	case canonical.DeltaToolCallStart:
		r.sawToolCall = true
		return r.chunk(ChunkDelta{ToolCalls: []ChunkToolCall{{
			Index:    d.ToolIndex,
			ID:       d.ToolID,
			Type:     "function",
			Function: &FunctionCall{Name: d.ToolName, Arguments: ""},
		}}})

	case canonical.DeltaToolCallArgs:
		if d.ToolArgs == "" {
			return nil
		}
		r.visible += len(d.ToolArgs)
		return r.chunk(ChunkDelta{ToolCalls: []ChunkToolCall{{
			Index:    d.ToolIndex,
			Function: &FunctionCall{Arguments: d.ToolArgs},
		}}})

	case canonical.DeltaImage:
		if d.ImageDataURL == "" {
			return nil
		}
		return r.chunk(ChunkDelta{Content: d.ImageDataURL})

	case canonical.DeltaUsage:
		u := *d.Usage
		r.usage = &u

	case canonical.DeltaFinish:
		if d.FinishReason != "" {
			r.finish = d.FinishReason
		}
	}
	return nil
}

// Finish builds the terminal chunk: finish_reason is the provider override
// when one arrived, otherwise tool_calls if any call started, otherwise
// stop. Completion tokens fall back to the visible-byte estimate when the
// provider did not report usage.
func (r *Reframer) Finish() *ChatCompletionChunk {
	reason := r.finish
	if reason == "" {
		reason = "stop"
		if r.sawToolCall {
			reason = "tool_calls"
		}
	}

	usage := &Usage{}
	if r.usage != nil {
		usage.PromptTokens = r.usage.PromptTokens
		usage.CompletionTokens = r.usage.CompletionTokens
	}
	if usage.CompletionTokens == 0 && r.visible > 0 {
		usage.CompletionTokens = r.visible / 4
		if usage.CompletionTokens < 1 {
			usage.CompletionTokens = 1
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	ch := r.chunk(ChunkDelta{})
	ch.Choices[0].FinishReason = &reason
	ch.Usage = usage
	return ch
}

func (r *Reframer) chunk(delta ChunkDelta) *ChatCompletionChunk {
	if !r.sentRole {
		delta.Role = canonical.RoleAssistant
		r.sentRole = true
	}
	return &ChatCompletionChunk{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}
