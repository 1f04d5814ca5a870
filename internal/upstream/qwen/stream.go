package qwen

import (
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

// deltaStream maps the portal's OpenAI chunks onto canonical deltas. The
// mapping is 1:1; usage rides the trailing include_usage chunk and is
// re-emitted at end of stream.
type deltaStream struct {
	upstream *openai.ChatCompletionStream
	pending  []*canonical.Delta

	started        map[int]bool
	lastToolIndex  int
	usage          *canonical.Usage
	finishOverride string

	done bool
}

func newDeltaStream(upstream *openai.ChatCompletionStream) *deltaStream {
	return &deltaStream{upstream: upstream, started: make(map[int]bool)}
}

func (s *deltaStream) Next() (*canonical.Delta, error) {
	for {
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			return d, nil
		}
		if s.done {
			return nil, io.EOF
		}

		chunk, err := s.upstream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish()
			} else {
				s.pending = append(s.pending, canonical.ErrorDelta(err))
			}
			s.done = true
			continue
		}
		s.consume(&chunk)
	}
}

func (s *deltaStream) Close() error {
	s.done = true
	return s.upstream.Close()
}

func (s *deltaStream) finish() {
	if s.usage != nil {
		s.pending = append(s.pending, canonical.UsageDelta(*s.usage))
	}
	if s.finishOverride != "" {
		s.pending = append(s.pending, canonical.FinishDelta(s.finishOverride))
	}
}

func (s *deltaStream) consume(chunk *openai.ChatCompletionStreamResponse) {
	if u := chunk.Usage; u != nil {
		s.usage = &canonical.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		s.pending = append(s.pending, canonical.ReasoningDelta(choice.Delta.ReasoningContent))
	}
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, canonical.TextDelta(choice.Delta.Content))
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := s.resolveToolIndex(tc)
		if !s.started[idx] {
			s.started[idx] = true
			id := tc.ID
			if id == "" {
				id = canonical.NewToolCallID()
			}
			s.pending = append(s.pending, canonical.ToolCallStart(idx, id, tc.Function.Name))
		}
		if tc.Function.Arguments != "" {
			s.pending = append(s.pending, canonical.ToolCallArgs(idx, tc.Function.Arguments))
		}
	}

	switch choice.FinishReason {
	case openai.FinishReasonLength:
		s.finishOverride = "length"
	case openai.FinishReasonContentFilter:
		s.finishOverride = "content_filter"
	}
}

// resolveToolIndex follows the chunk's index when present; fragments without
// one start a new call when they carry an id or name and otherwise continue
// the previous call.
func (s *deltaStream) resolveToolIndex(tc openai.ToolCall) int {
	if tc.Index != nil {
		s.lastToolIndex = *tc.Index
		return *tc.Index
	}
	if tc.ID != "" || tc.Function.Name != "" {
		s.lastToolIndex = len(s.started)
	}
	return s.lastToolIndex
}
