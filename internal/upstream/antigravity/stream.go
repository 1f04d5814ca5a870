package antigravity

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

// sseEvent is one cloudcode SSE frame. Everything meaningful hides under the
// response wrapper.
type sseEvent struct {
	Response *wireResponse `json:"response"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []respPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

type respPart struct {
	Text         string            `json:"text"`
	Thought      bool              `json:"thought"`
	FunctionCall *respFunctionCall `json:"functionCall"`
	InlineData   *respInlineData   `json:"inlineData"`
}

type respFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// respInlineData accepts both mime spellings; the service has answered each.
type respInlineData struct {
	MimeType      string `json:"mimeType"`
	MimeTypeSnake string `json:"mime_type"`
	Data          string `json:"data"`
}

func (d *respInlineData) mime() string {
	if d.MimeType != "" {
		return d.MimeType
	}
	if d.MimeTypeSnake != "" {
		return d.MimeTypeSnake
	}
	return "image/png"
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

// deltaStream decodes the cloudcode SSE body into canonical deltas. Usage
// counts repeat cumulatively per frame; the last one wins and is emitted at
// end of stream.
type deltaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []*canonical.Delta
	data    []string

	toolCount      int
	usage          *canonical.Usage
	finishOverride string

	done bool
}

func newDeltaStream(body io.ReadCloser) *deltaStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &deltaStream{body: body, scanner: scanner}
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

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.pending = append(s.pending, canonical.ErrorDelta(err))
			} else {
				s.flushEvent()
				s.finish()
			}
			s.done = true
			continue
		}

		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			s.flushEvent()
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			s.data = append(s.data, strings.TrimLeft(rest, " "))
		}
	}
}

func (s *deltaStream) Close() error {
	s.done = true
	return s.body.Close()
}

func (s *deltaStream) finish() {
	if s.usage != nil {
		s.pending = append(s.pending, canonical.UsageDelta(*s.usage))
	}
	if s.finishOverride != "" {
		s.pending = append(s.pending, canonical.FinishDelta(s.finishOverride))
	}
}

func (s *deltaStream) flushEvent() {
	if len(s.data) == 0 {
		return
	}
	raw := strings.TrimSpace(strings.Join(s.data, "\n"))
	s.data = s.data[:0]
	if raw == "" || raw == "[DONE]" {
		return
	}

	var ev sseEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.Response == nil {
		return
	}
	resp := ev.Response

	if u := resp.UsageMetadata; u != nil {
		total := u.TotalTokenCount
		if total == 0 {
			total = u.PromptTokenCount + u.CandidatesTokenCount + u.ThoughtsTokenCount
		}
		s.usage = &canonical.Usage{
			PromptTokens:     u.PromptTokenCount + u.ThoughtsTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      total,
		}
	}

	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if reason := strings.ToUpper(strings.TrimSpace(cand.FinishReason)); reason != "" {
		switch reason {
		case "MAX_TOKENS":
			s.finishOverride = "length"
		case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT":
			s.finishOverride = "content_filter"
		}
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil && part.FunctionCall.Name != "":
			args := string(part.FunctionCall.Args)
			if strings.TrimSpace(args) == "" || args == "null" {
				args = "{}"
			}
			idx := s.toolCount
			s.toolCount++
			s.pending = append(s.pending,
				canonical.ToolCallStart(idx, canonical.NewToolCallID(), part.FunctionCall.Name),
				canonical.ToolCallArgs(idx, args))
		case part.InlineData != nil && part.InlineData.Data != "":
			s.pending = append(s.pending,
				canonical.ImageDelta("data:"+part.InlineData.mime()+";base64,"+part.InlineData.Data))
		case part.Text != "":
			if part.Thought {
				s.pending = append(s.pending, canonical.ReasoningDelta(part.Text))
			} else {
				s.pending = append(s.pending, canonical.TextDelta(part.Text))
			}
		}
	}
}
