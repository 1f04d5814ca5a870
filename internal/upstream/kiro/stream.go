package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

// contextWindowTokens converts the upstream's context usage percentage into
// prompt tokens.
const contextWindowTokens = 200000

// deltaStream decodes the event-stream response body into canonical deltas.
// Tool-call arguments arrive fragmented across toolUseEvent frames and are
// emitted once on the stop marker; a contextUsageEvent turns into a usage
// delta at end of stream.
type deltaStream struct {
	body    io.ReadCloser
	dec     *Decoder
	readBuf []byte
	pending []*canonical.Delta

	argBufs   map[string]*strings.Builder
	toolCount int

	usagePct float64
	sawUsage bool

	finishOverride string

	eof  bool
	done bool
}

func newDeltaStream(body io.ReadCloser) *deltaStream {
	return &deltaStream{
		body:    body,
		dec:     NewDecoder(),
		readBuf: make([]byte, 4096),
		argBufs: make(map[string]*strings.Builder),
	}
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

		frame, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, ErrTooManyFrameErrors) {
				s.fail(errs.UpstreamProtocol("kiro", err))
				continue
			}
			log.Printf("⚠️ Kiro event stream skipped a bad frame: %v", err)
			continue
		}
		if frame != nil {
			s.handleFrame(frame)
			continue
		}

		if s.eof {
			s.finish()
			continue
		}

		n, rerr := s.body.Read(s.readBuf)
		if n > 0 {
			if ferr := s.dec.Feed(s.readBuf[:n]); ferr != nil {
				s.fail(errs.UpstreamProtocol("kiro", ferr))
				continue
			}
		}
		if rerr == io.EOF {
			s.eof = true
			continue
		}
		if rerr != nil {
			s.fail(errs.UpstreamProtocol("kiro", rerr))
		}
	}
}

func (s *deltaStream) Close() error {
	s.done = true
	return s.body.Close()
}

func (s *deltaStream) fail(err error) {
	s.pending = append(s.pending, canonical.ErrorDelta(err))
	s.done = true
}

func (s *deltaStream) finish() {
	if s.sawUsage && s.usagePct > 0 {
		s.pending = append(s.pending, canonical.UsageDelta(canonical.Usage{
			PromptTokens: int(s.usagePct * contextWindowTokens / 100),
		}))
	}
	if s.finishOverride != "" {
		s.pending = append(s.pending, canonical.FinishDelta(s.finishOverride))
	}
	s.done = true
}

func (s *deltaStream) handleFrame(frame *Frame) {
	switch frame.MessageType() {
	case "event":
		s.handleEvent(frame)
	case "exception":
		if frame.ExceptionType() == "ContentLengthExceededException" {
			s.finishOverride = "length"
		}
	case "error":
		code := frame.ErrorCode()
		if code == "" {
			code = "UnknownError"
		}
		s.fail(errs.UpstreamProtocol("kiro", fmt.Errorf("%s: %s", code, frame.Payload)))
	}
}

func (s *deltaStream) handleEvent(frame *Frame) {
	switch frame.EventType() {
	case "assistantResponseEvent":
		var ev struct {
			Content string `json:"content"`
		}
		if frame.JSONPayload(&ev) != nil || ev.Content == "" {
			return
		}
		s.pending = append(s.pending, canonical.TextDelta(ev.Content))

	case "toolUseEvent":
		var ev struct {
			ToolUseID string          `json:"toolUseId"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			Stop      bool            `json:"stop"`
		}
		if frame.JSONPayload(&ev) != nil {
			return
		}
		name := strings.TrimSpace(ev.Name)
		if name == "" {
			return
		}
		id := strings.TrimSpace(ev.ToolUseID)
		if id == "" {
			id = canonical.NewToolCallID()
		}

		if piece := inputFragment(ev.Input); piece != "" {
			buf, ok := s.argBufs[id]
			if !ok {
				buf = &strings.Builder{}
				s.argBufs[id] = buf
			}
			buf.WriteString(piece)
		}
		if !ev.Stop {
			return
		}

		args := "{}"
		if buf, ok := s.argBufs[id]; ok {
			args = normalizeToolArgs(buf.String())
			delete(s.argBufs, id)
		}
		idx := s.toolCount
		s.toolCount++
		s.pending = append(s.pending,
			canonical.ToolCallStart(idx, id, name),
			canonical.ToolCallArgs(idx, args),
		)

	case "contextUsageEvent":
		var ev struct {
			ContextUsagePercentage float64 `json:"contextUsagePercentage"`
		}
		if frame.JSONPayload(&ev) != nil {
			return
		}
		s.usagePct = ev.ContextUsagePercentage
		s.sawUsage = true
	}
}

// inputFragment extracts the argument piece from a toolUseEvent input field,
// which is either a JSON string fragment or a complete object.
func inputFragment(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	return trimmed
}

// normalizeToolArgs compacts accumulated argument JSON; anything that does
// not parse to an object or array degrades to "{}" so downstream callers
// always see valid arguments.
func normalizeToolArgs(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "{}"
	}
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
	return "{}"
}
