package antigravity

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
)

func collectDeltas(t *testing.T, body string) []*canonical.Delta {
	t.Helper()
	s := newDeltaStream(io.NopCloser(strings.NewReader(body)))
	defer s.Close()

	var out []*canonical.Delta
	for {
		d, err := s.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, d)
	}
}

func TestDeltaStreamSequence(t *testing.T) {
	body := strings.Join([]string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Let me check.","thought":true}]}}]}}`,
		``,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"It is "},{"text":"21C."}]}}]}}`,
		``,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":18,"thoughtsTokenCount":3}}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	deltas := collectDeltas(t, body)
	wantKinds := []canonical.DeltaKind{
		canonical.DeltaReasoning,
		canonical.DeltaText,
		canonical.DeltaText,
		canonical.DeltaToolCallStart,
		canonical.DeltaToolCallArgs,
		canonical.DeltaUsage,
	}
	if len(deltas) != len(wantKinds) {
		t.Fatalf("got %d deltas, want %d: %+v", len(deltas), len(wantKinds), deltas)
	}
	for i, want := range wantKinds {
		if deltas[i].Kind != want {
			t.Fatalf("delta[%d].Kind = %v, want %v", i, deltas[i].Kind, want)
		}
	}

	if deltas[0].Text != "Let me check." {
		t.Errorf("reasoning text = %q", deltas[0].Text)
	}
	if deltas[1].Text+deltas[2].Text != "It is 21C." {
		t.Errorf("text = %q + %q", deltas[1].Text, deltas[2].Text)
	}

	start := deltas[3]
	if start.ToolName != "get_weather" || start.ToolID == "" || start.ToolIndex != 0 {
		t.Errorf("tool start = %+v", start)
	}
	if deltas[4].ToolArgs != `{"city":"Paris"}` {
		t.Errorf("tool args = %q", deltas[4].ToolArgs)
	}

	usage := deltas[5].Usage
	if usage == nil || usage.PromptTokens != 13 || usage.CompletionTokens != 5 || usage.TotalTokens != 18 {
		t.Errorf("usage = %+v, want prompt 13 (10+3 thoughts), completion 5, total 18", usage)
	}
}

func TestDeltaStreamMaxTokensFinish(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"trunca"}]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}}` + "\n\n"

	deltas := collectDeltas(t, body)
	if len(deltas) != 3 {
		t.Fatalf("got %d deltas: %+v", len(deltas), deltas)
	}
	if deltas[1].Kind != canonical.DeltaUsage {
		t.Errorf("usage must precede finish, got %v", deltas[1].Kind)
	}
	if deltas[1].Usage.TotalTokens != 6 {
		t.Errorf("total = %d, want summed 6 when totalTokenCount absent", deltas[1].Usage.TotalTokens)
	}
	last := deltas[2]
	if last.Kind != canonical.DeltaFinish || last.FinishReason != "length" {
		t.Errorf("finish = %+v, want length override", last)
	}
}

func TestDeltaStreamContentFilterFinish(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}}` + "\n\n"

	deltas := collectDeltas(t, body)
	if len(deltas) != 1 || deltas[0].Kind != canonical.DeltaFinish || deltas[0].FinishReason != "content_filter" {
		t.Fatalf("deltas = %+v, want single content_filter finish", deltas)
	}
}

func TestDeltaStreamInlineImage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "camel mime",
			body: `data: {"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/jpeg","data":"QUJD"}}]}}]}}` + "\n\n",
			want: "data:image/jpeg;base64,QUJD",
		},
		{
			name: "snake mime",
			body: `data: {"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mime_type":"image/webp","data":"QUJD"}}]}}]}}` + "\n\n",
			want: "data:image/webp;base64,QUJD",
		},
		{
			name: "default mime",
			body: `data: {"response":{"candidates":[{"content":{"parts":[{"inlineData":{"data":"QUJD"}}]}}]}}` + "\n\n",
			want: "data:image/png;base64,QUJD",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas := collectDeltas(t, tt.body)
			if len(deltas) != 1 || deltas[0].Kind != canonical.DeltaImage {
				t.Fatalf("deltas = %+v", deltas)
			}
			if deltas[0].ImageDataURL != tt.want {
				t.Errorf("image url = %q, want %q", deltas[0].ImageDataURL, tt.want)
			}
		})
	}
}

func TestDeltaStreamNullArgsBecomeEmptyObject(t *testing.T) {
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"ping","args":null}}]}}]}}` + "\n\n"

	deltas := collectDeltas(t, body)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[1].ToolArgs != "{}" {
		t.Errorf("args = %q, want {}", deltas[1].ToolArgs)
	}
}

func TestDeltaStreamIgnoresMalformedFrames(t *testing.T) {
	body := strings.Join([]string{
		`data: not json`,
		``,
		`data: {"unrelated":true}`,
		``,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`,
		``,
	}, "\n")

	deltas := collectDeltas(t, body)
	if len(deltas) != 1 || deltas[0].Text != "ok" {
		t.Fatalf("deltas = %+v, want only the valid frame", deltas)
	}
}

type failingReader struct {
	data string
	read bool
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func (f *failingReader) Close() error { return nil }

func TestDeltaStreamReadErrorSurfacesAsErrorDelta(t *testing.T) {
	cut := errors.New("connection reset")
	s := newDeltaStream(&failingReader{
		data: `data: {"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}` + "\n\n",
		err:  cut,
	})
	defer s.Close()

	first, err := s.Next()
	if err != nil || first.Kind != canonical.DeltaText || first.Text != "partial" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := s.Next()
	if err != nil || second.Kind != canonical.DeltaError {
		t.Fatalf("second = %+v, %v, want error delta", second, err)
	}
	if !errors.Is(second.Err, cut) {
		t.Errorf("error delta carries %v, want wrapped read error", second.Err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("after error delta want EOF, got %v", err)
	}
}
