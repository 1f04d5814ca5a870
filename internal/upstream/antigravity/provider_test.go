package antigravity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

func sseHandler(t *testing.T, frames ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:streamGenerateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			io.WriteString(w, "data: "+f+"\n\n")
		}
	}
}

func streamRequest() *canonical.ChatRequest {
	return &canonical.ChatRequest{
		Model:    "gemini-3-pro-high",
		Messages: []canonical.Message{userMsg("hello")},
	}
}

func TestStreamFallsBackOn429(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(sseHandler(t,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`,
	))
	defer secondary.Close()

	p := New(config.AntigravityConfig{
		EndpointURLs: []string{primary.URL + "/v1internal", secondary.URL + "/v1internal"},
	}, config.SearchConfig{})

	stream, err := p.Stream(context.Background(), streamRequest(), testCred(""))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	d, err := stream.Next()
	if err != nil || d.Kind != canonical.DeltaText || d.Text != "hi" {
		t.Fatalf("delta = %+v, %v", d, err)
	}
	if primaryHits.Load() != 1 {
		t.Errorf("primary hits = %d", primaryHits.Load())
	}
}

func TestStreamFallsBackOnDrainedCapacity(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no capacity available for model"}`, http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(sseHandler(t,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`,
	))
	defer secondary.Close()

	p := New(config.AntigravityConfig{
		EndpointURLs: []string{primary.URL + "/v1internal", secondary.URL + "/v1internal"},
	}, config.SearchConfig{})

	stream, err := p.Stream(context.Background(), streamRequest(), testCred(""))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	stream.Close()
}

func TestStreamHardErrorDoesNotFallBack(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer primary.Close()
	var secondaryHits atomic.Int32
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits.Add(1)
	}))
	defer secondary.Close()

	p := New(config.AntigravityConfig{
		EndpointURLs: []string{primary.URL + "/v1internal", secondary.URL + "/v1internal"},
	}, config.SearchConfig{})

	_, err := p.Stream(context.Background(), streamRequest(), testCred(""))
	if !errors.Is(err, errs.ErrUpstreamProtocol) {
		t.Fatalf("err = %v, want upstream protocol error", err)
	}
	if secondaryHits.Load() != 0 {
		t.Errorf("secondary hit %d times on a non-retryable failure", secondaryHits.Load())
	}
}

func TestCompleteCollectsStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Once ","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"final "},{"text":"answer"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}}`,
	))
	defer srv.Close()

	p := New(config.AntigravityConfig{
		EndpointURLs: []string{srv.URL + "/v1internal"},
	}, config.SearchConfig{})

	resp, err := p.Complete(context.Background(), streamRequest(), testCred(""))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "final answer" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Reasoning != "Once " {
		t.Errorf("reasoning = %q", resp.Reasoning)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.ID == "" {
		t.Error("completion id missing")
	}
}

func TestModelsCatalog(t *testing.T) {
	p := New(config.AntigravityConfig{}, config.SearchConfig{})
	models := p.Models()
	if len(models) == 0 {
		t.Fatal("empty catalog")
	}
	seen := make(map[string]bool)
	for _, m := range models {
		if m.Object != "model" || m.OwnedBy == "" {
			t.Errorf("model entry = %+v", m)
		}
		seen[m.ID] = true
	}
	if !seen["gemini-3-pro-high"] || !seen["gemini-2.5-flash"] {
		t.Errorf("catalog = %v", seen)
	}
}
