package antigravity

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

// webSearchTool is the pseudo-tool clients declare to ask for live search.
// The service has no function-calling route for it; the bridge runs the
// query itself and resubmits.
const webSearchTool = "web_search"

type webSearchRequest struct {
	Query   string `json:"query"`
	Project string `json:"project"`
}

type webSearchResponse struct {
	Results []webResult `json:"results"`
}

type webResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// bridgeWebSearch applies the web_search pseudo-tool rules: mixed with other
// tools it is stripped (a tool_choice pinned to it degrades to auto); as the
// only tool it triggers a webSearch RPC whose top results are folded into a
// final user turn, tools disabled. Requests without it pass through.
func (p *Provider) bridgeWebSearch(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (*canonical.ChatRequest, error) {
	var others []canonical.Tool
	found := false
	for _, t := range req.Tools {
		if strings.EqualFold(t.Name, webSearchTool) {
			found = true
			continue
		}
		others = append(others, t)
	}
	if !found {
		return req, nil
	}

	out := *req
	if len(others) > 0 {
		out.Tools = others
		if pinsWebSearch(req.ToolChoice) {
			out.ToolChoice = "auto"
		}
		return &out, nil
	}

	// web_search was the only tool: run the query upstream.
	query := lastUserText(req.Messages)
	out.Tools = nil
	out.ToolChoice = nil
	if query == "" {
		return &out, nil
	}

	meta := parseMeta(cred.Account.Metadata)
	project := strings.TrimSpace(meta.ProjectID)
	if project == "" {
		project = fallbackProjectID()
	}

	var resp webSearchResponse
	err := p.postRPC(ctx, cred.AccessToken, "webSearch", webSearchRequest{Query: query, Project: project}, &resp)
	if err != nil {
		log.Printf("⚠️ Antigravity web search failed, answering without results: %v", err)
		return &out, nil
	}
	results := resp.Results
	if len(results) > p.searchTopN {
		results = results[:p.searchTopN]
	}
	if len(results) == 0 {
		return &out, nil
	}

	msgs := make([]canonical.Message, len(req.Messages), len(req.Messages)+1)
	copy(msgs, req.Messages)
	out.Messages = append(msgs, canonical.Message{
		Role:   canonical.RoleUser,
		Blocks: []canonical.Block{canonical.TextBlock(renderSearchTurn(query, results))},
	})
	return &out, nil
}

func pinsWebSearch(choice any) bool {
	m, ok := choice.(map[string]any)
	if !ok {
		return false
	}
	fn, ok := m["function"].(map[string]any)
	if !ok {
		return false
	}
	name, _ := fn["name"].(string)
	return strings.EqualFold(name, webSearchTool)
}

func lastUserText(msgs []canonical.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == canonical.RoleUser {
			if t := strings.TrimSpace(msgs[i].Text()); t != "" {
				return t
			}
		}
	}
	return ""
}

func renderSearchTurn(query string, results []webResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, strings.TrimSpace(r.Title))
		if u := strings.TrimSpace(r.URL); u != "" {
			fmt.Fprintf(&b, "   %s\n", u)
		}
		if s := strings.TrimSpace(r.Snippet); s != "" {
			fmt.Fprintf(&b, "   %s\n", s)
		}
	}
	b.WriteString("\nAnswer the question above using these results, citing source URLs where they matter.")
	return b.String()
}
