package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Searcher is the opaque web-search capability. Concrete engines live behind
// this boundary; the pipeline only invokes them by name.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchTool exposes a Searcher to the model. It is only offered when the
// conversation's assistant has search enabled.
type WebSearchTool struct {
	searcher Searcher
}

// NewWebSearchTool wraps a searcher.
func NewWebSearchTool(searcher Searcher) *WebSearchTool {
	return &WebSearchTool{searcher: searcher}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return a list of results."
}

func (t *WebSearchTool) Schema() any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []string{"query"},
	}
}

type searchInput struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid web_search input: %w", err)
	}
	if in.Query == "" {
		return nil, fmt.Errorf("web_search requires a query")
	}
	return t.searcher.Search(ctx, in.Query)
}

// StaticSearcher returns a fixed result set. It stands in for a real engine
// in development and tests.
type StaticSearcher struct {
	Results []SearchResult
}

func (s *StaticSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return s.Results, nil
}
