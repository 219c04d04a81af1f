package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/pkg/safehttp"
)

// maxFetchBytes caps how much of a fetched document is returned to the model.
const maxFetchBytes = 512 * 1024

// FetchTool retrieves the content of a URL. It is always part of the tool set
// offered to the model.
type FetchTool struct {
	client *http.Client
}

// NewFetchTool creates the fetch tool. A nil client gets a default with the
// SSRF-safe transport.
func NewFetchTool(client *http.Client) *FetchTool {
	if client == nil {
		client = &http.Client{
			Transport: safehttp.SafeTransport,
			Timeout:   30 * time.Second,
		}
	}
	return &FetchTool{client: client}
}

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Description() string {
	return "Fetch the content of a URL and return it as text."
}

func (t *FetchTool) Schema() any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

type fetchInput struct {
	URL string `json:"url"`
}

// FetchResult is the tool output returned to the model.
type FetchResult struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func (t *FetchTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in fetchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid fetch input: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("fetch requires a url")
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme in %q", in.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "loom/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned status %d for %s", resp.StatusCode, in.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	truncated := false
	if len(body) > maxFetchBytes {
		body = body[:maxFetchBytes]
		truncated = true
	}

	return &FetchResult{
		URL:         in.URL,
		ContentType: resp.Header.Get("Content-Type"),
		Content:     string(body),
		Truncated:   truncated,
	}, nil
}
