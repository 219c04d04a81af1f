// Package openai implements the model client against an OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loomchat/loom/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client streams chat completions from an OpenAI-compatible API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wire types for the chat completions endpoint. Only the fields the pipeline
// consumes are mapped.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	ToolCalls        []chunkToolCall `json:"tool_calls"`
}

type chunkToolCall struct {
	Index    int               `json:"index"`
	ID       string            `json:"id"`
	Function chunkToolFunction `json:"function"`
}

type chunkToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chunkUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream opens a streaming chat completion and adapts the wire chunks into
// model chunks. Transport failures after the stream opens arrive as a final
// chunk with Err set.
func (c *Client) Stream(ctx context.Context, req *domain.ModelRequest) (<-chan domain.ModelChunk, error) {
	wireReq := chatRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, chatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", "loom/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error: %s", apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan domain.ModelChunk)
	go c.streamReader(resp.Body, out)
	return out, nil
}

// openCall tracks a tool call the model is constructing across SSE chunks.
type openCall struct {
	id   string
	name string
}

func (c *Client) streamReader(body io.ReadCloser, out chan<- domain.ModelChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	// Tool calls stream as argument fragments keyed by index; each index's
	// identity arrives once on the first fragment.
	calls := make(map[int]*openCall)
	var callOrder []int
	inReasoning := false

	endReasoning := func() {
		if inReasoning {
			out <- domain.ModelChunk{ReasoningDone: true}
			inReasoning = false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- domain.ModelChunk{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)}
			return
		}

		if chunk.Usage != nil {
			out <- domain.ModelChunk{Usage: &domain.Usage{
				InputTokens:       chunk.Usage.PromptTokens,
				OutputTokens:      chunk.Usage.CompletionTokens,
				TotalTokens:       chunk.Usage.TotalTokens,
				ReasoningTokens:   chunk.Usage.CompletionTokensDetails.ReasoningTokens,
				CachedInputTokens: chunk.Usage.PromptTokensDetails.CachedTokens,
			}}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			inReasoning = true
			out <- domain.ModelChunk{ReasoningDelta: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			endReasoning()
			out <- domain.ModelChunk{TextDelta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			endReasoning()
			call, seen := calls[tc.Index]
			if !seen {
				call = &openCall{id: tc.ID, name: tc.Function.Name}
				if call.id == "" {
					call.id = fmt.Sprintf("call_%d", tc.Index)
				}
				calls[tc.Index] = call
				callOrder = append(callOrder, tc.Index)
			}
			out <- domain.ModelChunk{ToolCall: &domain.ToolCallChunk{
				ID:        call.id,
				Name:      call.name,
				Arguments: tc.Function.Arguments,
			}}
		}

		if choice.FinishReason != nil {
			endReasoning()
			reason := domain.FinishStop
			if *choice.FinishReason == "tool_calls" {
				reason = domain.FinishToolCalls
				for _, idx := range callOrder {
					out <- domain.ModelChunk{ToolCall: &domain.ToolCallChunk{
						ID:   calls[idx].id,
						Name: calls[idx].name,
						Done: true,
					}}
				}
			}
			out <- domain.ModelChunk{FinishReason: reason}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- domain.ModelChunk{Err: fmt.Errorf("stream read error: %w", err)}
	}
}
