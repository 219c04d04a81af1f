// Package echo provides a development model that streams the last user
// message back word by word. It lets the full pipeline run without an API
// key.
package echo

import (
	"context"
	"strings"

	"github.com/loomchat/loom/internal/domain"
)

type Client struct{}

func New() *Client {
	return &Client{}
}

func (c *Client) Stream(ctx context.Context, req *domain.ModelRequest) (<-chan domain.ModelChunk, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			last = m.Content
		}
	}

	out := make(chan domain.ModelChunk)
	go func() {
		defer close(out)
		for _, word := range strings.Fields(last) {
			select {
			case out <- domain.ModelChunk{TextDelta: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.ModelChunk{FinishReason: domain.FinishStop}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
