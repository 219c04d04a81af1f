// Package tokens estimates token usage for generation steps whose model
// stream reported none, so turn-level usage stays additive regardless of
// provider behavior.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/loomchat/loom/internal/domain"
)

// Counter counts tokens with tiktoken where the model is known, with a
// character-based estimate as fallback.
type Counter struct {
	mu         sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a counter.
func NewCounter() *Counter {
	return &Counter{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	c.mu.RLock()
	cached, ok := c.codecCache[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err = tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecCache[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

func modelToEncoding(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// Count returns the token count of text for model. Falls back to a rough
// four-characters-per-token estimate when no tokenizer is available.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec(model)
	if err != nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(ids)
}

// EstimateStepUsage fills in usage for a step the model reported none for.
// Per-message overhead follows the chat-format accounting OpenAI documents:
// three tokens per message plus one for the role.
func (c *Counter) EstimateStepUsage(model string, req *domain.ModelRequest, outputText string) domain.Usage {
	input := 0
	for _, msg := range req.Messages {
		input += 4
		input += c.Count(model, msg.Content)
	}
	output := c.Count(model, outputText)
	return domain.Usage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}
