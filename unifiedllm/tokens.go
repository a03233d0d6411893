package unifiedllm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts with tiktoken encodings, for
// providers that do not report usage. Encodings that cannot be loaded
// (tiktoken fetches its BPE ranks on first use) fall back to four
// characters per token.
type TokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

// NewTokenCounter creates an empty TokenCounter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

func (c *TokenCounter) encoder(model string) *tiktoken.Tiktoken {
	name := "cl100k_base"
	if info := GetModelInfo(model); info != nil && info.Encoding != "" {
		name = info.Encoding
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[name]; ok {
		return enc
	}
	if c.failed[name] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		c.failed[name] = true
		return nil
	}
	c.encoders[name] = enc
	return enc
}

// Count returns the estimated number of tokens in text for model.
func (c *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// CountMessages estimates the prompt size of a message list, including
// tool calls and tool results.
func (c *TokenCounter) CountMessages(model string, messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += 4 // role and framing overhead
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += c.Count(model, part.Text)
			case ContentToolCall:
				if part.ToolCall != nil {
					total += c.Count(model, part.ToolCall.Name) + c.Count(model, string(part.ToolCall.Arguments))
				}
			case ContentToolResult:
				if part.ToolResult != nil {
					total += c.Count(model, part.ToolResult.Content)
				}
			}
		}
	}
	return total
}
