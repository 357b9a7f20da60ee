// Package llm declares the abstract LLM provider collaborator and a
// deterministic local stand-in used by tests and by any deployment that
// hasn't wired a real provider yet. Real providers (OpenAI, Anthropic,
// local inference servers) implement the same Client interface, narrowed
// to the single generate_stream operation every agent behavior needs.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Chunk is one token-stream fragment from a generation call.
type Chunk struct {
	Content string
	Err     error
}

// Client is the abstract LLM collaborator. GenerateStream must honor ctx
// cancellation: once ctx is done, the returned channel closes with no
// further chunks within the cancellation contract's 2s budget.
type Client interface {
	GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan Chunk, error)
}

// DeterministicClient is a local stand-in that splits a canned response
// into word-sized chunks at a fixed interval, useful for tests and for
// running the rest of the substrate without a real provider configured.
type DeterministicClient struct {
	ChunkInterval time.Duration
}

func NewDeterministicClient() *DeterministicClient {
	return &DeterministicClient{ChunkInterval: 5 * time.Millisecond}
}

func (c *DeterministicClient) GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan Chunk, error) {
	response := c.respondTo(prompt)
	words := strings.Fields(response)
	out := make(chan Chunk, len(words))

	go func() {
		defer close(out)
		for i, w := range words {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.ChunkInterval):
			}
			content := w
			if i < len(words)-1 {
				content += " "
			}
			select {
			case out <- Chunk{Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *DeterministicClient) respondTo(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "derivative"):
		return "A derivative is the limit of the average rate of change of a function as the interval shrinks to zero."
	case strings.Contains(lower, "integral"):
		return "An integral accumulates infinitesimal contributions of a quantity to find a total, such as area under a curve."
	default:
		return fmt.Sprintf("Here is a worked explanation addressing: %s", strings.TrimSpace(prompt))
	}
}
