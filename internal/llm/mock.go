package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	response string
}

// NewMockGenerator answers every prompt with response, or echoes the prompt
// when response is empty.
func NewMockGenerator(response string) Generator { return &mockGenerator{response: response} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := m.response
	if content == "" {
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
	})
}
