// Package keywords picks image search terms for narration that carries no
// explicit image keyword.
package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/loqalabs/loqa-reel/internal/llm"
)

// Extractor returns up to k terms ranked by relevance. Results must be
// deterministic for the same text.
type Extractor interface {
	Extract(ctx context.Context, text string, k int) ([]string, error)
}

// Join turns extracted terms into one search keyword.
func Join(terms []string) string {
	return strings.Join(terms, " ")
}

// FromConfig builds the extractor selected by keywords.mode.
func FromConfig(cfg config.Config, logger *slog.Logger) (Extractor, error) {
	switch cfg.Keywords.Mode {
	case "", "frequency":
		return NewFrequencyExtractor(), nil
	case "llm":
		gen, err := llm.FromConfig(cfg.LLM)
		if err != nil {
			return nil, err
		}
		return NewLLMExtractor(gen, cfg.LLM, cfg.Keywords.CacheSize, logger)
	case "openai":
		return NewOpenAIExtractor(cfg.OpenAI, cfg.Keywords.CacheSize, logger)
	default:
		return nil, fmt.Errorf("unsupported keywords mode %q", cfg.Keywords.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
