package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/loqalabs/loqa-reel/internal/llm"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const defaultCacheSize = 256

const systemPrompt = "You pick short image search keywords for narration in a slideshow video. " +
	"Prefer concrete, visual nouns. Never explain your answer."

// memo remembers model answers per (k, text) and falls back to frequency
// ranking when the model fails or returns nothing usable.
type memo struct {
	cache  *lru.Cache[string, []string]
	logger *slog.Logger
}

func newMemo(size int, logger *slog.Logger) (*memo, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []string](size)
	if err != nil {
		return nil, fmt.Errorf("keyword cache: %w", err)
	}
	return &memo{cache: cache, logger: logger}, nil
}

func (m *memo) extract(ctx context.Context, text string, k int, ask func(context.Context) ([]string, error)) ([]string, error) {
	if k <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	key := strconv.Itoa(k) + "\x00" + text
	if terms, ok := m.cache.Get(key); ok {
		return terms, nil
	}

	terms, err := ask(ctx)
	if err == nil {
		terms = cleanTerms(terms, k)
	}
	if err != nil || len(terms) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			m.logger.Warn("keyword model failed, using frequency ranking", slogError(err))
		}
		terms = topTerms(text, k)
	}
	m.cache.Add(key, terms)
	return terms, nil
}

// cleanTerms lower-cases, trims and de-duplicates model output.
func cleanTerms(raw []string, k int) []string {
	lower := cases.Lower(language.Und)
	seen := make(map[string]bool)
	var out []string
	for _, r := range raw {
		term := strings.Join(wordPattern.FindAllString(lower.String(r), -1), " ")
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
		if len(out) == k {
			break
		}
	}
	return out
}

// LLMExtractor asks a text generator for comma-separated keywords.
type LLMExtractor struct {
	gen    llm.Generator
	cfg    config.LLMConfig
	memo   *memo
	logger *slog.Logger
}

func NewLLMExtractor(gen llm.Generator, cfg config.LLMConfig, cacheSize int, logger *slog.Logger) (*LLMExtractor, error) {
	logger = logger.With(slog.String("component", "keywords-llm"))
	m, err := newMemo(cacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &LLMExtractor{gen: gen, cfg: cfg, memo: m, logger: logger}, nil
}

func (e *LLMExtractor) Extract(ctx context.Context, text string, k int) ([]string, error) {
	return e.memo.extract(ctx, text, k, func(ctx context.Context) ([]string, error) {
		prompt := fmt.Sprintf("List the %d best image search keywords for this text as a comma-separated line.\n\nText:\n%s", k, text)
		out, err := llm.Complete(ctx, e.gen, llm.RequestFromConfig(e.cfg, systemPrompt, prompt))
		if err != nil {
			return nil, err
		}
		return strings.FieldsFunc(out, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }), nil
	})
}
