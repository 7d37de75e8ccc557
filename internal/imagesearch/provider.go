// Package imagesearch looks up candidate image URLs for a keyword.
package imagesearch

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-reel/internal/config"
)

// Provider returns up to maxResults image URLs for keyword, best first.
type Provider interface {
	Search(ctx context.Context, keyword string, maxResults int) ([]string, error)
}

type offProvider struct{}

// Off is a provider that never finds anything.
func Off() Provider { return offProvider{} }

func (offProvider) Search(context.Context, string, int) ([]string, error) {
	return nil, nil
}

// FromConfig builds the provider selected by search.mode.
func FromConfig(cfg config.SearchConfig, userAgent string) (Provider, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "", "off":
		return Off(), nil
	case "exec":
		return NewExecProvider(cfg.Command, cfg.SafeMode)
	case "http":
		return NewHTTPProvider(cfg.Endpoint, cfg.SafeMode, timeout, userAgent)
	default:
		return nil, fmt.Errorf("unsupported search mode %q", cfg.Mode)
	}
}

type searchResponse struct {
	URLs []string `json:"urls"`
}

func limit(urls []string, maxResults int) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, u)
		if maxResults > 0 && len(out) == maxResults {
			break
		}
	}
	return out
}
