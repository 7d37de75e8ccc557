package imagesearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPProvider queries GET <endpoint>?q=<keyword>&n=<max> and expects
// {"urls":[...]} back.
type HTTPProvider struct {
	endpoint  *url.URL
	safeMode  string
	userAgent string
	client    *http.Client
}

func NewHTTPProvider(endpoint, safeMode string, timeout time.Duration, userAgent string) (*HTTPProvider, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("search endpoint must be http(s), got %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint:  u,
		safeMode:  safeMode,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Search(ctx context.Context, keyword string, maxResults int) ([]string, error) {
	u := *p.endpoint
	q := u.Query()
	q.Set("q", keyword)
	q.Set("n", strconv.Itoa(maxResults))
	if p.safeMode != "" {
		q.Set("safe", p.safeMode)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %s: %s", resp.Status, string(body))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return limit(out.URLs, maxResults), nil
}
