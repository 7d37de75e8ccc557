// Package imagecache maps keywords to downloaded, normalized image files.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reel/internal/imagesearch"
	"github.com/loqalabs/loqa-reel/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	filePrefix   = "image_"
	fileExt      = ".jpg"
	maxImageSize = 32 << 20
)

// Options configure fetching and normalization.
type Options struct {
	Width        int
	Height       int
	Resize       bool
	Workers      int
	FetchTimeout time.Duration
	UserAgent    string
	Retry        retry.Policy
	// Client overrides the HTTP client used for downloads.
	Client *http.Client
}

// Cache stores images under <dir>/<keyword>/image_N.jpg. A keyword is looked
// up with the provider at most once for the lifetime of the cache.
type Cache struct {
	dir      string
	provider imagesearch.Provider
	opts     Options
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	index map[string][]string
	next  map[string]int
	group singleflight.Group

	tracer        trace.Tracer
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	fetchFailures metric.Int64Counter
}

// New indexes every keyword directory already under dir.
func New(dir string, provider imagesearch.Provider, opts Options, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	c := &Cache{
		dir:      dir,
		provider: provider,
		opts:     opts,
		client:   client,
		logger:   logger.With(slog.String("component", "image-cache")),
		index:    make(map[string][]string),
		next:     make(map[string]int),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-reel/imagecache"),
	}
	c.initMetrics()
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-reel/imagecache")
	var err error
	if c.hits, err = meter.Int64Counter("reel.image.cache.hits", metric.WithDescription("Keyword lookups served from cache")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.misses, err = meter.Int64Counter("reel.image.cache.misses", metric.WithDescription("Keyword lookups that queried the search provider")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.fetchFailures, err = meter.Int64Counter("reel.image.fetch.failures", metric.WithDescription("Image downloads skipped after failing")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
}

// Key normalizes a keyword into its cache key.
func Key(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

// dirName percent-escapes "%", path separators, NUL and a leading "." so
// every key gets its own directory and url.PathUnescape recovers the key.
func dirName(key string) string {
	var sb strings.Builder
	for i, r := range key {
		if r == '%' || r == '/' || r == '\\' || r == 0 || (i == 0 && r == '.') {
			fmt.Fprintf(&sb, "%%%02X", r)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// keyFromDir reverses dirName. Names dirName would never produce are rejected.
func keyFromDir(name string) (string, bool) {
	key, err := url.PathUnescape(name)
	if err != nil || dirName(key) != name {
		return "", false
	}
	return key, true
}

func (c *Cache) load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan image dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		key, ok := keyFromDir(name)
		if !ok {
			c.logger.Warn("skipping foreign keyword dir", slog.String("dir", name))
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.dir, name))
		if err != nil {
			c.logger.Warn("skipping unreadable keyword dir", slog.String("keyword", key), slogError(err))
			continue
		}
		var names []string
		for _, f := range files {
			if f.Type().IsRegular() && !strings.HasPrefix(f.Name(), ".") {
				names = append(names, f.Name())
			}
		}
		slices.SortFunc(names, compareNames)
		paths := make([]string, len(names))
		highest := 0
		for i, file := range names {
			paths[i] = filepath.Join(c.dir, name, file)
			if n, ok := fileIndex(file); ok && n > highest {
				highest = n
			}
		}
		c.index[key] = paths
		c.next[key] = max(highest, len(names))
	}
	c.logger.Info("image cache loaded", slog.Int("keywords", len(c.index)), slog.String("dir", c.dir))
	return nil
}

// fileIndex extracts N from image_N.<ext>.
func fileIndex(name string) (int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(stem, filePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(stem, filePrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// compareNames orders image_N files numerically ahead of anything else.
func compareNames(a, b string) int {
	na, oka := fileIndex(a)
	nb, okb := fileIndex(b)
	switch {
	case oka && okb && na != nb:
		return na - nb
	case oka && !okb:
		return -1
	case !oka && okb:
		return 1
	}
	return strings.Compare(a, b)
}

// Keywords lists the cached keys.
func (c *Cache) Keywords() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (c *Cache) lookup(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths, ok := c.index[key]
	return paths, ok
}

func (c *Cache) store(key string, paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[key] = paths
}

// allocate reserves the next file index for key.
func (c *Cache) allocate(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next[key]++
	return c.next[key]
}

// Resolve returns local image paths for keyword. A hit returns the cached
// sequence regardless of desired. A miss asks the provider for up to desired
// images; failures degrade to fewer (possibly zero) images, never an error.
func (c *Cache) Resolve(ctx context.Context, keyword string, desired int) []string {
	key := Key(keyword)
	if key == "" {
		return nil
	}
	if paths, ok := c.lookup(key); ok {
		c.count(ctx, c.hits)
		c.logger.Debug("using cached images", slog.String("keyword", key), slog.Int("images", len(paths)))
		return slices.Clone(paths)
	}
	if desired <= 0 {
		return nil
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		if paths, ok := c.lookup(key); ok {
			return paths, nil
		}
		c.count(ctx, c.misses)
		paths := c.fetchBatch(ctx, key, desired)
		if ctx.Err() == nil {
			c.store(key, paths)
		}
		return paths, nil
	})
	return slices.Clone(v.([]string))
}

func (c *Cache) fetchBatch(ctx context.Context, key string, desired int) []string {
	ctx, span := c.tracer.Start(ctx, "imagecache.fetch", trace.WithAttributes(
		attribute.String("reel.image.keyword", key),
		attribute.Int("reel.image.desired", desired),
	))
	defer span.End()

	urls, err := retry.Do(ctx, c.opts.Retry, func() ([]string, error) {
		return c.provider.Search(ctx, key, desired)
	}, func(err error, next time.Duration) {
		c.logger.Warn("image search attempt failed", slog.String("keyword", key), slog.Duration("retry_in", next), slogError(err))
	})
	if err != nil {
		c.logger.Error("image search failed", slog.String("keyword", key), slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return []string{}
	}
	if len(urls) > desired {
		urls = urls[:desired]
	}
	c.logger.Info("downloading images", slog.String("keyword", key), slog.Int("candidates", len(urls)))

	results := make([]string, len(urls))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, u := range urls {
		g.Go(func() error {
			path, err := c.fetchOne(ctx, key, u)
			if err != nil {
				c.count(ctx, c.fetchFailures)
				c.logger.Warn("skipping image", slog.String("keyword", key), slog.String("url", u), slogError(err))
				return nil
			}
			results[i] = path
			return nil
		})
	}
	_ = g.Wait()

	if c.opts.Resize {
		c.normalizeAll(key, results)
	}

	paths := make([]string, 0, len(results))
	for _, p := range results {
		if p != "" {
			paths = append(paths, p)
		}
	}
	span.SetAttributes(attribute.Int("reel.image.fetched", len(paths)))
	return paths
}

// normalizeAll resizes a fetched batch in place, dropping files that do not
// decode as images.
func (c *Cache) normalizeAll(key string, paths []string) {
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, path := range paths {
		if path == "" {
			continue
		}
		g.Go(func() error {
			if err := Normalize(path, c.opts.Width, c.opts.Height); err != nil {
				c.logger.Warn("dropping image that failed to normalize", slog.String("keyword", key), slog.String("path", path), slogError(err))
				_ = os.Remove(path)
				paths[i] = ""
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) fetchOne(ctx context.Context, key, rawURL string) (string, error) {
	data, err := retry.Do(ctx, c.opts.Retry, func() ([]byte, error) {
		return c.download(ctx, rawURL)
	}, nil)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(c.dir, dirName(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, c.allocate(key), fileExt))
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache) download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, retry.Permanent(fmt.Errorf("unsupported image url %q", rawURL))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, retry.Permanent(errors.New("empty image body"))
	}
	if len(data) > maxImageSize {
		return nil, retry.Permanent(fmt.Errorf("image larger than %d bytes", maxImageSize))
	}
	return data, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch_*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
