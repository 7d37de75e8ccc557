package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reel/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	urls  []string
	err   error
	calls atomic.Int32
}

func (f *fakeProvider) Search(ctx context.Context, keyword string, maxResults int) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.urls) > maxResults {
		return f.urls[:maxResults], nil
	}
	return f.urls, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// imageServer serves a 40x20 PNG under /ok/ and fails everything under /bad/.
func imageServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	body := pngBytes(t, 40, 20)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/ok/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		case strings.HasPrefix(r.URL.Path, "/missing/"):
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testOptions() Options {
	return Options{
		Width:        64,
		Height:       64,
		Resize:       true,
		Workers:      3,
		FetchTimeout: time.Second,
		UserAgent:    "loqa-reel-test",
		Retry:        retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
}

func TestResolveQueriesProviderOnce(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/ok/1", srv.URL + "/ok/2"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	first := c.Resolve(context.Background(), "  Red Panda ", 2)
	second := c.Resolve(context.Background(), "red panda", 7)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.ElementsMatch(t, []string{"image_1.jpg", "image_2.jpg"}, []string{filepath.Base(first[0]), filepath.Base(first[1])})
	assert.Equal(t, []string{"red panda"}, c.Keywords())
}

func TestResolveSkipsFailedFetches(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{
		srv.URL + "/ok/1",
		srv.URL + "/bad/2",
		srv.URL + "/ok/3",
		srv.URL + "/missing/4",
		srv.URL + "/ok/5",
	}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	paths := c.Resolve(context.Background(), "cats", 5)
	require.Len(t, paths, 3)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestResolveRetriesServerErrorsButNotClientErrors(t *testing.T) {
	srv, hits := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/bad/1", srv.URL + "/missing/2"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	assert.Empty(t, c.Resolve(context.Background(), "dogs", 2))
	// two attempts for the 500, one for the 404
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveProviderFailureCachesEmpty(t *testing.T) {
	provider := &fakeProvider{err: errors.New("search offline")}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	assert.Empty(t, c.Resolve(context.Background(), "owls", 3))
	assert.Empty(t, c.Resolve(context.Background(), "owls", 3))
	assert.Equal(t, int32(2), provider.calls.Load(), "first lookup retries, second is a cache hit")
}

func TestResolveWithoutDesiredSkipsProvider(t *testing.T) {
	provider := &fakeProvider{urls: []string{"http://unused/1"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	assert.Nil(t, c.Resolve(context.Background(), "bats", 0))
	assert.Nil(t, c.Resolve(context.Background(), "   ", 3))
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/ok/1", srv.URL + "/ok/2", srv.URL + "/ok/3"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]string, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Resolve(context.Background(), "foxes", 3)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestResolveReturnsCopies(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/ok/1"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	paths := c.Resolve(context.Background(), "moths", 1)
	require.Len(t, paths, 1)
	paths[0] = "mutated"
	assert.NotEqual(t, "mutated", c.Resolve(context.Background(), "moths", 1)[0])
}

func TestFetchedImagesAreNormalized(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/ok/1"}}
	c, err := New(t.TempDir(), provider, testOptions(), testLogger())
	require.NoError(t, err)

	paths := c.Resolve(context.Background(), "bees", 1)
	require.Len(t, paths, 1)
	img, err := decodeFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())
}

func TestWarmLoadContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	kw := filepath.Join(dir, "whales")
	require.NoError(t, os.MkdirAll(kw, 0o755))
	for _, name := range []string{"image_10.jpg", "image_2.jpg", "image_1.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(kw, name), []byte("x"), 0o644))
	}

	provider := &fakeProvider{}
	c, err := New(dir, provider, testOptions(), testLogger())
	require.NoError(t, err)

	paths := c.Resolve(context.Background(), "Whales", 5)
	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"image_1.jpg", "image_2.jpg", "image_10.jpg"}, names)
	assert.Equal(t, int32(0), provider.calls.Load())
	assert.Equal(t, 11, c.allocate("whales"))
}

func TestDirNameEscapesSeparators(t *testing.T) {
	assert.Equal(t, "ac%2Fdc", dirName("ac/dc"))
	assert.Equal(t, "ac_dc", dirName("ac_dc"))
	assert.Equal(t, "a%5Cb", dirName(`a\b`))
	assert.Equal(t, "%2E.", dirName(".."))
	assert.Equal(t, "50%25", dirName("50%"))
	assert.Equal(t, "red panda", dirName("red panda"))

	for _, key := range []string{"ac/dc", "ac_dc", "..", ".net", "50%", "red panda", "ac%2Fdc"} {
		got, ok := keyFromDir(dirName(key))
		require.True(t, ok, key)
		assert.Equal(t, key, got)
	}
	_, ok := keyFromDir("ac%2fdc")
	assert.False(t, ok)
}

func TestSimilarKeywordsKeepSeparateDirs(t *testing.T) {
	srv, _ := imageServer(t)
	provider := &fakeProvider{urls: []string{srv.URL + "/ok/1"}}
	dir := t.TempDir()
	c, err := New(dir, provider, testOptions(), testLogger())
	require.NoError(t, err)

	underscore := c.Resolve(context.Background(), "ac_dc", 1)
	slash := c.Resolve(context.Background(), "ac/dc", 1)
	require.Len(t, underscore, 1)
	require.Len(t, slash, 1)
	assert.NotEqual(t, underscore[0], slash[0])
	assert.FileExists(t, underscore[0])
	assert.FileExists(t, slash[0])

	warm, err := New(dir, &fakeProvider{}, testOptions(), testLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ac_dc", "ac/dc"}, warm.Keywords())
	assert.Equal(t, slash, warm.Resolve(context.Background(), "ac/dc", 1))
	assert.Equal(t, underscore, warm.Resolve(context.Background(), "ac_dc", 1))
}

func TestLoadSkipsForeignDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad%zz"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "otters"), 0o755))
	c, err := New(dir, &fakeProvider{}, testOptions(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"otters"}, c.Keywords())
}

func TestDownloadRejectsNonHTTP(t *testing.T) {
	c, err := New(t.TempDir(), &fakeProvider{}, testOptions(), testLogger())
	require.NoError(t, err)
	_, err = c.download(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}

func ExampleKey() {
	fmt.Println(Key("  Northern Lights "))
	// Output: northern lights
}
