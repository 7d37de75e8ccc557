package imagesearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "red panda", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("n"))
		assert.Equal(t, "loqa-reel-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"urls":["http://a/1.jpg","","http://a/2.jpg","http://a/3.jpg"]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL+"/search", "", time.Second, "loqa-reel-test")
	require.NoError(t, err)
	urls, err := p.Search(context.Background(), "red panda", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a/1.jpg", "http://a/2.jpg"}, urls)
}

func TestHTTPProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(srv.URL, "", time.Second, "")
	require.NoError(t, err)
	_, err = p.Search(context.Background(), "cats", 3)
	assert.ErrorContains(t, err, "429")
}

func TestNewHTTPProviderRejectsBadScheme(t *testing.T) {
	_, err := NewHTTPProvider("ftp://images.example", "", time.Second, "")
	assert.Error(t, err)
}

func TestExecProviderRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecProvider("", "")
	assert.Error(t, err)
}

func TestExecProviderMissingBinary(t *testing.T) {
	p, err := NewExecProvider("/nonexistent/image-search --json", "")
	require.NoError(t, err)
	_, err = p.Search(context.Background(), "cats", 3)
	assert.Error(t, err)
}

func TestOffFindsNothing(t *testing.T) {
	urls, err := Off().Search(context.Background(), "cats", 5)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.SearchConfig{Mode: "off"}, "")
	require.NoError(t, err)
	assert.Equal(t, Off(), p)

	_, err = FromConfig(config.SearchConfig{Mode: "carrier-pigeon"}, "")
	assert.Error(t, err)

	p, err = FromConfig(config.SearchConfig{Mode: "http", Endpoint: "https://img.example/search", TimeoutMS: 500}, "ua")
	require.NoError(t, err)
	assert.IsType(t, &HTTPProvider{}, p)
}
