package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-reel/internal/compositor"
	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Images.Directory = filepath.Join(root, "images")
	cfg.Audio.Directory = filepath.Join(root, "audio")
	cfg.Pipeline.WorkDir = filepath.Join(root, "work")
	cfg.Journal.Path = filepath.Join(root, "journal.db")
	cfg.Compositor.Mode = "manifest"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunWritesManifest(t *testing.T) {
	cfg := testConfig(t)
	rt := New(cfg, testLogger())
	rt.newRunID = func() string { return "run-fixed" }
	output := filepath.Join(t.TempDir(), "reel.yaml")

	res, err := rt.Run(context.Background(), "Hello world. [IMAGE: sunset 2] The sun sets slowly.", output)
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", res.RunID)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "sunset", res.Segments[1].Keyword)
	assert.InDelta(t, 2.4, res.TotalSeconds, 0.01)
	assert.FileExists(t, filepath.Join(cfg.Pipeline.WorkDir, "run-fixed", "segment_001.wav"))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var manifest compositor.Manifest
	require.NoError(t, yaml.Unmarshal(data, &manifest))
	assert.Len(t, manifest.Segments, 2)
	assert.InDelta(t, res.TotalSeconds, manifest.TotalSeconds, 1e-9)
}

func TestRunReusesNarrationAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.RetentionMode = "ephemeral"
	text := "One line of narration."

	_, err := New(cfg, testLogger()).Run(context.Background(), text, filepath.Join(t.TempDir(), "a.yaml"))
	require.NoError(t, err)
	entries, err := os.ReadDir(cfg.Audio.Directory)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = New(cfg, testLogger()).Run(context.Background(), text, filepath.Join(t.TempDir(), "b.yaml"))
	require.NoError(t, err)
	entries, err = os.ReadDir(cfg.Audio.Directory)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunFailsOnEmptyInput(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, testLogger()).Run(context.Background(), "  ", filepath.Join(t.TempDir(), "x.yaml"))
	assert.Error(t, err)
}

func TestRunContinuesWhenBrokerIsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Mode = "nats"
	cfg.Bus.Servers = []string{"nats://127.0.0.1:1"}
	cfg.Bus.ConnectTimeout = 200
	_, err := New(cfg, testLogger()).Run(context.Background(), "Still works.", filepath.Join(t.TempDir(), "x.yaml"))
	assert.NoError(t, err)
}

func TestRunRejectsUnknownCompositor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compositor.Mode = "gif"
	_, err := New(cfg, testLogger()).Run(context.Background(), "text", filepath.Join(t.TempDir(), "x.yaml"))
	assert.ErrorContains(t, err, "unsupported compositor mode")
}

func TestReadinessProbe(t *testing.T) {
	rt := New(testConfig(t), testLogger())

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServeMetricsOnEphemeralPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	rt := New(cfg, testLogger())

	shutdown, handler, err := setupTelemetry(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	require.NotNil(t, handler)

	require.NoError(t, rt.serveMetrics(handler))
	require.NotNil(t, rt.httpServer)
	rt.stopMetrics()
	assert.Nil(t, rt.httpServer)
}
