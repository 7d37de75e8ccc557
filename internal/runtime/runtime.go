// Package runtime wires configuration into a pipeline and runs it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-reel/internal/assembler"
	"github.com/loqalabs/loqa-reel/internal/audiocache"
	"github.com/loqalabs/loqa-reel/internal/compositor"
	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/loqalabs/loqa-reel/internal/eventstore"
	"github.com/loqalabs/loqa-reel/internal/events"
	"github.com/loqalabs/loqa-reel/internal/imagecache"
	"github.com/loqalabs/loqa-reel/internal/imagesearch"
	"github.com/loqalabs/loqa-reel/internal/keywords"
	"github.com/loqalabs/loqa-reel/internal/pipeline"
	"github.com/loqalabs/loqa-reel/internal/retry"
	"github.com/loqalabs/loqa-reel/internal/tts"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
	newRunID   func() string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		newRunID: uuid.NewString,
	}
}

// Run converts text into the file at output.
func (r *Runtime) Run(ctx context.Context, text, output string) (pipeline.Result, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.serveMetrics(metricsHandler); err != nil {
		return pipeline.Result{}, err
	}
	defer r.stopMetrics()

	runID := r.newRunID()
	p, closeAll, err := r.build(ctx, filepath.Join(r.cfg.Pipeline.WorkDir, runID))
	if err != nil {
		return pipeline.Result{RunID: runID}, err
	}
	defer func() {
		if err := closeAll(); err != nil {
			r.logger.Warn("component shutdown error", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	defer r.ready.Store(false)
	r.logger.Info("run starting", slog.String("run_id", runID), slog.String("output", output))
	return p.Run(ctx, runID, text, output)
}

// build assembles every component named by the configuration. The returned
// closer releases the journal and the event publisher.
func (r *Runtime) build(ctx context.Context, workDir string) (*pipeline.Pipeline, func() error, error) {
	cfg := r.cfg
	policy := retry.FromConfig(cfg.Retry)

	provider, err := imagesearch.FromConfig(cfg.Search, cfg.Images.UserAgent)
	if err != nil {
		return nil, nil, err
	}
	images, err := imagecache.New(cfg.Images.Directory, provider, imagecache.Options{
		Width:        cfg.Images.Width,
		Height:       cfg.Images.Height,
		Resize:       cfg.Images.Resize,
		Workers:      cfg.Images.Workers,
		FetchTimeout: time.Duration(cfg.Images.FetchTimeoutMS) * time.Millisecond,
		UserAgent:    cfg.Images.UserAgent,
		Retry:        policy,
	}, r.logger)
	if err != nil {
		return nil, nil, err
	}

	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		return nil, nil, err
	}
	audio, err := audiocache.New(cfg.Audio.Directory, synth, audiocache.Options{
		Retry:        policy,
		Timeout:      time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
		DefaultVoice: cfg.TTS.Voice,
	}, r.logger)
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("asset caches ready",
		slog.Int("image_keywords", len(images.Keywords())),
		slog.Int("narration_clips", audio.Len()),
	)

	extractor, err := keywords.FromConfig(cfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	asm := assembler.New(images, audio, extractor, assembler.Options{
		KeywordCount:        cfg.Keywords.Count,
		DefaultImageSeconds: cfg.Assembler.DefaultImageSeconds,
		UntaggedImageCount:  cfg.Assembler.UntaggedImageCount,
		Seed:                cfg.Assembler.Seed,
		WorkDir:             workDir,
		Voices:              cfg.TTS.Voices,
	}, r.logger)

	sink, err := compositor.FromConfig(cfg, workDir, r.logger)
	if err != nil {
		return nil, nil, err
	}

	journal, err := eventstore.Open(ctx, cfg.Journal, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}

	publisher, err := events.FromConfig(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Warn("event publisher unavailable, continuing without events",
			slog.String("mode", cfg.Events.Mode), slog.String("error", err.Error()))
		publisher = events.Noop()
	}

	p := pipeline.New(asm, sink, journal, publisher, pipeline.Options{
		Workers:       cfg.Pipeline.Workers,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}, r.logger)
	closeAll := func() error {
		return errors.Join(publisher.Close(), journal.Close())
	}
	return p, closeAll, nil
}

// serveMetrics exposes the Prometheus handler and health probes while a run
// is in progress. Nothing is served when telemetry.prometheus_bind is empty.
func (r *Runtime) serveMetrics(metrics http.Handler) error {
	bind := r.cfg.Telemetry.PrometheusBind
	if bind == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) stopMetrics() {
	if r.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.httpServer = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
