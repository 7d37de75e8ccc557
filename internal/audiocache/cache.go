// Package audiocache memoizes narration synthesis by normalized text.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reel/internal/pcm"
	"github.com/loqalabs/loqa-reel/internal/retry"
	"github.com/loqalabs/loqa-reel/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const artifactExt = ".wav"

// Clip is a synthesized narration artifact.
type Clip struct {
	Key      string
	Path     string
	Duration float64
}

// Options tune synthesis calls made on a cache miss.
type Options struct {
	Retry   retry.Policy
	Timeout time.Duration
	// DefaultVoice is sent to the synthesizer when Resolve gets no voice.
	DefaultVoice string
}

// Cache maps normalized narration text to WAV artifacts in one directory.
// Each key is synthesized at most once for the lifetime of the cache.
type Cache struct {
	dir    string
	synth  tts.Synthesizer
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	index map[string]Clip
	group singleflight.Group

	tracer   trace.Tracer
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	failures metric.Int64Counter
}

// New creates the storage directory if needed and indexes every artifact
// already present, so warm restarts skip synthesis.
func New(dir string, synth tts.Synthesizer, opts Options, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	c := &Cache{
		dir:    dir,
		synth:  synth,
		opts:   opts,
		logger: logger.With(slog.String("component", "audio-cache")),
		index:  make(map[string]Clip),
		tracer: otel.Tracer("github.com/loqalabs/loqa-reel/audiocache"),
	}
	c.initMetrics()
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-reel/audiocache")
	var err error
	if c.hits, err = meter.Int64Counter("reel.audio.cache.hits", metric.WithDescription("Narration lookups served from cache")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.misses, err = meter.Int64Counter("reel.audio.cache.misses", metric.WithDescription("Narration lookups that required synthesis")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.failures, err = meter.Int64Counter("reel.audio.synthesis.failures", metric.WithDescription("Synthesis calls that exhausted their retry budget")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
}

func (c *Cache) load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan audio dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		path := filepath.Join(c.dir, name)
		seconds, err := pcm.Duration(path)
		if err != nil {
			c.logger.Warn("skipping unreadable audio artifact", slog.String("path", path), slogError(err))
			continue
		}
		key := strings.TrimSuffix(name, artifactExt)
		c.index[key] = Clip{Key: key, Path: path, Duration: seconds}
	}
	c.logger.Info("audio cache loaded", slog.Int("artifacts", len(c.index)), slog.String("dir", c.dir))
	return nil
}

// Len reports how many artifacts are indexed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) lookup(key string) (Clip, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip, ok := c.index[key]
	return clip, ok
}

func (c *Cache) store(clip Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[clip.Key] = clip
}

// Resolve returns the artifact for text spoken by voice ("" for the default
// voice), synthesizing it on a miss. Synthesis failures are returned.
func (c *Cache) Resolve(ctx context.Context, text, voice string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, errors.New("resolve audio: empty text")
	}
	key := Key(text, voice)
	if clip, ok := c.lookup(key); ok {
		c.count(ctx, c.hits, key)
		c.logger.Debug("using cached narration", slog.String("key", key))
		return clip, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if clip, ok := c.lookup(key); ok {
			return clip, nil
		}
		c.count(ctx, c.misses, key)
		clip, err := c.produce(ctx, key, text, voice)
		if err != nil {
			return Clip{}, err
		}
		c.store(clip)
		return clip, nil
	})
	if err != nil {
		c.count(ctx, c.failures, key)
		return Clip{}, fmt.Errorf("resolve audio %s: %w", key, err)
	}
	return v.(Clip), nil
}

func (c *Cache) produce(ctx context.Context, key, text, voice string) (Clip, error) {
	path := filepath.Join(c.dir, key+artifactExt)

	// An artifact written after startup is reused when it still decodes.
	if _, err := os.Stat(path); err == nil {
		if seconds, err := pcm.Duration(path); err == nil {
			return Clip{Key: key, Path: path, Duration: seconds}, nil
		}
	}

	ctx, span := c.tracer.Start(ctx, "audiocache.synthesize", trace.WithAttributes(
		attribute.String("reel.audio.key", key),
		attribute.String("reel.audio.voice", voice),
	))
	defer span.End()

	backendVoice := voice
	if backendVoice == "" {
		backendVoice = c.opts.DefaultVoice
	}
	c.logger.Info("synthesizing narration", slog.String("key", key), slog.String("voice", backendVoice))
	audio, err := retry.Do(ctx, c.opts.Retry, func() (tts.Audio, error) {
		callCtx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		return tts.Collect(callCtx, c.synth, tts.SynthRequest{Text: text, Voice: backendVoice})
	}, func(err error, next time.Duration) {
		c.logger.Warn("synthesis attempt failed", slog.String("key", key), slog.Duration("retry_in", next), slogError(err))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return Clip{}, err
	}

	format := pcm.Format{SampleRate: audio.SampleRate, Channels: audio.Channels}
	if err := pcm.WriteWAV(path, audio.PCM, format); err != nil {
		return Clip{}, fmt.Errorf("persist narration: %w", err)
	}
	seconds, err := pcm.Duration(path)
	if err != nil {
		return Clip{}, fmt.Errorf("measure narration: %w", err)
	}
	span.SetAttributes(attribute.Float64("reel.audio.seconds", seconds))
	return Clip{Key: key, Path: path, Duration: seconds}, nil
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter, key string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.Int("reel.audio.key_length", len(key))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
