// Package assembler resolves the assets of one markup segment and computes
// how long each image stays on screen.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/loqalabs/loqa-reel/internal/audiocache"
	"github.com/loqalabs/loqa-reel/internal/keywords"
	"github.com/loqalabs/loqa-reel/internal/markup"
	"github.com/loqalabs/loqa-reel/internal/pcm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ImageResolver returns local image paths for a keyword. It never fails; a
// degraded lookup returns fewer images.
type ImageResolver interface {
	Resolve(ctx context.Context, keyword string, desired int) []string
}

// AudioResolver returns a narration clip for text in voice ("" is the default voice).
type AudioResolver interface {
	Resolve(ctx context.Context, text, voice string) (audiocache.Clip, error)
}

// Visual is one image shown for DurationSeconds.
type Visual struct {
	AssetID         string  `json:"asset_id" yaml:"asset_id"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

// ComposedSegment is a segment with its assets resolved and timed. When
// Visuals is non-empty their durations sum to TotalDurationSeconds. A zero
// total leaves the length to the compositor.
type ComposedSegment struct {
	Order                int      `json:"order" yaml:"order"`
	Keyword              string   `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Narration            string   `json:"narration,omitempty" yaml:"narration,omitempty"`
	Visuals              []Visual `json:"visuals,omitempty" yaml:"visuals,omitempty"`
	AudioPath            string   `json:"audio_path,omitempty" yaml:"audio_path,omitempty"`
	TotalDurationSeconds float64  `json:"total_duration_seconds" yaml:"total_duration_seconds"`
}

// SegmentError aborts a run: the segment could not be assembled at all.
type SegmentError struct {
	Order int
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Order, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

type Options struct {
	KeywordCount        int
	DefaultImageSeconds float64
	// UntaggedImageCount is how many images segments without an image tag get.
	UntaggedImageCount int
	Seed               int64
	// WorkDir receives the combined narration track of each segment.
	WorkDir string
	// Voices maps markup voice ids to backend voices. Unmapped ids pass through.
	Voices map[string]string
}

type Assembler struct {
	images   ImageResolver
	audio    AudioResolver
	keywords keywords.Extractor
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(images ImageResolver, audio AudioResolver, extractor keywords.Extractor, opts Options, logger *slog.Logger) *Assembler {
	if opts.KeywordCount <= 0 {
		opts.KeywordCount = 3
	}
	if opts.DefaultImageSeconds <= 0 {
		opts.DefaultImageSeconds = 5
	}
	return &Assembler{
		images:   images,
		audio:    audio,
		keywords: extractor,
		opts:     opts,
		logger:   logger.With(slog.String("component", "assembler")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-reel/assembler"),
	}
}

// Assemble resolves images and narration for seg concurrently and times
// the images against the narration length.
func (a *Assembler) Assemble(ctx context.Context, seg markup.Segment) (ComposedSegment, error) {
	ctx, span := a.tracer.Start(ctx, "assembler.segment", trace.WithAttributes(
		attribute.Int("reel.segment.order", seg.Order),
	))
	defer span.End()
	started := time.Now()

	out, err := a.assemble(ctx, seg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assemble failed")
		return ComposedSegment{}, &SegmentError{Order: seg.Order, Err: err}
	}
	span.SetAttributes(
		attribute.Int("reel.segment.visuals", len(out.Visuals)),
		attribute.Float64("reel.segment.seconds", out.TotalDurationSeconds),
	)
	a.logger.Info("segment assembled",
		slog.Int("order", out.Order),
		slog.String("keyword", out.Keyword),
		slog.Int("visuals", len(out.Visuals)),
		slog.Float64("seconds", out.TotalDurationSeconds),
		slog.Duration("elapsed", time.Since(started)),
	)
	return out, nil
}

func (a *Assembler) assemble(ctx context.Context, seg markup.Segment) (ComposedSegment, error) {
	count := seg.ImageCount
	if !seg.Tagged {
		count = a.opts.UntaggedImageCount
	}
	keyword := seg.ImageKeyword
	if count > 0 {
		var err error
		if keyword, err = a.backfillKeyword(ctx, seg); err != nil {
			return ComposedSegment{}, err
		}
	}

	var images []string
	var audioPath string
	var total float64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if count <= 0 || keyword == "" {
			return nil
		}
		images = a.images.Resolve(gctx, keyword, count)
		if len(images) > count {
			images = sample(images, count, a.opts.Seed, seg.Order)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		audioPath, total, err = a.narrate(gctx, seg)
		return err
	})
	if err := g.Wait(); err != nil {
		return ComposedSegment{}, err
	}

	visuals, total := allocate(images, total, a.opts.DefaultImageSeconds)
	return ComposedSegment{
		Order:                seg.Order,
		Keyword:              keyword,
		Narration:            seg.Narration,
		Visuals:              visuals,
		AudioPath:            audioPath,
		TotalDurationSeconds: total,
	}, nil
}

func (a *Assembler) backfillKeyword(ctx context.Context, seg markup.Segment) (string, error) {
	if seg.ImageKeyword != "" || seg.Narration == "" || a.keywords == nil {
		return seg.ImageKeyword, nil
	}
	terms, err := a.keywords.Extract(ctx, seg.Narration, a.opts.KeywordCount)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.logger.Warn("keyword extraction failed", slog.Int("order", seg.Order), slogError(err))
		return "", nil
	}
	return keywords.Join(terms), nil
}

// narrate resolves every voice span, skipping the ones that fail, and joins
// the clips into one track under WorkDir.
func (a *Assembler) narrate(ctx context.Context, seg markup.Segment) (string, float64, error) {
	var pieces []pcm.Piece
	for _, span := range seg.Voices {
		clip, err := a.audio.Resolve(ctx, span.Text, a.backendVoice(span.Voice))
		if err != nil {
			if ctx.Err() != nil {
				return "", 0, ctx.Err()
			}
			a.logger.Warn("skipping narration span",
				slog.Int("order", seg.Order),
				slog.String("voice", span.Voice),
				slogError(err),
			)
			continue
		}
		pieces = append(pieces, pcm.Piece{Path: clip.Path})
	}
	if len(pieces) == 0 {
		return "", 0, nil
	}

	if err := os.MkdirAll(a.opts.WorkDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(a.opts.WorkDir, fmt.Sprintf("segment_%03d.wav", seg.Order))
	seconds, err := pcm.Concat(path, pieces)
	if err != nil {
		return "", 0, fmt.Errorf("combine narration: %w", err)
	}
	return path, seconds, nil
}

func (a *Assembler) backendVoice(voice string) string {
	if voice == markup.DefaultVoice {
		return ""
	}
	if mapped, ok := a.opts.Voices[voice]; ok && mapped != "" {
		return mapped
	}
	return voice
}

// allocate splits total evenly across images. Without narration each image
// gets defaultSeconds and the total follows.
func allocate(images []string, total, defaultSeconds float64) ([]Visual, float64) {
	m := len(images)
	if m == 0 {
		return nil, total
	}
	each := total / float64(m)
	if total <= 0 {
		each = defaultSeconds
		total = defaultSeconds * float64(m)
	}
	visuals := make([]Visual, m)
	for i, img := range images {
		visuals[i] = Visual{AssetID: img, DurationSeconds: each}
	}
	return visuals, total
}

// sample picks n of paths without replacement, keeping their original
// order. The choice depends only on seed and order.
func sample(paths []string, n int, seed int64, order int) []string {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(order)))
	picked := rng.Perm(len(paths))[:n]
	slices.Sort(picked)
	out := make([]string, n)
	for i, idx := range picked {
		out[i] = paths[idx]
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
