// Package compositor hands the timed segments of a run to an encoder.
package compositor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-reel/internal/assembler"
	"github.com/loqalabs/loqa-reel/internal/config"
)

// Sink turns ordered segments into one output file.
type Sink interface {
	Compose(ctx context.Context, segments []assembler.ComposedSegment, output string) error
}

// EncodingError is fatal for a run.
type EncodingError struct {
	Output string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Output, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// FromConfig builds the sink selected by compositor.mode. Scratch files go
// to workDir.
func FromConfig(cfg config.Config, workDir string, logger *slog.Logger) (Sink, error) {
	switch cfg.Compositor.Mode {
	case "manifest":
		return NewManifestSink(logger), nil
	case "", "ffmpeg":
		return NewFFmpegSink(FFmpegOptions{
			Binary:         cfg.Compositor.FFmpegPath,
			FPS:            cfg.Compositor.FPS,
			Width:          cfg.Images.Width,
			Height:         cfg.Images.Height,
			DefaultSeconds: cfg.Assembler.DefaultImageSeconds,
			WorkDir:        workDir,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported compositor mode %q", cfg.Compositor.Mode)
	}
}

// segmentSeconds is the on-screen length of seg; zero-length segments get
// the fallback.
func segmentSeconds(seg assembler.ComposedSegment, fallback float64) float64 {
	if seg.TotalDurationSeconds > 0 {
		return seg.TotalDurationSeconds
	}
	return fallback
}
