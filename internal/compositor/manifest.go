package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-reel/internal/assembler"
	"gopkg.in/yaml.v3"
)

// Manifest is the document written by ManifestSink.
type Manifest struct {
	TotalSeconds float64                     `yaml:"total_seconds"`
	Segments     []assembler.ComposedSegment `yaml:"segments"`
}

// ManifestSink writes the timeline as YAML for an external encoder.
type ManifestSink struct {
	logger *slog.Logger
}

func NewManifestSink(logger *slog.Logger) *ManifestSink {
	return &ManifestSink{logger: logger.With(slog.String("component", "manifest-sink"))}
}

func (s *ManifestSink) Compose(ctx context.Context, segments []assembler.ComposedSegment, output string) error {
	if len(segments) == 0 {
		return &EncodingError{Output: output, Err: errors.New("no segments")}
	}
	if err := ctx.Err(); err != nil {
		return &EncodingError{Output: output, Err: err}
	}

	m := Manifest{Segments: segments}
	for _, seg := range segments {
		m.TotalSeconds += seg.TotalDurationSeconds
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return &EncodingError{Output: output, Err: fmt.Errorf("marshal manifest: %w", err)}
	}
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &EncodingError{Output: output, Err: err}
		}
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return &EncodingError{Output: output, Err: err}
	}
	s.logger.Info("manifest written", slog.String("output", output), slog.Int("segments", len(segments)))
	return nil
}
