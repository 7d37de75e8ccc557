package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-reel/internal/assembler"
	"github.com/loqalabs/loqa-reel/internal/pcm"
)

type FFmpegOptions struct {
	Binary         string
	FPS            int
	Width          int
	Height         int
	DefaultSeconds float64
	WorkDir        string
}

// FFmpegSink renders a slideshow: one timeline WAV spanning every segment
// and an ffconcat image list with matching durations.
type FFmpegSink struct {
	opts   FFmpegOptions
	logger *slog.Logger
}

func NewFFmpegSink(opts FFmpegOptions, logger *slog.Logger) *FFmpegSink {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.FPS <= 0 {
		opts.FPS = 24
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1920, 1080
	}
	if opts.DefaultSeconds <= 0 {
		opts.DefaultSeconds = 5
	}
	return &FFmpegSink{opts: opts, logger: logger.With(slog.String("component", "ffmpeg-sink"))}
}

// Frame is one image held on screen.
type Frame struct {
	Path    string
	Seconds float64
}

func (s *FFmpegSink) Compose(ctx context.Context, segments []assembler.ComposedSegment, output string) error {
	if len(segments) == 0 {
		return &EncodingError{Output: output, Err: errors.New("no segments")}
	}
	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return &EncodingError{Output: output, Err: err}
	}

	audioPath := filepath.Join(s.opts.WorkDir, "timeline.wav")
	seconds, err := pcm.Concat(audioPath, s.audioPieces(segments))
	if err != nil {
		return &EncodingError{Output: output, Err: fmt.Errorf("build timeline audio: %w", err)}
	}

	blank := filepath.Join(s.opts.WorkDir, "blank.jpg")
	if err := writeBlankFrame(blank, s.opts.Width, s.opts.Height); err != nil {
		return &EncodingError{Output: output, Err: fmt.Errorf("write blank frame: %w", err)}
	}
	listPath := filepath.Join(s.opts.WorkDir, "frames.ffconcat")
	list, err := ConcatList(s.frames(segments, blank))
	if err != nil {
		return &EncodingError{Output: output, Err: err}
	}
	if err := os.WriteFile(listPath, []byte(list), 0o644); err != nil {
		return &EncodingError{Output: output, Err: err}
	}

	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &EncodingError{Output: output, Err: err}
		}
	}
	args := s.args(listPath, audioPath, output)
	s.logger.Info("encoding video",
		slog.String("output", output),
		slog.Int("segments", len(segments)),
		slog.Float64("seconds", seconds),
	)
	started := time.Now()
	cmd := exec.CommandContext(ctx, s.opts.Binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &EncodingError{Output: output, Err: fmt.Errorf("%w: %s", err, tail(string(out), 400))}
	}
	s.logger.Info("video encoded", slog.String("output", output), slog.Duration("elapsed", time.Since(started)))
	return nil
}

// audioPieces lays the narration of every segment end to end, filling
// segments without narration with silence of their on-screen length.
func (s *FFmpegSink) audioPieces(segments []assembler.ComposedSegment) []pcm.Piece {
	pieces := make([]pcm.Piece, 0, len(segments))
	for _, seg := range segments {
		if seg.AudioPath != "" {
			pieces = append(pieces, pcm.Piece{Path: seg.AudioPath})
			continue
		}
		pieces = append(pieces, pcm.Piece{Silence: segmentSeconds(seg, s.opts.DefaultSeconds)})
	}
	return pieces
}

func (s *FFmpegSink) frames(segments []assembler.ComposedSegment, blank string) []Frame {
	var frames []Frame
	for _, seg := range segments {
		if len(seg.Visuals) == 0 {
			frames = append(frames, Frame{Path: blank, Seconds: segmentSeconds(seg, s.opts.DefaultSeconds)})
			continue
		}
		for _, v := range seg.Visuals {
			frames = append(frames, Frame{Path: v.AssetID, Seconds: v.DurationSeconds})
		}
	}
	return frames
}

func (s *FFmpegSink) args(listPath, audioPath, output string) []string {
	w, h := strconv.Itoa(s.opts.Width), strconv.Itoa(s.opts.Height)
	filter := "scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease," +
		"pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2:color=black," +
		"fps=" + strconv.Itoa(s.opts.FPS) + ",format=yuv420p"
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-i", audioPath,
		"-vf", filter,
		"-c:v", "libx264", "-c:a", "aac",
		"-shortest",
		output,
	}
}

// ConcatList renders frames as an ffconcat script. The last file is listed
// twice so the demuxer honours its duration.
func ConcatList(frames []Frame) (string, error) {
	if len(frames) == 0 {
		return "", errors.New("no frames")
	}
	var sb strings.Builder
	sb.WriteString("ffconcat version 1.0\n")
	var last string
	for _, f := range frames {
		path, err := filepath.Abs(f.Path)
		if err != nil {
			return "", err
		}
		last = quote(path)
		fmt.Fprintf(&sb, "file %s\nduration %s\n", last, strconv.FormatFloat(f.Seconds, 'f', 3, 64))
	}
	fmt.Fprintf(&sb, "file %s\n", last)
	return sb.String(), nil
}

func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func writeBlankFrame(path string, width, height int) error {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 75}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
