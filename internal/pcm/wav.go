// Package pcm reads, writes and joins 16-bit PCM WAV artifacts.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Format describes the layout of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is used for silence when no real audio fixes the layout.
var DefaultFormat = Format{SampleRate: 22050, Channels: 1}

// Piece is one entry of a concatenation: either a WAV file or a stretch of silence.
type Piece struct {
	Path    string
	Silence float64
}

// WriteWAV encodes little-endian 16-bit PCM into a WAV file at path.
func WriteWAV(path string, pcm []byte, format Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return writeBuffer(path, samples, format)
}

// Duration measures the playing time of a WAV file in seconds.
func Duration(path string) (float64, error) {
	buf, err := readBuffer(path)
	if err != nil {
		return 0, err
	}
	return bufferSeconds(buf), nil
}

// Concat joins pieces in order into dst and returns the total duration in
// seconds. The first file fixes the output format and later files are
// converted to it; silence uses that format, or DefaultFormat when there is
// no file at all.
func Concat(dst string, pieces []Piece) (float64, error) {
	if len(pieces) == 0 {
		return 0, errors.New("nothing to concatenate")
	}

	buffers := make([]*audio.IntBuffer, len(pieces))
	var format *Format
	for i, piece := range pieces {
		if piece.Path == "" {
			continue
		}
		buf, err := readBuffer(piece.Path)
		if err != nil {
			return 0, err
		}
		f := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
		if format == nil {
			format = &f
		} else if f != *format {
			buf.Data = Convert(buf.Data, f, *format)
		}
		buffers[i] = buf
	}
	if format == nil {
		format = &DefaultFormat
	}

	var samples []int
	for i, piece := range pieces {
		if buffers[i] != nil {
			samples = append(samples, buffers[i].Data...)
			continue
		}
		samples = append(samples, silence(piece.Silence, *format)...)
	}

	if err := writeBuffer(dst, samples, *format); err != nil {
		return 0, err
	}
	frames := len(samples) / format.Channels
	return float64(frames) / float64(format.SampleRate), nil
}

// Convert maps interleaved samples from one format to another. Channels are
// averaged down to mono, duplicated up from mono, and otherwise picked
// round-robin; the rate changes by linear interpolation.
func Convert(samples []int, from, to Format) []int {
	if from == to || from.Channels <= 0 || from.SampleRate <= 0 {
		return samples
	}
	frames := len(samples) / from.Channels
	mixed := remix(samples[:frames*from.Channels], from.Channels, to.Channels)
	return resample(mixed, to.Channels, from.SampleRate, to.SampleRate)
}

func remix(samples []int, from, to int) []int {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int, frames*to)
	for i := 0; i < frames; i++ {
		frame := samples[i*from : (i+1)*from]
		for c := 0; c < to; c++ {
			switch {
			case to == 1:
				sum := 0
				for _, v := range frame {
					sum += v
				}
				out[i] = sum / from
			case from == 1:
				out[i*to+c] = frame[0]
			default:
				out[i*to+c] = frame[c%from]
			}
		}
	}
	return out
}

func resample(samples []int, channels, from, to int) []int {
	if from == to || len(samples) == 0 {
		return samples
	}
	frames := len(samples) / channels
	outFrames := int(math.Round(float64(frames) * float64(to) / float64(from)))
	out := make([]int, outFrames*channels)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= frames-1 {
			j, pos = frames-1, float64(frames-1)
		}
		frac := pos - float64(j)
		next := min(j+1, frames-1)
		for c := 0; c < channels; c++ {
			a := float64(samples[j*channels+c])
			b := float64(samples[next*channels+c])
			out[i*channels+c] = int(math.Round(a + (b-a)*frac))
		}
	}
	return out
}

func silence(seconds float64, format Format) []int {
	if seconds <= 0 {
		return nil
	}
	frames := int(math.Round(seconds * float64(format.SampleRate)))
	return make([]int, frames*format.Channels)
}

func readBuffer(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%s has no usable format", path)
	}
	return buf, nil
}

func bufferSeconds(buf *audio.IntBuffer) float64 {
	frames := len(buf.Data) / buf.Format.NumChannels
	return float64(frames) / float64(buf.Format.SampleRate)
}

// writeBuffer encodes into a temp file next to path and renames it into place.
func writeBuffer(path string, samples []int, format Format) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audio dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pcm_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(tmp, format.SampleRate, bitDepth, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		tmp.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
