package tts

import (
	"context"
	"strings"
	"time"
)

// MockSecondsPerWord sets the length of mock speech.
const MockSecondsPerWord = 0.4

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits silence whose length scales
// with the word count, enough to drive timing without a speech backend.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(5 * time.Millisecond):
		}
		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		frames := int(float64(words) * MockSecondsPerWord * float64(m.sampleRate))
		chunks <- SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, frames*m.channels*2),
			Final:      true,
		}
	}()
	return chunks, errs
}
