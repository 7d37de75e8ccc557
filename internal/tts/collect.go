package tts

import (
	"context"
	"errors"
	"fmt"
)

// Audio is a fully collected synthesis result.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Collect drains a synthesis stream into one PCM buffer. Any backend error,
// a chunk whose format differs from the first, or a stream that produced no
// audio is returned as a *SynthesisError.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	chunks, errs := synth.Synthesize(ctx, req)

	var out Audio
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if out.SampleRate == 0 {
				out.SampleRate = chunk.SampleRate
				out.Channels = chunk.Channels
			} else if synthErr == nil && (chunk.SampleRate != out.SampleRate || chunk.Channels != out.Channels) {
				// Keep draining so the backend is not left blocked on send.
				synthErr = fmt.Errorf("chunk %d changed format from %d Hz/%d ch to %d Hz/%d ch",
					chunk.Sequence, out.SampleRate, out.Channels, chunk.SampleRate, chunk.Channels)
			}
			out.PCM = append(out.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return Audio{}, &SynthesisError{Text: req.Text, Err: ctx.Err()}
		}
	}

	if synthErr != nil {
		return Audio{}, &SynthesisError{Text: req.Text, Err: synthErr}
	}
	if len(out.PCM) == 0 || out.SampleRate <= 0 || out.Channels <= 0 {
		return Audio{}, &SynthesisError{Text: req.Text, Err: errors.New("backend produced no audio")}
	}
	return out, nil
}
