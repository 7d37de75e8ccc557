package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

const stderrTail = 512

// ExecFormat is the PCM layout requested from, or reported by, an exec backend.
type ExecFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// ExecRequest is written as one JSON document to the command's stdin.
// Format is a hint; a backend that cannot honour it reports its own format
// on the response lines.
type ExecRequest struct {
	Text   string     `json:"text"`
	Voice  string     `json:"voice,omitempty"`
	Format ExecFormat `json:"format"`
}

// ExecLine is one JSON line on the command's stdout. A line without a format
// keeps the format of the line before it.
type ExecLine struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

// execSynth starts the command once per request.
type execSynth struct {
	argv []string
	hint ExecFormat
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{argv: argv, hint: ExecFormat{SampleRate: sampleRate, Channels: channels}}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	payload, err := json.Marshal(ExecRequest{Text: req.Text, Voice: req.Voice, Format: e.hint})
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.argv[0], err)
	}

	streamErr := e.stream(ctx, stdout, out)
	if streamErr != nil {
		// Unblock a backend still writing before waiting on it.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		if msg := lastLine(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", e.argv[0], waitErr, msg)
		}
		return fmt.Errorf("%s: %w", e.argv[0], waitErr)
	}
	return nil
}

func (e *execSynth) stream(ctx context.Context, r io.Reader, out chan<- SynthChunk) error {
	format := e.hint
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for seq := 0; scanner.Scan(); {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line ExecLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode tts line %d: %w", seq, err)
		}
		pcm, err := base64.StdEncoding.DecodeString(line.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts audio %d: %w", seq, err)
		}
		if line.SampleRate > 0 {
			format.SampleRate = line.SampleRate
		}
		if line.Channels > 0 {
			format.Channels = line.Channels
		}
		chunk := SynthChunk{
			Sequence:   seq,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			PCM:        pcm,
			Final:      line.Final,
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
		if line.Final {
			break
		}
	}
	return scanner.Err()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}
