package audiocache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reel/internal/retry"
	"github.com/loqalabs/loqa-reel/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSynth struct {
	inner tts.Synthesizer
	calls atomic.Int32
}

func (c *countingSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	c.calls.Add(1)
	return c.inner.Synthesize(ctx, req)
}

type failingSynth struct{ calls atomic.Int32 }

func (f *failingSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	f.calls.Add(1)
	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	errs <- errors.New("voice service unavailable")
	close(chunks)
	close(errs)
	return chunks, errs
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fastRetry = Options{Retry: retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}

func newCache(t *testing.T, dir string, synth tts.Synthesizer) *Cache {
	t.Helper()
	c, err := New(dir, synth, fastRetry, testLogger())
	require.NoError(t, err)
	return c
}

func TestResolveSynthesizesOnce(t *testing.T) {
	synth := &countingSynth{inner: tts.NewMockSynth(1000, 1)}
	c := newCache(t, t.TempDir(), synth)

	first, err := c.Resolve(context.Background(), "Hello, world!", "")
	require.NoError(t, err)
	second, err := c.Resolve(context.Background(), "Hello world", "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), synth.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, "Hello_world_", first.Key)
	assert.InDelta(t, 0.8, first.Duration, 0.001)
	assert.FileExists(t, first.Path)
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	synth := &countingSynth{inner: tts.NewMockSynth(1000, 1)}
	c := newCache(t, t.TempDir(), synth)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), "same narration", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), synth.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestWarmRestartSkipsSynthesis(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, tts.NewMockSynth(1000, 1))
	clip, err := c.Resolve(context.Background(), "persisted words here", "")
	require.NoError(t, err)

	synth := &countingSynth{inner: tts.NewMockSynth(1000, 1)}
	warm := newCache(t, dir, synth)
	assert.Equal(t, 1, warm.Len())

	again, err := warm.Resolve(context.Background(), "persisted words here", "")
	require.NoError(t, err)
	assert.Equal(t, int32(0), synth.calls.Load())
	assert.Equal(t, clip.Path, again.Path)
	assert.InDelta(t, clip.Duration, again.Duration, 0.0001)
}

func TestLoadSkipsUnreadableArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.wav"), []byte("not audio"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	c := newCache(t, dir, tts.NewMockSynth(1000, 1))
	assert.Equal(t, 0, c.Len())
}

func TestResolvePropagatesSynthesisFailure(t *testing.T) {
	synth := &failingSynth{}
	c := newCache(t, t.TempDir(), synth)

	_, err := c.Resolve(context.Background(), "doomed", "")
	var synthErr *tts.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.ErrorContains(t, err, "voice service unavailable")
	assert.Equal(t, int32(2), synth.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestResolveRejectsEmptyText(t *testing.T) {
	c := newCache(t, t.TempDir(), tts.NewMockSynth(1000, 1))
	_, err := c.Resolve(context.Background(), "  \n", "")
	assert.Error(t, err)
}

func TestVoicesDoNotShareArtifacts(t *testing.T) {
	synth := &countingSynth{inner: tts.NewMockSynth(1000, 1)}
	c := newCache(t, t.TempDir(), synth)

	plain, err := c.Resolve(context.Background(), "Hi there", "")
	require.NoError(t, err)
	voiced, err := c.Resolve(context.Background(), "Hi there", "en-GB")
	require.NoError(t, err)

	assert.NotEqual(t, plain.Path, voiced.Path)
	assert.Equal(t, "en_GB__Hi_there", voiced.Key)
	assert.Equal(t, int32(2), synth.calls.Load())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "Hello_world_", Key("Hello, world!", ""))
	assert.Equal(t, Key("Hello, world!", ""), Key("Hello   world?", ""))
	assert.Equal(t, "café_naïve", Key("café naïve", ""))
	assert.Equal(t, "bob__hi", Key("hi", "bob"))
	assert.Equal(t, "bob__hi", Key("hi", "bob!"))
	assert.NotEqual(t, Key("b", "a!"), Key("!b", "a"))

	long := strings.Repeat("word ", 80)
	key := Key(long, "")
	assert.LessOrEqual(t, len(key), maxKeyBytes)
	assert.NotEqual(t, key, Key(long+"tail", ""))
	assert.Equal(t, key, Key(long, ""))
}

type voiceRecorder struct {
	inner  tts.Synthesizer
	mu     sync.Mutex
	voices []string
}

func (v *voiceRecorder) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	v.mu.Lock()
	v.voices = append(v.voices, req.Voice)
	v.mu.Unlock()
	return v.inner.Synthesize(ctx, req)
}

func TestDefaultVoiceIsSentToBackend(t *testing.T) {
	synth := &voiceRecorder{inner: tts.NewMockSynth(1000, 1)}
	opts := fastRetry
	opts.DefaultVoice = "en-US"
	c, err := New(t.TempDir(), synth, opts, testLogger())
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "plain", "")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "styled", "en-GB-Wavenet-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"en-US", "en-GB-Wavenet-B"}, synth.voices)
}
