package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tiny", req.Model)
		assert.Equal(t, 16, req.Options.NumPredict)
		fmt.Fprintln(w, `{"response":"otters, ","done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"response":"rivers","done":true,"eval_count":3,"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "tiny")
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 16}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Partial)
	assert.False(t, chunks[1].Partial)
	assert.Equal(t, 3, chunks[1].CompletionTokens)
	assert.Equal(t, 9, chunks[1].PromptTokens)
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "p"})
	assert.ErrorContains(t, err, "502")
}

func TestCompleteJoinsChunks(t *testing.T) {
	out, err := Complete(context.Background(), NewMockGenerator("alpha, beta"), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "alpha, beta", out)

	echo, err := Complete(context.Background(), NewMockGenerator(""), Request{Prompt: " hello "})
	require.NoError(t, err)
	assert.Equal(t, "[mock completion for hello]", echo)
}

func TestMockGeneratorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Complete(ctx, NewMockGenerator("x"), Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig(t *testing.T) {
	gen, err := FromConfig(config.LLMConfig{Mode: "ollama", Endpoint: "http://localhost:11434", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &ollamaGenerator{}, gen)

	_, err = FromConfig(config.LLMConfig{Mode: "exec", Command: ""})
	assert.Error(t, err)

	_, err = FromConfig(config.LLMConfig{Mode: "oracle"})
	assert.Error(t, err)
}

func TestRequestFromConfig(t *testing.T) {
	req := RequestFromConfig(config.LLMConfig{MaxTokens: 32, Temperature: 0.1}, "sys", "prompt")
	assert.Equal(t, Request{Prompt: "prompt", System: "sys", MaxTokens: 32, Temperature: 0.1}, req)
}
