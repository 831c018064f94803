package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s ChunkStream) ([]Chunk, error) {
	t.Helper()
	defer s.Close()
	var out []Chunk
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func TestOpenAIProviderStreamsDeltas(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		deltas := []string{
			`{"reasoning_content":"weighing"}`,
			`{"content":"Hel"}`,
			`{"content":"lo"}`,
			`{}`,
		}
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":%s}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", server.URL+"/v1")
	stream, err := p.Stream(context.Background(), ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []PromptMessage{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{
		{Kind: models.ChunkReasoning, Text: "weighing"},
		{Kind: models.ChunkText, Text: "Hel"},
		{Kind: models.ChunkText, Text: "lo"},
	}, chunks)

	assert.Equal(t, "openai/gpt-4o-mini", got["model"])
	assert.Equal(t, true, got["stream"])
}

func TestOpenAIProviderErrorStatusIsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", server.URL+"/v1")
	_, err := p.Stream(context.Background(), ChatRequest{Model: "m", Messages: []PromptMessage{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.TypeUpstream))
	assert.Contains(t, err.Error(), "rate limited")
}
