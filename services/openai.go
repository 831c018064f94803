package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams completions from any OpenAI compatible endpoint
// (OpenAI, OpenRouter, vLLM).
type OpenAIProvider struct {
	client *openai.Client
	name   string
}

// NewOpenAIProvider creates a provider for baseURL. An empty baseURL keeps
// the library default.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		name:   "openai",
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, upstreamError(p.name, "open stream", err)
	}
	return &openAIStream{stream: stream, provider: p.name}, nil
}

type openAIStream struct {
	stream   *openai.ChatCompletionStream
	provider string
	pending  []Chunk
}

func (s *openAIStream) Recv() (Chunk, error) {
	for len(s.pending) == 0 {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, upstreamError(s.provider, "receive chunk", err)
		}
		for _, choice := range response.Choices {
			if choice.Delta.ReasoningContent != "" {
				s.pending = append(s.pending, Chunk{Kind: models.ChunkReasoning, Text: choice.Delta.ReasoningContent})
			}
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, Chunk{Kind: models.ChunkText, Text: choice.Delta.Content})
			}
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// upstreamError classifies provider failures as UPSTREAM, or TIMEOUT when a
// deadline expired.
func upstreamError(provider, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.LayerProvider, apperrors.TypeTimeout,
			fmt.Sprintf("%s: %s timed out", provider, op), err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream,
			fmt.Sprintf("%s: %s: %s", provider, op, apiErr.Message), err)
	}
	return apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream,
		fmt.Sprintf("%s: %s failed", provider, op), err)
}
