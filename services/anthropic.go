package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/go-resty/resty/v2"
)

const (
	anthropicVersion      = "2023-06-01"
	anthropicMessagesPath = "/v1/messages"
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultMaxTokens      = 4096
	sseDataPrefix         = "data:"
	scannerMaxBuffer      = 10 * 1024 * 1024
)

// AnthropicProvider streams completions from the Anthropic Messages API
type AnthropicProvider struct {
	client *resty.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	return &AnthropicProvider{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "text/event-stream").
			SetHeader("x-api-key", apiKey).
			SetHeader("anthropic-version", anthropicVersion),
	}
}

// AnthropicMessage represents a message in the Anthropic API format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicRequest represents a streaming request to the Anthropic API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []AnthropicMessage `json:"messages"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

// anthropicEvent covers the stream events this provider reads.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	body := AnthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, AnthropicMessage{Role: m.Role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(anthropicMessagesPath)
	if err != nil {
		return nil, upstreamError(p.Name(), "open stream", err)
	}

	raw := resp.RawBody()
	if resp.IsError() {
		defer raw.Close()
		payload, _ := io.ReadAll(io.LimitReader(raw, 64*1024))
		return nil, apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream,
			fmt.Sprintf("anthropic: status %d: %s", resp.StatusCode(), anthropicErrorMessage(payload)), nil)
	}

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxBuffer)
	return &anthropicStream{body: raw, scanner: scanner}, nil
}

func anthropicErrorMessage(payload []byte) string {
	var ev anthropicEvent
	if err := json.Unmarshal(payload, &ev); err == nil && ev.Error != nil {
		return ev.Error.Message
	}
	return strings.TrimSpace(string(payload))
}

// anthropicStream reads server-sent events from the response body.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, sseDataPrefix)
		if !ok {
			// event names, comments and blank separators
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					return Chunk{Kind: models.ChunkText, Text: ev.Delta.Text}, nil
				}
			case "thinking_delta":
				if ev.Delta.Thinking != "" {
					return Chunk{Kind: models.ChunkReasoning, Text: ev.Delta.Thinking}, nil
				}
			}
		case "message_stop":
			s.done = true
			return Chunk{}, io.EOF
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			return Chunk{}, apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream, "anthropic: "+msg, nil)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, upstreamError("anthropic", "read stream", err)
	}
	// The body ended without message_stop.
	return Chunk{}, apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream,
		"anthropic: stream ended before message_stop", io.ErrUnexpectedEOF)
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}
