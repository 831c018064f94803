package services

import (
	"context"
	"strings"

	"chat-gateway/apperrors"
	"chat-gateway/models"
)

// Provider roles as sent to model APIs.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PromptMessage is one turn of the prompt sent to a provider.
type PromptMessage struct {
	Role    string
	Content string
}

// ChatRequest is a provider agnostic streaming completion request.
type ChatRequest struct {
	Model       string
	Messages    []PromptMessage
	MaxTokens   int
	Temperature float32
}

// Chunk is one streamed fragment of the assistant reply.
type Chunk struct {
	Kind models.ChunkKind
	Text string
}

// ChunkStream is a lazy, finite, non-restartable sequence of chunks. Recv
// returns io.EOF once the provider finished cleanly.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens streaming completions against a model API.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req ChatRequest) (ChunkStream, error)
}

// PromptFromMessages converts stored messages, oldest first, to prompt turns.
// Only text parts are forwarded.
func PromptFromMessages(msgs []models.Message) []PromptMessage {
	out := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		role := RoleUser
		if m.Role == models.RoleAI {
			role = RoleAssistant
		}
		out = append(out, PromptMessage{Role: role, Content: text})
	}
	return out
}

// Router picks a provider by model id prefix.
type Router struct {
	fallback Provider
	prefixed map[string]Provider
}

// NewRouter creates a Router that sends every model to fallback unless a
// more specific prefix was registered.
func NewRouter(fallback Provider) *Router {
	return &Router{fallback: fallback, prefixed: make(map[string]Provider)}
}

// Handle routes models starting with prefix to p.
func (r *Router) Handle(prefix string, p Provider) *Router {
	r.prefixed[prefix] = p
	return r
}

func (r *Router) Name() string { return "router" }

// Resolve returns the provider for model and the model id it expects.
func (r *Router) Resolve(model string) (Provider, string, error) {
	best := ""
	for prefix := range r.prefixed {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.prefixed[best], strings.TrimPrefix(model, best), nil
	}
	if r.fallback == nil {
		return nil, "", apperrors.New(apperrors.LayerProvider, apperrors.TypeValidation,
			"no provider configured for model "+model, nil)
	}
	return r.fallback, model, nil
}

func (r *Router) Stream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	p, model, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model
	return p.Stream(ctx, req)
}

// ProviderName reports the name of the provider that serves model, looking
// through routers.
func ProviderName(p Provider, model string) string {
	for p != nil {
		r, ok := p.(*Router)
		if !ok {
			return p.Name()
		}
		next, resolved, err := r.Resolve(model)
		if err != nil {
			return r.Name()
		}
		p, model = next, resolved
	}
	return ""
}
