// Package client is a Go SDK for the chat gateway: the conversation
// procedures, the POST /chat stream, and a Session that reconciles
// optimistic local state with server confirmed records.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-gateway/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 4 * 1024 * 1024
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status int
	Body   models.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s: %s", e.Status, e.Body.Type, e.Body.Message)
}

// Event is one decoded POST /chat stream event. Exactly one payload field
// is set, matching Name.
type Event struct {
	Name         string
	Conversation *models.ConversationEvent
	Chunk        *models.ChunkEvent
	Persisted    *models.PersistedEvent
	Error        *models.ErrorBody
}

// Client calls the gateway over HTTP with a bearer token.
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL. No request timeout is set because
// chat streams are long lived; bound calls with their context.
func New(baseURL, token string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(token).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) CreateConversation(ctx context.Context, title string, metadata json.RawMessage) (models.Conversation, error) {
	var conv models.Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(models.CreateConversationRequest{Title: title, Metadata: metadata}).
		SetResult(&conv).
		Post("/rpc/conversation.create")
	if err := checkResponse(resp, err); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var list []models.ConversationSummary
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get("/rpc/conversation.listForUser")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return list, nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (c *Client) GetConversation(ctx context.Context, id uuid.UUID) (*models.ConversationWithMessages, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", id.String()).
		Get("/rpc/conversation.get")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" || body == "null" {
		return nil, nil
	}
	var conv models.ConversationWithMessages
	if err := json.Unmarshal(resp.Body(), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// StreamTurn submits a turn and calls fn for every stream event in order.
// It returns when the stream ends, ctx is done, or fn returns an error.
func (c *Client) StreamTurn(ctx context.Context, req models.ChatRequest, fn func(Event) error) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/chat")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	if body == nil {
		return fmt.Errorf("chat stream: empty response body")
	}
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		raw, _ := io.ReadAll(body)
		return decodeAPIError(resp.StatusCode(), raw)
	}
	return readEvents(body, fn)
}

func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				ev, err := decodeEvent(name, data.String())
				if err != nil {
					return err
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func decodeEvent(name, data string) (Event, error) {
	ev := Event{Name: name}
	var target any
	switch name {
	case models.EventConversation:
		ev.Conversation = &models.ConversationEvent{}
		target = ev.Conversation
	case models.EventChunk:
		ev.Chunk = &models.ChunkEvent{}
		target = ev.Chunk
	case models.EventPersisted:
		ev.Persisted = &models.PersistedEvent{}
		target = ev.Persisted
	case models.EventError:
		ev.Error = &models.ErrorBody{}
		target = ev.Error
	default:
		return Event{}, fmt.Errorf("unknown stream event %q", name)
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", name, err)
	}
	return ev, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	apiErr := &APIError{Status: status}
	var body models.ErrorResponse
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Body = body.Error
	}
	return apiErr
}
