package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-gateway/apperrors"
	"chat-gateway/auth"
	"chat-gateway/config"
	"chat-gateway/handlers"
	"chat-gateway/models"
	"chat-gateway/services/servicestest"
	"chat-gateway/store"
	"chat-gateway/workflows"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenValidator map[string]string

func (v tokenValidator) Validate(_ context.Context, token string) (auth.Principal, error) {
	if id, ok := v[token]; ok {
		return auth.Principal{UserID: id}, nil
	}
	return auth.Principal{}, apperrors.New(apperrors.LayerAuth, apperrors.TypeUnauthorized, "invalid token", nil)
}

func newGateway(t *testing.T, provider *servicestest.Provider) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	orch := workflows.NewTurnOrchestrator(st, nil, provider, nil, nil, workflows.TurnConfig{
		DefaultModel:      "openai/gpt-4o-mini",
		StreamTimeout:     time.Second,
		TurnTimeout:       2 * time.Second,
		PartialTurnPolicy: config.PartialTurnIncomplete,
	}, zerolog.Nop())
	h := handlers.NewChatHandler(st, nil, orch, zerolog.Nop())
	router := handlers.NewRouter(h, tokenValidator{"tok": "alice", "other": "bob"}, handlers.RouterOptions{}, zerolog.Nop())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientProcedures(t *testing.T) {
	srv := newGateway(t, &servicestest.Provider{})
	c := New(srv.URL, "tok")
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "Groceries", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.UserID)

	list, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)

	got, err := c.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Groceries", got.Title)

	missing, err := c.GetConversation(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = New(srv.URL, "other").GetConversation(ctx, conv.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "FORBIDDEN", apiErr.Body.Type)

	_, err = New(srv.URL, "bad").ListConversations(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClientStreamTurn(t *testing.T) {
	srv := newGateway(t, &servicestest.Provider{Chunks: servicestest.TextChunks("4", "2")})
	c := New(srv.URL, "tok")

	var names []string
	var persisted *models.PersistedEvent
	err := c.StreamTurn(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "answer?"}},
	}, func(ev Event) error {
		names = append(names, ev.Name)
		if ev.Persisted != nil {
			persisted = ev.Persisted
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"conversation", "chunk", "chunk", "persisted"}, names)
	require.NotNil(t, persisted)
	assert.Equal(t, "42", persisted.AssistantMessage.Text())
}

func TestClientStreamTurnHTTPError(t *testing.T) {
	srv := newGateway(t, &servicestest.Provider{})
	err := New(srv.URL, "tok").StreamTurn(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "assistant", Content: "not a user turn"}},
	}, func(Event) error { return nil })

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "VALIDATION", apiErr.Body.Type)
}

func TestReadEvents(t *testing.T) {
	body := ": keep-alive\n\n" +
		"event: chunk\ndata: {\"kind\":\"text\",\"text\":\"a\"}\n\n" +
		"event: error\ndata: {\"type\":\"UPSTREAM\",\"message\":\"boom\"}\n\n"

	var events []Event
	require.NoError(t, readEvents(strings.NewReader(body), func(ev Event) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Chunk.Text)
	assert.Equal(t, "UPSTREAM", events[1].Error.Type)

	stop := errors.New("stop")
	err := readEvents(strings.NewReader(body), func(Event) error { return stop })
	assert.ErrorIs(t, err, stop)

	err = readEvents(strings.NewReader("event: mystery\ndata: {}\n\n"), func(Event) error { return nil })
	assert.Error(t, err)
}
