package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"chat-gateway/apperrors"
	"chat-gateway/models"
	"chat-gateway/services"
	"chat-gateway/workflows"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Chat handles POST /chat. The last message must be the new user turn; any
// earlier messages seed the prompt of a conversation with no stored history.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}

	in, err := turnInput(principalOf(c).UserID, req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	sink := &sseSink{c: c, log: h.log}
	if _, err := h.orchestrator.Run(c.Request.Context(), in, sink); err != nil {
		_ = c.Error(err)
	}
}

func turnInput(userID string, req models.ChatRequest) (workflows.TurnInput, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role != services.RoleUser {
		return workflows.TurnInput{}, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation,
			"the last message must have role user", nil)
	}

	parts := last.Parts
	if len(parts) == 0 {
		parts = []models.Part{models.NewTextPart(last.Content)}
	}
	for i := range parts {
		parts[i].Index = i
	}

	prior := make([]services.PromptMessage, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		switch m.Role {
		case services.RoleUser, services.RoleAssistant, services.RoleSystem:
		default:
			return workflows.TurnInput{}, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation,
				fmt.Sprintf("unsupported message role %q", m.Role), nil)
		}
		if text := m.Text(); strings.TrimSpace(text) != "" {
			prior = append(prior, services.PromptMessage{Role: m.Role, Content: text})
		}
	}

	return workflows.TurnInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		UserParts:      parts,
		Context:        prior,
	}, nil
}

// sseSink writes turn events as server-sent events. Nothing is written
// until the first event, so a turn that fails before resolving its
// conversation still gets a plain JSON error with a matching status.
type sseSink struct {
	c       *gin.Context
	log     zerolog.Logger
	mu      sync.Mutex
	started bool
}

func (s *sseSink) ConversationResolved(ev models.ConversationEvent) error {
	return s.send(models.EventConversation, ev)
}

func (s *sseSink) Chunk(ev models.ChunkEvent) error {
	return s.send(models.EventChunk, ev)
}

func (s *sseSink) TurnPersisted(ev models.PersistedEvent) error {
	return s.send(models.EventPersisted, ev)
}

func (s *sseSink) TurnFailed(ev models.ErrorBody) error {
	ev.RequestID = requestIDOf(s.c)

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.c.AbortWithStatusJSON(apperrors.HTTPStatus(apperrors.Type(ev.Type)), models.ErrorResponse{Error: ev})
		return nil
	}
	return s.send(models.EventError, ev)
}

func (s *sseSink) send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("marshal SSE payload")
		return err
	}

	w := s.c.Writer
	if !s.started {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
