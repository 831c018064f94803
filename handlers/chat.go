package handlers

import (
	"net/http"
	"strings"

	"chat-gateway/apperrors"
	"chat-gateway/models"
	"chat-gateway/store"
	"chat-gateway/workflows"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChatHandler serves the conversation procedures and the chat stream.
type ChatHandler struct {
	store        store.Store
	committer    workflows.Committer
	orchestrator *workflows.TurnOrchestrator
	log          zerolog.Logger
}

// NewChatHandler creates a new chat handler. Writes go through committer so
// they run as durable workflows when DBOS is enabled.
func NewChatHandler(st store.Store, committer workflows.Committer, orchestrator *workflows.TurnOrchestrator, log zerolog.Logger) *ChatHandler {
	if committer == nil {
		committer = workflows.DirectCommitter{Store: st}
	}
	return &ChatHandler{
		store:        st,
		committer:    committer,
		orchestrator: orchestrator,
		log:          log.With().Str("component", "chat_handler").Logger(),
	}
}

// CreateConversation handles conversation.create
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		abortWithError(c, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation, "title must not be blank", nil))
		return
	}

	conv, err := h.committer.CreateConversation(c.Request.Context(), store.NewConversation{
		UserID:   principalOf(c).UserID,
		Title:    title,
		Metadata: req.Metadata,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations handles conversation.listForUser
func (h *ChatHandler) ListConversations(c *gin.Context) {
	list, err := h.store.ListConversations(c.Request.Context(), principalOf(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, list)
}

// GetConversation handles conversation.get. A missing conversation is a
// null body, not an error.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	id, err := uuid.Parse(c.Query("id"))
	if err != nil {
		abortWithError(c, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation, "invalid conversation id", err))
		return
	}

	conv, err := h.store.LoadConversation(c.Request.Context(), id)
	if apperrors.Is(err, apperrors.TypeNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	if conv.UserID != principalOf(c).UserID {
		abortWithError(c, errNotOwner())
		return
	}
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}
	c.JSON(http.StatusOK, conv)
}

// ListTurns handles conversation.listTurns, newest first.
func (h *ChatHandler) ListTurns(c *gin.Context) {
	id, err := uuid.Parse(c.Query("id"))
	if err != nil {
		abortWithError(c, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation, "invalid conversation id", err))
		return
	}
	if err := h.authorize(c, id); err != nil {
		abortWithError(c, err)
		return
	}
	turns, err := h.store.ListTurns(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, turns)
}

// RenameConversation handles conversation.rename
func (h *ChatHandler) RenameConversation(c *gin.Context) {
	var req models.RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		abortWithError(c, apperrors.New(apperrors.LayerHandler, apperrors.TypeValidation, "title must not be blank", nil))
		return
	}
	h.update(c, req.ID, store.ConversationPatch{Title: &title})
}

// ArchiveConversation handles conversation.archive
func (h *ChatHandler) ArchiveConversation(c *gin.Context) {
	var req models.ArchiveConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	h.update(c, req.ID, store.ConversationPatch{Archived: req.Archived})
}

func (h *ChatHandler) update(c *gin.Context, id uuid.UUID, patch store.ConversationPatch) {
	if err := h.authorize(c, id); err != nil {
		abortWithError(c, err)
		return
	}
	conv, err := h.store.UpdateConversation(c.Request.Context(), id, patch)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation handles conversation.delete. Messages and parts go
// with the conversation.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	var req models.DeleteConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	if err := h.authorize(c, req.ID); err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.committer.DeleteConversation(c.Request.Context(), req.ID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": req.ID, "deleted": true})
}

// authorize fails unless the caller owns conversation id.
func (h *ChatHandler) authorize(c *gin.Context, id uuid.UUID) error {
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		return err
	}
	if conv.UserID != principalOf(c).UserID {
		return errNotOwner()
	}
	return nil
}

func errNotOwner() error {
	return apperrors.New(apperrors.LayerHandler, apperrors.TypeForbidden, "conversation belongs to another user", nil)
}
