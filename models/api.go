package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CreateConversationRequest is the body of conversation.create
type CreateConversationRequest struct {
	Title    string          `json:"title" binding:"required,max=200"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// RenameConversationRequest is the body of conversation.rename
type RenameConversationRequest struct {
	ID    uuid.UUID `json:"id" binding:"required"`
	Title string    `json:"title" binding:"required,max=200"`
}

// ArchiveConversationRequest is the body of conversation.archive
type ArchiveConversationRequest struct {
	ID       uuid.UUID `json:"id" binding:"required"`
	Archived *bool     `json:"archived" binding:"required"`
}

// DeleteConversationRequest is the body of conversation.delete
type DeleteConversationRequest struct {
	ID uuid.UUID `json:"id" binding:"required"`
}

// ChatMessage is one entry of the POST /chat message list, in the shape
// model providers expect.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Text returns Content, or the concatenated text parts when Content is empty.
func (m ChatMessage) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	return Message{Parts: m.Parts}.Text()
}

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	Model          string        `json:"model,omitempty"`
	Messages       []ChatMessage `json:"messages" binding:"required,min=1"`
}

// Stream event names sent on POST /chat.
const (
	EventConversation = "conversation"
	EventChunk        = "chunk"
	EventPersisted    = "persisted"
	EventError        = "error"
)

// ConversationEvent announces the conversation a turn belongs to.
type ConversationEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Title          string    `json:"title"`
	Created        bool      `json:"created"`
}

// ChunkKind tells text chunks from reasoning chunks.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
)

// ChunkEvent carries one streamed fragment of the assistant reply.
type ChunkEvent struct {
	Kind ChunkKind `json:"kind"`
	Text string    `json:"text"`
}

// PersistedEvent carries the durable records of a committed turn.
type PersistedEvent struct {
	ConversationID   uuid.UUID `json:"conversation_id"`
	UserMessage      Message   `json:"user_message"`
	AssistantMessage Message   `json:"assistant_message"`
}

// ErrorBody is the error payload of both HTTP error responses and the
// terminal error stream event.
type ErrorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse wraps ErrorBody for HTTP error responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
