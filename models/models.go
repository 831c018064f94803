package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHuman || r == RoleAI
}

// Conversation represents a chat conversation owned by a single user
type Conversation struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConversationSummary is a list entry for conversation.listForUser
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"message_count"`
}

// ConversationWithMessages is the conversation aggregate. Messages are
// newest first, parts inside each message are ordered by index.
type ConversationWithMessages struct {
	Conversation
	Messages []Message `json:"messages"`
}

// Message represents a message in a conversation
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Text concatenates the text parts of the message in index order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != nil {
			b.WriteString(p.Text.Text)
		}
	}
	return b.String()
}

// Incomplete reports whether any text part was cut short.
func (m Message) Incomplete() bool {
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != nil && p.Text.State == StateIncomplete {
			return true
		}
	}
	return false
}

// TurnStatus is the lifecycle status of a recorded turn.
type TurnStatus string

const (
	TurnRunning    TurnStatus = "running"
	TurnCompleted  TurnStatus = "completed"
	TurnIncomplete TurnStatus = "incomplete"
	TurnFailed     TurnStatus = "failed"
	TurnCancelled  TurnStatus = "cancelled"
)

// Terminal reports whether s ends a turn.
func (s TurnStatus) Terminal() bool {
	switch s {
	case TurnCompleted, TurnIncomplete, TurnFailed, TurnCancelled:
		return true
	}
	return false
}

// Turn records one run of the chat flow against a conversation, including
// runs that streamed but were never saved.
type Turn struct {
	ID                 uuid.UUID  `json:"id"`
	ConversationID     uuid.UUID  `json:"conversation_id"`
	UserID             string     `json:"user_id"`
	Model              string     `json:"model"`
	Status             TurnStatus `json:"status"`
	ErrorType          string     `json:"error_type,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	Chunks             int        `json:"chunks"`
	AssistantMessageID *uuid.UUID `json:"assistant_message_id,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}
