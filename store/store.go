// Package store persists conversations and their multi-part messages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// NewConversation holds the fields needed to create a conversation.
type NewConversation struct {
	UserID   string
	Title    string
	Metadata json.RawMessage
}

// ConversationPatch updates the mutable fields of a conversation. Nil
// fields are left unchanged.
type ConversationPatch struct {
	Title    *string
	Metadata json.RawMessage
	Archived *bool
}

// NewMessage is a message to be appended. A zero CreatedAt means now.
type NewMessage struct {
	Role      models.Role
	Parts     []models.Part
	CreatedAt time.Time
}

// TurnRecord is a user turn and its assistant reply, committed together.
type TurnRecord struct {
	ConversationID uuid.UUID
	User           NewMessage
	Assistant      NewMessage
}

// NewTurn opens a turn record in the running state.
type NewTurn struct {
	ConversationID uuid.UUID
	UserID         string
	Model          string
	StartedAt      time.Time
}

// TurnOutcome closes a turn record. Status must be terminal.
type TurnOutcome struct {
	Status             models.TurnStatus
	ErrorType          string
	ErrorMessage       string
	Chunks             int
	AssistantMessageID *uuid.UUID
	CompletedAt        time.Time
}

// Store is the message part store and conversation aggregate reader.
type Store interface {
	CreateConversation(ctx context.Context, in NewConversation) (models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	LoadConversation(ctx context.Context, id uuid.UUID) (models.ConversationWithMessages, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, parts []models.Part) (models.Message, error)
	AppendTurn(ctx context.Context, turn TurnRecord) (models.Message, models.Message, error)
	UpdateConversation(ctx context.Context, id uuid.UUID, patch ConversationPatch) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	// Turn records, newest first when listed.
	StartTurn(ctx context.Context, in NewTurn) (models.Turn, error)
	FinishTurn(ctx context.Context, id uuid.UUID, out TurnOutcome) (models.Turn, error)
	ListTurns(ctx context.Context, conversationID uuid.UUID) ([]models.Turn, error)
}

// MergeParts merges per-kind part collections into one slice ordered by
// index.
func MergeParts(collections ...[]models.Part) []models.Part {
	total := 0
	for _, c := range collections {
		total += len(c)
	}
	merged := make([]models.Part, 0, total)
	for _, c := range collections {
		merged = append(merged, c...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Index < merged[j].Index
	})
	return merged
}

// indexParts copies parts assigning index = position.
func indexParts(parts []models.Part) []models.Part {
	out := make([]models.Part, len(parts))
	for i, p := range parts {
		p.Index = i
		out[i] = p
	}
	return out
}

func validateMessage(role models.Role, parts []models.Part) error {
	if !role.Valid() {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation,
			fmt.Sprintf("invalid role %q", role), nil)
	}
	if len(parts) == 0 {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation,
			"message requires at least one part", nil)
	}
	for i, p := range parts {
		p.Index = i
		if err := p.Validate(); err != nil {
			return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation, err.Error(), err)
		}
	}
	return nil
}

func validateTitle(title string) error {
	if title == "" {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation, "title is required", nil)
	}
	return nil
}

func validateMetadata(metadata json.RawMessage) error {
	if len(metadata) > 0 && !json.Valid(metadata) {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation, "metadata must be valid JSON", nil)
	}
	return nil
}

func notFound(what string, id uuid.UUID) error {
	return apperrors.New(apperrors.LayerStore, apperrors.TypeNotFound,
		fmt.Sprintf("%s %s not found", what, id), ErrNotFound)
}

// turnTimes fills missing turn timestamps and keeps the assistant strictly
// after the user turn.
func turnTimes(turn *TurnRecord, now time.Time) {
	if turn.User.CreatedAt.IsZero() {
		turn.User.CreatedAt = now
	}
	if turn.Assistant.CreatedAt.IsZero() {
		turn.Assistant.CreatedAt = now
	}
	if !turn.Assistant.CreatedAt.After(turn.User.CreatedAt) {
		turn.Assistant.CreatedAt = turn.User.CreatedAt.Add(time.Microsecond)
	}
}

func validateTurnOutcome(out TurnOutcome) error {
	if !out.Status.Terminal() {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation,
			fmt.Sprintf("turn cannot finish as %q", out.Status), nil)
	}
	if out.Chunks < 0 {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation, "chunk count must not be negative", nil)
	}
	return nil
}

func turnFinished(id uuid.UUID, status models.TurnStatus) error {
	return apperrors.New(apperrors.LayerStore, apperrors.TypeConflict,
		fmt.Sprintf("turn %s already %s", id, status), nil)
}

func persistenceError(msg string, err error) error {
	return apperrors.New(apperrors.LayerStore, apperrors.TypePersistence, msg, err)
}
