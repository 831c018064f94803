package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"chat-gateway/models"

	"github.com/google/uuid"
)

// MemoryStore is a map backed Store used for local development and tests.
// It keeps the ordering and all-or-nothing semantics of PostgresStore.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]models.Conversation
	messages      map[uuid.UUID][]models.Message
	turns         map[uuid.UUID]models.Turn
	now           func() time.Time

	// beforePartInsert lets tests fail an individual part insert.
	beforePartInsert func(models.Part) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]models.Conversation),
		messages:      make(map[uuid.UUID][]models.Message),
		turns:         make(map[uuid.UUID]models.Turn),
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, in NewConversation) (models.Conversation, error) {
	if err := validateTitle(in.Title); err != nil {
		return models.Conversation{}, err
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return models.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := models.Conversation{
		ID:        uuid.New(),
		UserID:    in.UserID,
		Title:     in.Title,
		Metadata:  cloneRaw(in.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, notFound("conversation", id)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ConversationSummary, 0)
	for id, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		out = append(out, models.ConversationSummary{
			Conversation: cloneConversation(conv),
			MessageCount: len(s.messages[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) LoadConversation(_ context.Context, id uuid.UUID) (models.ConversationWithMessages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return models.ConversationWithMessages{}, notFound("conversation", id)
	}

	stored := s.messages[id]
	msgs := make([]models.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		msg := cloneMessage(stored[i])
		msg.Parts = MergeParts(msg.Parts)
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})

	return models.ConversationWithMessages{
		Conversation: cloneConversation(conv),
		Messages:     msgs,
	}, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID uuid.UUID, role models.Role, parts []models.Part) (models.Message, error) {
	if err := validateMessage(role, parts); err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return models.Message{}, notFound("conversation", conversationID)
	}

	msg, err := s.stageMessage(conversationID, NewMessage{Role: role, Parts: parts, CreatedAt: s.now()})
	if err != nil {
		return models.Message{}, err
	}
	s.commit(conversationID, msg)
	return cloneMessage(msg), nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, turn TurnRecord) (models.Message, models.Message, error) {
	if err := validateMessage(turn.User.Role, turn.User.Parts); err != nil {
		return models.Message{}, models.Message{}, err
	}
	if err := validateMessage(turn.Assistant.Role, turn.Assistant.Parts); err != nil {
		return models.Message{}, models.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[turn.ConversationID]; !ok {
		return models.Message{}, models.Message{}, notFound("conversation", turn.ConversationID)
	}
	turnTimes(&turn, s.now())

	userMsg, err := s.stageMessage(turn.ConversationID, turn.User)
	if err != nil {
		return models.Message{}, models.Message{}, err
	}
	aiMsg, err := s.stageMessage(turn.ConversationID, turn.Assistant)
	if err != nil {
		return models.Message{}, models.Message{}, err
	}

	s.commit(turn.ConversationID, userMsg, aiMsg)
	return cloneMessage(userMsg), cloneMessage(aiMsg), nil
}

// stageMessage builds a message without touching shared state.
func (s *MemoryStore) stageMessage(conversationID uuid.UUID, in NewMessage) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           in.Role,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.CreatedAt,
	}
	for _, p := range indexParts(in.Parts) {
		if s.beforePartInsert != nil {
			if err := s.beforePartInsert(p); err != nil {
				return models.Message{}, persistenceError("insert "+string(p.Type)+" part", err)
			}
		}
		msg.Parts = append(msg.Parts, clonePart(p))
	}
	return msg, nil
}

func (s *MemoryStore) commit(conversationID uuid.UUID, msgs ...models.Message) {
	conv := s.conversations[conversationID]
	for _, m := range msgs {
		s.messages[conversationID] = append(s.messages[conversationID], m)
		if m.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.CreatedAt
		}
	}
	s.conversations[conversationID] = conv
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id uuid.UUID, patch ConversationPatch) (models.Conversation, error) {
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := validateMetadata(patch.Metadata); err != nil {
		return models.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, notFound("conversation", id)
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.Metadata != nil {
		conv.Metadata = cloneRaw(patch.Metadata)
	}
	if patch.Archived != nil {
		conv.Archived = *patch.Archived
	}
	conv.UpdatedAt = s.now()
	s.conversations[id] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return notFound("conversation", id)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	for turnID, turn := range s.turns {
		if turn.ConversationID == id {
			delete(s.turns, turnID)
		}
	}
	return nil
}

func (s *MemoryStore) StartTurn(_ context.Context, in NewTurn) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[in.ConversationID]; !ok {
		return models.Turn{}, notFound("conversation", in.ConversationID)
	}
	started := in.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	turn := models.Turn{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Model:          in.Model,
		Status:         models.TurnRunning,
		StartedAt:      started,
	}
	s.turns[turn.ID] = turn
	return cloneTurn(turn), nil
}

func (s *MemoryStore) FinishTurn(_ context.Context, id uuid.UUID, out TurnOutcome) (models.Turn, error) {
	if err := validateTurnOutcome(out); err != nil {
		return models.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[id]
	if !ok {
		return models.Turn{}, notFound("turn", id)
	}
	if turn.Status != models.TurnRunning {
		return models.Turn{}, turnFinished(id, turn.Status)
	}
	completed := out.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	turn.Status = out.Status
	turn.ErrorType = out.ErrorType
	turn.ErrorMessage = out.ErrorMessage
	turn.Chunks = out.Chunks
	if out.AssistantMessageID != nil {
		msgID := *out.AssistantMessageID
		turn.AssistantMessageID = &msgID
	}
	turn.CompletedAt = &completed
	s.turns[id] = turn
	return cloneTurn(turn), nil
}

func (s *MemoryStore) ListTurns(_ context.Context, conversationID uuid.UUID) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, notFound("conversation", conversationID)
	}
	out := make([]models.Turn, 0)
	for _, turn := range s.turns {
		if turn.ConversationID == conversationID {
			out = append(out, cloneTurn(turn))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTurn(t models.Turn) models.Turn {
	if t.AssistantMessageID != nil {
		id := *t.AssistantMessageID
		t.AssistantMessageID = &id
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Metadata = cloneRaw(c.Metadata)
	return c
}

func cloneMessage(m models.Message) models.Message {
	parts := make([]models.Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = clonePart(p)
	}
	m.Parts = parts
	return m
}

func clonePart(p models.Part) models.Part {
	switch {
	case p.Text != nil:
		v := *p.Text
		p.Text = &v
	case p.Reasoning != nil:
		v := *p.Reasoning
		v.ProviderMetadata = cloneRaw(v.ProviderMetadata)
		p.Reasoning = &v
	case p.Tool != nil:
		v := *p.Tool
		v.Input = cloneRaw(v.Input)
		v.Output = cloneRaw(v.Output)
		p.Tool = &v
	case p.SourceURL != nil:
		v := *p.SourceURL
		v.ProviderMetadata = cloneRaw(v.ProviderMetadata)
		p.SourceURL = &v
	case p.File != nil:
		v := *p.File
		p.File = &v
	}
	return p
}
