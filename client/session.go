package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chat-gateway/models"

	"github.com/google/uuid"
)

// ErrTurnInFlight is returned by Submit while the previous turn runs.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// Status is the reconciliation state of a session entry.
type Status string

const (
	// StatusPending is an optimistic user message not yet confirmed.
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Entry is one message as the session currently sees it. Optimistic
// entries carry a local id until the server record replaces them.
type Entry struct {
	Message models.Message
	Status  Status
	Err     *models.ErrorBody
}

// Transport is the part of Client a Session needs.
type Transport interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*models.ConversationWithMessages, error)
	StreamTurn(ctx context.Context, req models.ChatRequest, fn func(Event) error) error
}

// TurnError is a turn the gateway reported as failed.
type TurnError struct {
	Body models.ErrorBody
}

func (e *TurnError) Error() string {
	return "turn failed: " + e.Body.Type + ": " + e.Body.Message
}

// Turn is a submitted turn. Wait blocks until it ended.
type Turn struct {
	done chan struct{}
	err  error
}

func (t *Turn) Wait() error {
	<-t.done
	return t.err
}

// Done is closed once the turn ended.
func (t *Turn) Done() <-chan struct{} { return t.done }

type inflight struct {
	gen       uint64
	cancel    context.CancelFunc
	settled   bool
	err       error
	userIdx   int
	aiIdx     int
	text      strings.Builder
	reasoning strings.Builder
}

// Session mirrors one conversation for a UI. It allows one turn at a time.
type Session struct {
	transport Transport
	model     string
	onChange  func(Event)

	mu             sync.Mutex
	conversationID *uuid.UUID
	title          string
	entries        []Entry
	gen            uint64
	turn           *inflight
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithModel sets the model id sent with every turn.
func WithModel(model string) SessionOption {
	return func(s *Session) { s.model = model }
}

// WithListener calls fn after every event the session applied. Dropped
// events are not reported.
func WithListener(fn func(Event)) SessionOption {
	return func(s *Session) { s.onChange = fn }
}

// NewSession starts a session on conversationID, or on a conversation the
// server creates with the first turn when conversationID is nil.
func NewSession(t Transport, conversationID *uuid.UUID, opts ...SessionOption) *Session {
	s := &Session{transport: t}
	if conversationID != nil {
		id := *conversationID
		s.conversationID = &id
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the entries with the server history.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()
	if id == nil {
		return nil
	}

	conv, err := s.transport.GetConversation(ctx, *id)
	if err != nil {
		return err
	}
	if conv == nil {
		return errors.New("conversation not found")
	}

	entries := make([]Entry, len(conv.Messages))
	for i, m := range conv.Messages {
		entries[len(conv.Messages)-1-i] = Entry{Message: m, Status: StatusConfirmed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != nil {
		return ErrTurnInFlight
	}
	s.title = conv.Title
	s.entries = entries
	return nil
}

// ConversationID returns the conversation id, nil until the server
// assigned one.
func (s *Session) ConversationID() *uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == nil {
		return nil
	}
	id := *s.conversationID
	return &id
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Entries returns the entries oldest first.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// InFlight reports whether a turn is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil
}

// Submit appends the optimistic user entry and streams the turn in the
// background.
func (s *Session) Submit(ctx context.Context, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message must not be empty")
	}

	s.mu.Lock()
	if s.turn != nil {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.gen++
	turnCtx, cancel := context.WithCancel(ctx)
	in := &inflight{gen: s.gen, cancel: cancel, aiIdx: -1}

	now := time.Now().UTC()
	part := models.NewTextPart(text)
	s.entries = append(s.entries, Entry{
		Message: models.Message{ID: uuid.New(), Role: models.RoleHuman, Parts: []models.Part{part}, CreatedAt: now, UpdatedAt: now},
		Status:  StatusPending,
	})
	in.userIdx = len(s.entries) - 1
	s.turn = in

	req := models.ChatRequest{
		ConversationID: s.conversationID,
		Model:          s.model,
		Messages:       []models.ChatMessage{{Role: "user", Content: text}},
	}
	s.mu.Unlock()

	t := &Turn{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()

		err := s.transport.StreamTurn(turnCtx, req, func(ev Event) error {
			s.apply(in.gen, ev)
			return nil
		})
		t.err = s.finish(in, err)
	}()
	return t, nil
}

// Cancel aborts the running turn. Its entries are marked failed and any
// event that still arrives for it is dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	in := s.turn
	if in == nil {
		s.mu.Unlock()
		return
	}
	s.markFailed(in, &models.ErrorBody{Type: "CANCELLED", Message: "turn cancelled"})
	s.settle(in, context.Canceled)
	s.mu.Unlock()
	in.cancel()
}

// apply folds one stream event into the entries. Events of a turn that is
// no longer current are ignored.
func (s *Session) apply(gen uint64, ev Event) {
	s.mu.Lock()
	in := s.turn
	if in == nil || in.gen != gen {
		s.mu.Unlock()
		return
	}

	switch ev.Name {
	case models.EventConversation:
		if ev.Conversation != nil {
			id := ev.Conversation.ConversationID
			s.conversationID = &id
			s.title = ev.Conversation.Title
		}
	case models.EventChunk:
		if ev.Chunk != nil {
			s.appendChunk(in, *ev.Chunk)
		}
	case models.EventPersisted:
		if ev.Persisted != nil {
			s.confirm(in, *ev.Persisted)
			s.settle(in, nil)
		}
	case models.EventError:
		s.markFailed(in, ev.Error)
		body := models.ErrorBody{Type: "INTERNAL", Message: "turn failed"}
		if ev.Error != nil {
			body = *ev.Error
		}
		s.settle(in, &TurnError{Body: body})
	}
	listener := s.onChange
	s.mu.Unlock()

	if listener != nil {
		listener(ev)
	}
}

func (s *Session) appendChunk(in *inflight, c models.ChunkEvent) {
	if c.Kind == models.ChunkReasoning {
		in.reasoning.WriteString(c.Text)
	} else {
		in.text.WriteString(c.Text)
	}

	if in.aiIdx < 0 {
		now := time.Now().UTC()
		s.entries = append(s.entries, Entry{
			Message: models.Message{ID: uuid.New(), Role: models.RoleAI, CreatedAt: now, UpdatedAt: now},
			Status:  StatusStreaming,
		})
		in.aiIdx = len(s.entries) - 1
	}

	var parts []models.Part
	if in.reasoning.Len() > 0 {
		p := models.NewReasoningPart(in.reasoning.String())
		p.Reasoning.State = models.StateStreaming
		parts = append(parts, p)
	}
	p := models.NewTextPart(in.text.String())
	p.Text.State = models.StateStreaming
	parts = append(parts, p)
	for i := range parts {
		parts[i].Index = i
	}
	s.entries[in.aiIdx].Message.Parts = parts
}

func (s *Session) confirm(in *inflight, ev models.PersistedEvent) {
	s.entries[in.userIdx] = Entry{Message: ev.UserMessage, Status: StatusConfirmed}
	ai := Entry{Message: ev.AssistantMessage, Status: StatusConfirmed}
	if in.aiIdx >= 0 {
		s.entries[in.aiIdx] = ai
	} else {
		s.entries = append(s.entries, ai)
	}
	id := ev.ConversationID
	s.conversationID = &id
}

func (s *Session) markFailed(in *inflight, body *models.ErrorBody) {
	if body == nil {
		body = &models.ErrorBody{Type: "INTERNAL", Message: "turn failed"}
	}
	s.entries[in.userIdx].Status = StatusFailed
	s.entries[in.userIdx].Err = body
	if in.aiIdx >= 0 {
		s.entries[in.aiIdx].Status = StatusFailed
		s.entries[in.aiIdx].Err = body
	}
}

// finish settles a turn whose stream ended. A stream that closed without
// a terminal event fails the turn.
func (s *Session) finish(in *inflight, streamErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.settled {
		return in.err
	}

	body := &models.ErrorBody{Type: "INTERNAL", Message: "stream ended before the turn completed"}
	var apiErr *APIError
	switch {
	case errors.As(streamErr, &apiErr):
		body = &apiErr.Body
	case streamErr != nil:
		body.Message = streamErr.Error()
	}
	s.markFailed(in, body)
	s.settle(in, streamErr)
	if in.err == nil {
		in.err = &TurnError{Body: *body}
	}
	return in.err
}

func (s *Session) settle(in *inflight, err error) {
	in.settled = true
	in.err = err
	if s.turn == in {
		s.turn = nil
	}
}
