package workflows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-gateway/apperrors"
	"chat-gateway/config"
	"chat-gateway/metrics"
	"chat-gateway/models"
	"chat-gateway/services"
	"chat-gateway/services/servicestest"
	"chat-gateway/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu          sync.Mutex
	events      []string
	chunks      []models.ChunkEvent
	resolved    *models.ConversationEvent
	persisted   *models.PersistedEvent
	failed      *models.ErrorBody
	dropAfter   int
	chunksTaken int
}

var errClientGone = errors.New("write: broken pipe")

func (s *recordingSink) ConversationResolved(ev models.ConversationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.EventConversation)
	s.resolved = &ev
	return nil
}

func (s *recordingSink) Chunk(ev models.ChunkEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksTaken++
	if s.dropAfter > 0 && s.chunksTaken > s.dropAfter {
		return errClientGone
	}
	s.events = append(s.events, models.EventChunk)
	s.chunks = append(s.chunks, ev)
	return nil
}

func (s *recordingSink) TurnPersisted(ev models.PersistedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.EventPersisted)
	s.persisted = &ev
	return nil
}

func (s *recordingSink) TurnFailed(ev models.ErrorBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.EventError)
	s.failed = &ev
	return nil
}

func (s *recordingSink) text() string {
	var b strings.Builder
	for _, c := range s.chunks {
		if c.Kind == models.ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func testTurnConfig() TurnConfig {
	return TurnConfig{
		DefaultModel:      "openai/gpt-4o-mini",
		StreamTimeout:     time.Second,
		TurnTimeout:       2 * time.Second,
		CommitTimeout:     time.Second,
		PartialTurnPolicy: config.PartialTurnIncomplete,
	}
}

func newTestOrchestrator(st store.Store, p services.Provider, cfg TurnConfig) *TurnOrchestrator {
	return NewTurnOrchestrator(st, nil, p, nil, nil, cfg, zerolog.Nop())
}

func userTurn(userID string, conversationID *uuid.UUID, text string) TurnInput {
	return TurnInput{
		UserID:         userID,
		ConversationID: conversationID,
		UserParts:      []models.Part{models.NewTextPart(text)},
	}
}

func TestTurnFreshConversation(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("Hi", " there", "!")}
	o := newTestOrchestrator(st, provider, testTurnConfig())
	sink := &recordingSink{}

	res, err := o.Run(context.Background(), userTurn("user-1", nil, "hello"), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		models.EventConversation,
		models.EventChunk, models.EventChunk, models.EventChunk,
		models.EventPersisted,
	}, sink.events)
	assert.Equal(t, []TurnState{StateResolvingConversation, StateStreaming, StateCommitting, StateDone}, res.Transitions)
	require.NotNil(t, sink.resolved)
	assert.True(t, sink.resolved.Created)
	assert.Equal(t, "hello", sink.resolved.Title)
	assert.Equal(t, res.ConversationID, sink.resolved.ConversationID)

	list, err := st.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1, "exactly one conversation is created")

	loaded, err := st.LoadConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)

	ai, human := loaded.Messages[0], loaded.Messages[1]
	assert.Equal(t, models.RoleHuman, human.Role)
	require.Len(t, human.Parts, 1)
	assert.Equal(t, "hello", human.Parts[0].Text.Text)
	assert.Equal(t, models.RoleAI, ai.Role)
	require.Len(t, ai.Parts, 1)
	assert.Equal(t, sink.text(), ai.Parts[0].Text.Text)
	assert.Equal(t, "Hi there!", ai.Text())
	assert.Equal(t, models.StateDone, ai.Parts[0].Text.State)

	require.NotNil(t, sink.persisted)
	assert.Equal(t, ai.ID, sink.persisted.AssistantMessage.ID)
	assert.Equal(t, 1, provider.Closed())
}

func TestTurnSequentialTurnsSendHistory(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("ok")}
	o := newTestOrchestrator(st, provider, testTurnConfig())

	first, err := o.Run(context.Background(), userTurn("user-1", nil, "one"), &recordingSink{})
	require.NoError(t, err)
	id := first.ConversationID

	sink := &recordingSink{}
	_, err = o.Run(context.Background(), userTurn("user-1", &id, "two"), sink)
	require.NoError(t, err)
	assert.False(t, sink.resolved.Created)

	loaded, err := st.LoadConversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 4)
	for i := 1; i < 4; i++ {
		assert.True(t, loaded.Messages[i-1].CreatedAt.After(loaded.Messages[i].CreatedAt))
	}

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "openai/gpt-4o-mini", reqs[1].Model)
	assert.Equal(t, []services.PromptMessage{
		{Role: services.RoleUser, Content: "one"},
		{Role: services.RoleAssistant, Content: "ok"},
		{Role: services.RoleUser, Content: "two"},
	}, reqs[1].Messages)
}

func TestTurnForbiddenAndNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	conv, err := st.CreateConversation(context.Background(), store.NewConversation{UserID: "owner", Title: "mine"})
	require.NoError(t, err)

	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("x")}
	o := newTestOrchestrator(st, provider, testTurnConfig())

	sink := &recordingSink{}
	res, err := o.Run(context.Background(), userTurn("intruder", &conv.ID, "hi"), sink)
	assert.True(t, apperrors.Is(err, apperrors.TypeForbidden))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{models.EventError}, sink.events)
	assert.Equal(t, string(apperrors.TypeForbidden), sink.failed.Type)

	missing := uuid.New()
	_, err = o.Run(context.Background(), userTurn("owner", &missing, "hi"), &recordingSink{})
	assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
	assert.Empty(t, provider.Requests())
}

func TestTurnRejectsEmptyInput(t *testing.T) {
	o := newTestOrchestrator(store.NewMemoryStore(), &servicestest.Provider{}, testTurnConfig())
	_, err := o.Run(context.Background(), userTurn("user-1", nil, "   "), &recordingSink{})
	assert.True(t, apperrors.Is(err, apperrors.TypeValidation))
}

func TestTurnUpstreamErrorPartialPolicies(t *testing.T) {
	upstream := apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream, "provider exploded", nil)

	t.Run("incomplete commits partial reply", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{Chunks: servicestest.TextChunks("par", "tial"), StreamErr: upstream}
		sink := &recordingSink{}

		res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(context.Background(), userTurn("u", nil, "q"), sink)
		assert.True(t, apperrors.Is(err, apperrors.TypeUpstream))
		assert.True(t, res.Committed)
		assert.True(t, res.Incomplete)
		assert.Equal(t, models.EventError, sink.events[len(sink.events)-1])
		assert.Nil(t, sink.persisted)

		loaded, err := st.LoadConversation(context.Background(), res.ConversationID)
		require.NoError(t, err)
		require.Len(t, loaded.Messages, 2)
		assert.Equal(t, "partial", loaded.Messages[0].Text())
		assert.True(t, loaded.Messages[0].Incomplete())
	})

	t.Run("discard commits nothing", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{Chunks: servicestest.TextChunks("par"), StreamErr: upstream}
		cfg := testTurnConfig()
		cfg.PartialTurnPolicy = config.PartialTurnDiscard

		res, err := newTestOrchestrator(st, provider, cfg).Run(context.Background(), userTurn("u", nil, "q"), &recordingSink{})
		assert.True(t, apperrors.Is(err, apperrors.TypeUpstream))
		assert.False(t, res.Committed)

		loaded, err := st.LoadConversation(context.Background(), res.ConversationID)
		require.NoError(t, err)
		assert.Empty(t, loaded.Messages)
	})

	t.Run("no chunks commits nothing", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{OpenErr: upstream}
		sink := &recordingSink{}

		res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(context.Background(), userTurn("u", nil, "q"), sink)
		assert.True(t, apperrors.Is(err, apperrors.TypeUpstream))
		assert.False(t, res.Committed)
		assert.Equal(t, []string{models.EventConversation, models.EventError}, sink.events)
	})
}

func TestTurnClientDisconnectStopsPulling(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("a", "b", "c", "d")}
	sink := &recordingSink{dropAfter: 1}

	res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(context.Background(), userTurn("u", nil, "q"), sink)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 2, provider.Received(), "no chunk is pulled after the sink failed")
	assert.Equal(t, 1, provider.Closed())
	assert.Nil(t, sink.failed, "no error event is written to a gone client")

	loaded, err := st.LoadConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "ab", loaded.Messages[0].Text())
	assert.True(t, loaded.Messages[0].Incomplete())
}

func TestTurnRequestCancellationCommitsOnDetachedContext(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("x"), Block: true}
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(ctx, userTurn("u", nil, "q"), sink)
	require.Error(t, err)
	assert.True(t, res.Committed)
	assert.Nil(t, sink.failed)
}

func TestTurnStreamTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Block: true}
	cfg := testTurnConfig()
	cfg.StreamTimeout = 30 * time.Millisecond
	sink := &recordingSink{}

	res, err := newTestOrchestrator(st, provider, cfg).Run(context.Background(), userTurn("u", nil, "q"), sink)
	assert.True(t, apperrors.Is(err, apperrors.TypeTimeout))
	assert.False(t, res.Committed)
	require.NotNil(t, sink.failed)
	assert.Equal(t, string(apperrors.TypeTimeout), sink.failed.Type)
}

func TestTurnConflictWhileInFlight(t *testing.T) {
	st := store.NewMemoryStore()
	conv, err := st.CreateConversation(context.Background(), store.NewConversation{UserID: "u", Title: "busy"})
	require.NoError(t, err)

	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), conv.ID)
	require.NoError(t, err)
	defer release()

	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("x")}
	o := NewTurnOrchestrator(st, nil, provider, nil, locker, testTurnConfig(), zerolog.Nop())
	sink := &recordingSink{}

	_, err = o.Run(context.Background(), userTurn("u", &conv.ID, "q"), sink)
	assert.True(t, apperrors.Is(err, apperrors.TypeConflict))
	assert.Equal(t, []string{models.EventError}, sink.events)
	assert.Empty(t, provider.Requests())
}

type failingCommitter struct {
	DirectCommitter
}

func (failingCommitter) CommitTurn(context.Context, store.TurnRecord) (models.Message, models.Message, error) {
	return models.Message{}, models.Message{}, errors.New("connection reset")
}

func TestTurnCommitFailureIsPersistenceError(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("streamed")}
	o := NewTurnOrchestrator(st, failingCommitter{DirectCommitter{Store: st}}, provider, nil, nil, testTurnConfig(), zerolog.Nop())
	sink := &recordingSink{}

	res, err := o.Run(context.Background(), userTurn("u", nil, "q"), sink)
	assert.True(t, apperrors.Is(err, apperrors.TypePersistence))
	assert.Equal(t, []TurnState{StateResolvingConversation, StateStreaming, StateCommitting, StateFailed}, res.Transitions)
	assert.Equal(t, "streamed", sink.text(), "chunks reached the client before the commit failed")
	require.NotNil(t, sink.failed)
	assert.Equal(t, string(apperrors.TypePersistence), sink.failed.Type)

	// The streamed but unsaved turn leaves a failed record behind.
	turns, err := st.ListTurns(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, models.TurnFailed, turns[0].Status)
	assert.Equal(t, string(apperrors.TypePersistence), turns[0].ErrorType)
	assert.Equal(t, 1, turns[0].Chunks)
	assert.Nil(t, turns[0].AssistantMessageID)
}

func TestTurnRejectsArchivedConversation(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("ok")}
	o := newTestOrchestrator(st, provider, testTurnConfig())

	first, err := o.Run(context.Background(), userTurn("u", nil, "one"), &recordingSink{})
	require.NoError(t, err)
	id := first.ConversationID

	archived := true
	_, err = st.UpdateConversation(context.Background(), id, store.ConversationPatch{Archived: &archived})
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := o.Run(context.Background(), userTurn("u", &id, "two"), sink)
	assert.True(t, apperrors.Is(err, apperrors.TypeConflict))
	assert.False(t, res.Committed)
	assert.Equal(t, []string{models.EventError}, sink.events)
	assert.Len(t, provider.Requests(), 1, "no model call for an archived conversation")

	loaded, err := st.LoadConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)

	// Unarchiving accepts turns again.
	archived = false
	_, err = st.UpdateConversation(context.Background(), id, store.ConversationPatch{Archived: &archived})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), userTurn("u", &id, "two"), &recordingSink{})
	require.NoError(t, err)
}

// handoffLocker commits another turn's exchange right before handing out the
// lock, as a turn that just released it would have.
type handoffLocker struct {
	TurnLocker
	st   store.Store
	once sync.Once
}

func (l *handoffLocker) Acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	var err error
	l.once.Do(func() {
		_, _, err = l.st.AppendTurn(ctx, store.TurnRecord{
			ConversationID: id,
			User:           store.NewMessage{Role: models.RoleHuman, Parts: []models.Part{models.NewTextPart("earlier")}},
			Assistant:      store.NewMessage{Role: models.RoleAI, Parts: []models.Part{models.NewTextPart("earlier reply")}},
		})
	})
	if err != nil {
		return nil, err
	}
	return l.TurnLocker.Acquire(ctx, id)
}

func TestTurnReadsHistoryUnderLock(t *testing.T) {
	st := store.NewMemoryStore()
	conv, err := st.CreateConversation(context.Background(), store.NewConversation{UserID: "u", Title: "race"})
	require.NoError(t, err)

	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("ok")}
	locker := &handoffLocker{TurnLocker: NewLocalLocker(), st: st}
	o := NewTurnOrchestrator(st, nil, provider, nil, locker, testTurnConfig(), zerolog.Nop())

	_, err = o.Run(context.Background(), userTurn("u", &conv.ID, "now"), &recordingSink{})
	require.NoError(t, err)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []services.PromptMessage{
		{Role: services.RoleUser, Content: "earlier"},
		{Role: services.RoleAssistant, Content: "earlier reply"},
		{Role: services.RoleUser, Content: "now"},
	}, reqs[0].Messages)
}

func TestTurnRecordsLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{Chunks: servicestest.TextChunks("a", "b")}
		res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(ctx, userTurn("u", nil, "q"), &recordingSink{})
		require.NoError(t, err)

		turns, err := st.ListTurns(ctx, res.ConversationID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		got := turns[0]
		assert.Equal(t, models.TurnCompleted, got.Status)
		assert.Equal(t, "u", got.UserID)
		assert.Equal(t, "openai/gpt-4o-mini", got.Model)
		assert.Equal(t, 2, got.Chunks)
		assert.Empty(t, got.ErrorType)
		require.NotNil(t, got.AssistantMessageID)
		assert.Equal(t, res.AssistantMessage.ID, *got.AssistantMessageID)
		require.NotNil(t, got.CompletedAt)
		assert.False(t, got.CompletedAt.Before(got.StartedAt))
	})

	t.Run("partial reply is incomplete", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{
			Chunks:    servicestest.TextChunks("par"),
			StreamErr: apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream, "provider exploded", nil),
		}
		res, err := newTestOrchestrator(st, provider, testTurnConfig()).Run(ctx, userTurn("u", nil, "q"), &recordingSink{})
		require.Error(t, err)

		turns, err := st.ListTurns(ctx, res.ConversationID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, models.TurnIncomplete, turns[0].Status)
		assert.Equal(t, string(apperrors.TypeUpstream), turns[0].ErrorType)
		require.NotNil(t, turns[0].AssistantMessageID)
	})

	t.Run("disconnect without commit is cancelled", func(t *testing.T) {
		st := store.NewMemoryStore()
		provider := &servicestest.Provider{Chunks: servicestest.TextChunks("a", "b", "c")}
		cfg := testTurnConfig()
		cfg.PartialTurnPolicy = config.PartialTurnDiscard

		res, err := newTestOrchestrator(st, provider, cfg).Run(ctx, userTurn("u", nil, "q"), &recordingSink{dropAfter: 1})
		require.Error(t, err)
		assert.False(t, res.Committed)

		turns, err := st.ListTurns(ctx, res.ConversationID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, models.TurnCancelled, turns[0].Status)
	})

	t.Run("rejected before resolution leaves no record", func(t *testing.T) {
		st := store.NewMemoryStore()
		conv, err := st.CreateConversation(ctx, store.NewConversation{UserID: "owner", Title: "mine"})
		require.NoError(t, err)

		_, err = newTestOrchestrator(st, &servicestest.Provider{}, testTurnConfig()).Run(ctx, userTurn("intruder", &conv.ID, "hi"), &recordingSink{})
		require.Error(t, err)

		turns, err := st.ListTurns(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestTurnMetricsOutcomes(t *testing.T) {
	upstream := apperrors.New(apperrors.LayerProvider, apperrors.TypeUpstream, "provider exploded", nil)

	incomplete := metrics.TurnsTotal.WithLabelValues("incomplete")
	failed := metrics.TurnsTotal.WithLabelValues("failed")
	beforeIncomplete, beforeFailed := testutil.ToFloat64(incomplete), testutil.ToFloat64(failed)

	provider := &servicestest.Provider{Chunks: servicestest.TextChunks("par"), StreamErr: upstream}
	_, err := newTestOrchestrator(store.NewMemoryStore(), provider, testTurnConfig()).Run(context.Background(), userTurn("u", nil, "q"), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, beforeIncomplete+1, testutil.ToFloat64(incomplete))
	assert.Equal(t, beforeFailed, testutil.ToFloat64(failed))

	// Provider errors carry the name of the provider the router picked.
	scripted := metrics.ProviderErrorsTotal.WithLabelValues("scripted")
	router := metrics.ProviderErrorsTotal.WithLabelValues("router")
	beforeScripted, beforeRouter := testutil.ToFloat64(scripted), testutil.ToFloat64(router)

	routed := services.NewRouter(&servicestest.Provider{OpenErr: upstream})
	_, err = newTestOrchestrator(store.NewMemoryStore(), routed, testTurnConfig()).Run(context.Background(), userTurn("u", nil, "q"), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, beforeScripted+1, testutil.ToFloat64(scripted))
	assert.Equal(t, beforeRouter, testutil.ToFloat64(router))
}

func TestTitleFromText(t *testing.T) {
	assert.Equal(t, "hello world", TitleFromText("  hello\n world "))
	assert.Equal(t, "New conversation", TitleFromText(""))
	long := strings.Repeat("é", 100)
	assert.Equal(t, strings.Repeat("é", maxTitleRunes), TitleFromText(long))
}
