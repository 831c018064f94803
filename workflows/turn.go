package workflows

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"chat-gateway/apperrors"
	"chat-gateway/config"
	"chat-gateway/metrics"
	"chat-gateway/models"
	"chat-gateway/services"
	"chat-gateway/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TurnState is a state of the turn state machine.
type TurnState string

const (
	StateResolvingConversation TurnState = "resolving_conversation"
	StateStreaming             TurnState = "streaming"
	StateCommitting            TurnState = "committing"
	StateDone                  TurnState = "done"
	StateFailed                TurnState = "failed"
)

const maxTitleRunes = 80

// Sink receives the events of one turn, in order: ConversationResolved, any
// number of Chunk, then exactly one of TurnPersisted or TurnFailed. A
// returned error means the caller is gone.
type Sink interface {
	ConversationResolved(ev models.ConversationEvent) error
	Chunk(ev models.ChunkEvent) error
	TurnPersisted(ev models.PersistedEvent) error
	TurnFailed(ev models.ErrorBody) error
}

// Committer performs the writes of the chat flow: conversation creation,
// turn commits and deletion.
type Committer interface {
	CreateConversation(ctx context.Context, in store.NewConversation) (models.Conversation, error)
	CommitTurn(ctx context.Context, turn store.TurnRecord) (models.Message, models.Message, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
}

// DirectCommitter writes straight to the store.
type DirectCommitter struct {
	Store store.Store
}

func (c DirectCommitter) CreateConversation(ctx context.Context, in store.NewConversation) (models.Conversation, error) {
	return c.Store.CreateConversation(ctx, in)
}

func (c DirectCommitter) CommitTurn(ctx context.Context, turn store.TurnRecord) (models.Message, models.Message, error) {
	return c.Store.AppendTurn(ctx, turn)
}

func (c DirectCommitter) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	return c.Store.DeleteConversation(ctx, id)
}

// TurnInput is one user submission.
type TurnInput struct {
	UserID         string
	ConversationID *uuid.UUID
	Model          string
	// UserParts is the new user turn.
	UserParts []models.Part
	// Context holds caller supplied prior turns, used only to seed the
	// prompt of a conversation with no stored history.
	Context []services.PromptMessage
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	ConversationID   uuid.UUID
	State            TurnState
	Transitions      []TurnState
	Chunks           int
	Committed        bool
	Incomplete       bool
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

func (r *TurnResult) transition(s TurnState) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// TurnConfig bounds and tunes turns.
type TurnConfig struct {
	DefaultModel      string
	MaxOutputTokens   int
	Temperature       float32
	StreamTimeout     time.Duration
	TurnTimeout       time.Duration
	CommitTimeout     time.Duration
	PartialTurnPolicy string
}

// TurnConfigFromConfig extracts the turn settings of cfg.
func TurnConfigFromConfig(cfg *config.Config) TurnConfig {
	return TurnConfig{
		DefaultModel:      cfg.DefaultModel,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		Temperature:       cfg.Temperature,
		StreamTimeout:     cfg.StreamTimeout,
		TurnTimeout:       cfg.TurnTimeout,
		CommitTimeout:     cfg.CommitTimeout,
		PartialTurnPolicy: cfg.PartialTurnPolicy,
	}
}

// TurnOrchestrator runs the resolve, stream and commit cycle of a turn.
type TurnOrchestrator struct {
	store     store.Store
	committer Committer
	provider  services.Provider
	trimmer   *services.HistoryTrimmer
	locker    TurnLocker
	cfg       TurnConfig
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewTurnOrchestrator creates a TurnOrchestrator. A nil committer writes
// directly to st and a nil locker keeps locks in process.
func NewTurnOrchestrator(st store.Store, committer Committer, provider services.Provider, trimmer *services.HistoryTrimmer, locker TurnLocker, cfg TurnConfig, log zerolog.Logger) *TurnOrchestrator {
	if committer == nil {
		committer = DirectCommitter{Store: st}
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	return &TurnOrchestrator{
		store:     st,
		committer: committer,
		provider:  provider,
		trimmer:   trimmer,
		locker:    locker,
		cfg:       cfg,
		log:       log.With().Str("component", "turn_orchestrator").Logger(),
		tracer:    otel.Tracer("chat-gateway/workflows"),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Run executes one turn and reports its events to sink. The returned error
// is the one also sent as TurnFailed.
func (o *TurnOrchestrator) Run(ctx context.Context, in TurnInput, sink Sink) (TurnResult, error) {
	ctx, span := o.tracer.Start(ctx, "chat.turn", trace.WithAttributes(attribute.String("user.id", in.UserID)))
	defer span.End()

	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	t := &turn{o: o, in: in, sink: sink, span: span, started: time.Now(), detached: context.WithoutCancel(ctx)}
	t.model = in.Model
	if t.model == "" {
		t.model = o.cfg.DefaultModel
	}
	t.provider = services.ProviderName(o.provider, t.model)
	t.log = o.log.With().Str("user_id", in.UserID).Str("model", t.model).Logger()
	err := t.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.MessageOf(err))
	}
	return t.result, err
}

// turn holds the state of a single Run.
type turn struct {
	o        *TurnOrchestrator
	in       TurnInput
	sink     Sink
	span     trace.Span
	log      zerolog.Logger
	started  time.Time
	result   TurnResult
	gone     bool
	model    string
	provider string
	// detached outlives the request for bookkeeping writes.
	detached context.Context
	record   *models.Turn
}

func (t *turn) enter(s TurnState) {
	t.result.transition(s)
	t.log.Debug().Str("state", string(s)).Msg("turn state")
}

func (t *turn) run(ctx context.Context) error {
	t.enter(StateResolvingConversation)

	userText := models.Message{Parts: t.in.UserParts}.Text()
	if len(t.in.UserParts) == 0 || strings.TrimSpace(userText) == "" && !hasNonTextParts(t.in.UserParts) {
		return t.fail(apperrors.New(apperrors.LayerWorkflow, apperrors.TypeValidation, "user turn is empty", nil))
	}
	for i, p := range t.in.UserParts {
		p.Index = i
		if err := p.Validate(); err != nil {
			return t.fail(apperrors.New(apperrors.LayerWorkflow, apperrors.TypeValidation, err.Error(), err))
		}
	}

	conv, created, history, release, err := t.resolve(ctx, userText)
	if err != nil {
		return t.fail(err)
	}
	defer release()
	t.result.ConversationID = conv.ID
	t.log = t.log.With().Str("conversation_id", conv.ID.String()).Logger()
	t.span.SetAttributes(attribute.String("conversation.id", conv.ID.String()), attribute.Bool("conversation.created", created))
	t.begin(ctx, conv.ID)

	userAt := t.o.now()
	if err := t.sink.ConversationResolved(models.ConversationEvent{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Created:        created,
	}); err != nil {
		t.gone = true
		return t.fail(disconnected(err))
	}

	t.enter(StateStreaming)
	acc, streamErr := t.stream(ctx, history, userText)
	t.result.Chunks = acc.Chunks()

	state := models.StateDone
	if streamErr != nil {
		if t.o.cfg.PartialTurnPolicy != config.PartialTurnIncomplete || acc.Chunks() == 0 {
			return t.fail(streamErr)
		}
		state = models.StateIncomplete
	}

	t.enter(StateCommitting)
	userMsg, aiMsg, err := t.commit(ctx, conv.ID, userAt, acc.Parts(state))
	if err != nil {
		return t.fail(err)
	}
	t.result.Committed = true
	t.result.UserMessage = &userMsg
	t.result.AssistantMessage = &aiMsg

	if streamErr != nil {
		t.result.Incomplete = true
		t.log.Info().Int("chunks", acc.Chunks()).Msg("partial assistant reply committed as incomplete")
		return t.fail(streamErr)
	}

	if err := t.sink.TurnPersisted(models.PersistedEvent{
		ConversationID:   conv.ID,
		UserMessage:      userMsg,
		AssistantMessage: aiMsg,
	}); err != nil {
		t.log.Debug().Err(err).Msg("client left before the persisted event")
	}
	t.enter(StateDone)
	t.finish(models.TurnCompleted, nil)
	metrics.RecordTurn("done")
	t.log.Info().Int("chunks", acc.Chunks()).Dur("duration", time.Since(t.started)).Msg("turn completed")
	return nil
}

// resolve loads or creates the conversation, takes its turn lock and
// returns the prompt history preceding the new user turn, oldest first.
// History is read under the lock so it includes any turn that committed
// just before.
func (t *turn) resolve(ctx context.Context, userText string) (models.Conversation, bool, []services.PromptMessage, func(), error) {
	if t.in.ConversationID == nil {
		conv, err := t.o.committer.CreateConversation(ctx, store.NewConversation{
			UserID: t.in.UserID,
			Title:  TitleFromText(userText),
		})
		if err != nil {
			return models.Conversation{}, false, nil, nil, apperrors.Wrap(apperrors.LayerWorkflow, err, "create conversation")
		}
		release, err := t.o.locker.Acquire(ctx, conv.ID)
		if err != nil {
			return models.Conversation{}, false, nil, nil, err
		}
		return conv, true, t.in.Context, release, nil
	}

	id := *t.in.ConversationID
	conv, err := t.o.store.GetConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, false, nil, nil, apperrors.Wrap(apperrors.LayerWorkflow, err, "load conversation")
	}
	if conv.UserID != t.in.UserID {
		return models.Conversation{}, false, nil, nil, apperrors.New(apperrors.LayerWorkflow, apperrors.TypeForbidden,
			"conversation belongs to another user", nil)
	}
	if conv.Archived {
		return models.Conversation{}, false, nil, nil, apperrors.New(apperrors.LayerWorkflow, apperrors.TypeConflict,
			"conversation is archived", nil)
	}

	release, err := t.o.locker.Acquire(ctx, id)
	if err != nil {
		return models.Conversation{}, false, nil, nil, err
	}
	loaded, err := t.o.store.LoadConversation(ctx, id)
	if err != nil {
		release()
		return models.Conversation{}, false, nil, nil, apperrors.Wrap(apperrors.LayerWorkflow, err, "load conversation")
	}

	// Stored messages are newest first; prompts run oldest first.
	chronological := make([]models.Message, len(loaded.Messages))
	for i, m := range loaded.Messages {
		chronological[len(loaded.Messages)-1-i] = m
	}
	history := services.PromptFromMessages(chronological)
	if len(history) == 0 {
		history = t.in.Context
	}
	return loaded.Conversation, false, history, release, nil
}

// begin opens the turn record. The turn runs even if the record cannot be
// written.
func (t *turn) begin(ctx context.Context, conversationID uuid.UUID) {
	record, err := t.o.store.StartTurn(ctx, store.NewTurn{
		ConversationID: conversationID,
		UserID:         t.in.UserID,
		Model:          t.model,
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("turn record not started")
		return
	}
	t.record = &record
	t.log = t.log.With().Str("turn_id", record.ID.String()).Logger()
}

// finish closes the turn record with status.
func (t *turn) finish(status models.TurnStatus, cause error) {
	if t.record == nil {
		return
	}
	out := store.TurnOutcome{Status: status, Chunks: t.result.Chunks}
	if t.result.AssistantMessage != nil {
		out.AssistantMessageID = &t.result.AssistantMessage.ID
	}
	if cause != nil {
		out.ErrorType = string(apperrors.TypeOf(cause))
		out.ErrorMessage = apperrors.MessageOf(cause)
	}

	ctx, cancel := context.WithTimeout(t.detached, t.o.cfg.CommitTimeout)
	defer cancel()
	if _, err := t.o.store.FinishTurn(ctx, t.record.ID, out); err != nil {
		t.log.Warn().Err(err).Str("status", string(status)).Msg("turn record not finished")
	}
}

// stream relays provider chunks to the sink. It stops pulling as soon as the
// sink reports the caller gone.
func (t *turn) stream(ctx context.Context, history []services.PromptMessage, userText string) (*services.Accumulator, error) {
	acc := &services.Accumulator{}

	streamCtx := ctx
	if t.o.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, t.o.cfg.StreamTimeout)
		defer cancel()
	}
	streamCtx, span := t.o.tracer.Start(streamCtx, "chat.provider_stream")
	defer span.End()

	model := t.model
	span.SetAttributes(attribute.String("model", model), attribute.String("provider", t.provider))

	prompt := make([]services.PromptMessage, 0, len(history)+1)
	prompt = append(prompt, history...)
	prompt = append(prompt, services.PromptMessage{Role: services.RoleUser, Content: userText})
	prompt = t.o.trimmer.Trim(model, prompt)

	stream, err := t.o.provider.Stream(streamCtx, services.ChatRequest{
		Model:       model,
		Messages:    prompt,
		MaxTokens:   t.o.cfg.MaxOutputTokens,
		Temperature: t.o.cfg.Temperature,
	})
	if err != nil {
		metrics.RecordProviderError(t.provider)
		return acc, t.classify(streamCtx, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return acc, nil
		}
		if err != nil {
			if ctx.Err() == nil && streamCtx.Err() == nil {
				metrics.RecordProviderError(t.provider)
			}
			return acc, t.classify(streamCtx, err)
		}
		if chunk.Text == "" {
			continue
		}

		if acc.Chunks() == 0 {
			metrics.RecordFirstChunk(time.Since(t.started).Seconds())
		}
		acc.Add(chunk)
		metrics.RecordChunk(string(chunk.Kind))

		if err := t.sink.Chunk(models.ChunkEvent{Kind: chunk.Kind, Text: chunk.Text}); err != nil {
			t.gone = true
			return acc, disconnected(err)
		}
	}
}

// classify turns a stream failure into TIMEOUT, a disconnect, or the
// provider's own typed error.
func (t *turn) classify(streamCtx context.Context, err error) error {
	switch {
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		return apperrors.New(apperrors.LayerWorkflow, apperrors.TypeTimeout, "model stream exceeded its deadline", err)
	case errors.Is(streamCtx.Err(), context.Canceled):
		t.gone = true
		return disconnected(err)
	}
	return apperrors.Wrap(apperrors.LayerWorkflow, err, "model stream")
}

// commit persists both turns on a context detached from the request so a
// disconnect does not abort the write.
func (t *turn) commit(ctx context.Context, conversationID uuid.UUID, userAt time.Time, assistantParts []models.Part) (models.Message, models.Message, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.o.cfg.CommitTimeout)
	defer cancel()

	userMsg, aiMsg, err := t.o.committer.CommitTurn(commitCtx, store.TurnRecord{
		ConversationID: conversationID,
		User:           store.NewMessage{Role: models.RoleHuman, Parts: t.in.UserParts, CreatedAt: userAt},
		Assistant:      store.NewMessage{Role: models.RoleAI, Parts: assistantParts, CreatedAt: t.o.now()},
	})
	if err != nil {
		if apperrors.TypeOf(err) == apperrors.TypeInternal {
			err = apperrors.New(apperrors.LayerWorkflow, apperrors.TypePersistence, "commit turn", err)
		}
		return models.Message{}, models.Message{}, apperrors.Wrap(apperrors.LayerWorkflow, err, "commit turn")
	}
	return userMsg, aiMsg, nil
}

// fail moves the turn to FAILED and reports err unless the caller is gone.
func (t *turn) fail(err error) error {
	t.enter(StateFailed)
	switch {
	case t.result.Incomplete:
		t.finish(models.TurnIncomplete, err)
		metrics.RecordTurn("incomplete")
	case t.gone:
		t.finish(models.TurnCancelled, err)
		metrics.RecordTurn("disconnected")
	case apperrors.TypeOf(err) == apperrors.TypeConflict:
		t.finish(models.TurnFailed, err)
		metrics.RecordTurn("conflict")
	default:
		t.finish(models.TurnFailed, err)
		metrics.RecordTurn("failed")
	}
	if t.gone {
		t.log.Info().Str("state", string(StateFailed)).Msg("client disconnected mid turn")
		return err
	}

	evt := t.log.Warn()
	if apperrors.HTTPStatus(apperrors.TypeOf(err)) >= 500 {
		evt = t.log.Error()
	}
	evt.Err(err).Str("state", string(StateFailed)).Str("error_type", string(apperrors.TypeOf(err))).Msg("turn failed")

	if sinkErr := t.sink.TurnFailed(models.ErrorBody{
		Type:    string(apperrors.TypeOf(err)),
		Message: apperrors.MessageOf(err),
	}); sinkErr != nil {
		t.log.Debug().Err(sinkErr).Msg("client left before the error event")
	}
	return err
}

func disconnected(err error) error {
	return apperrors.New(apperrors.LayerWorkflow, apperrors.TypeInternal, "client disconnected", errors.Join(context.Canceled, err))
}

func hasNonTextParts(parts []models.Part) bool {
	for _, p := range parts {
		if p.Type != models.PartTypeText {
			return true
		}
	}
	return false
}

// TitleFromText derives a conversation title from the first user message.
func TitleFromText(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes]))
}
