package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store on top of database/sql and lib/pq.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a PostgresStore using an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

const conversationColumns = "id, user_id, title, metadata, archived, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (models.Conversation, error) {
	var (
		conv     models.Conversation
		metadata []byte
	)
	dest := append([]any{&conv.ID, &conv.UserID, &conv.Title, &metadata, &conv.Archived, &conv.CreatedAt, &conv.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Conversation{}, err
	}
	conv.Metadata = cloneRaw(metadata)
	return conv, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, in NewConversation) (models.Conversation, error) {
	if err := validateTitle(in.Title); err != nil {
		return models.Conversation{}, err
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return models.Conversation{}, err
	}

	now := s.now()
	row := s.db.QueryRowContext(ctx,
		"INSERT INTO chats (id, user_id, title, metadata, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+conversationColumns,
		uuid.New(), in.UserID, in.Title, nullableJSON(in.Metadata), now)
	conv, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, mapError(err, "insert conversation")
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) getConversation(ctx context.Context, q queryer, id uuid.UUID) (models.Conversation, error) {
	row := q.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM chats WHERE id = $1", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, notFound("conversation", id)
	}
	if err != nil {
		return models.Conversation{}, mapError(err, "select conversation")
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.metadata, c.archived, c.created_at, c.updated_at, COUNT(m.id)
		FROM chats c
		LEFT JOIN chat_messages m ON m.chat_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, mapError(err, "list conversations")
	}
	defer rows.Close()

	out := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var count int
		conv, err := scanConversation(rows, &count)
		if err != nil {
			return nil, mapError(err, "scan conversation")
		}
		out = append(out, models.ConversationSummary{Conversation: conv, MessageCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list conversations")
	}
	return out, nil
}

// LoadConversation reads the conversation, its messages and all five part
// collections inside one read-only snapshot.
func (s *PostgresStore) LoadConversation(ctx context.Context, id uuid.UUID) (models.ConversationWithMessages, error) {
	var out models.ConversationWithMessages
	err := s.withTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, func(tx *sql.Tx) error {
		conv, err := s.getConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		out.Conversation = conv

		msgs, err := loadMessages(ctx, tx, id)
		if err != nil {
			return err
		}

		collections := make([]map[uuid.UUID][]models.Part, 0, len(partLoaders))
		for _, load := range partLoaders {
			parts, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			collections = append(collections, parts)
		}

		for i := range msgs {
			perKind := make([][]models.Part, 0, len(collections))
			for _, c := range collections {
				perKind = append(perKind, c[msgs[i].ID])
			}
			msgs[i].Parts = MergeParts(perKind...)
		}
		out.Messages = msgs
		return nil
	})
	if err != nil {
		return models.ConversationWithMessages{}, err
	}
	return out, nil
}

func loadMessages(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, chat_id, role, created_at, updated_at FROM chat_messages WHERE chat_id = $1 ORDER BY created_at DESC, id",
		conversationID)
	if err != nil {
		return nil, mapError(err, "select messages")
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, mapError(err, "scan message")
		}
		msg.Parts = []models.Part{}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "select messages")
	}
	return msgs, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, parts []models.Part) (models.Message, error) {
	if err := validateMessage(role, parts); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		msg, err = insertMessage(ctx, tx, conversationID, NewMessage{Role: role, Parts: parts, CreatedAt: s.now()})
		if err != nil {
			return err
		}
		return touchConversation(ctx, tx, conversationID, msg.CreatedAt)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// AppendTurn commits the user and assistant messages of a turn in a single
// transaction.
func (s *PostgresStore) AppendTurn(ctx context.Context, turn TurnRecord) (models.Message, models.Message, error) {
	if err := validateMessage(turn.User.Role, turn.User.Parts); err != nil {
		return models.Message{}, models.Message{}, err
	}
	if err := validateMessage(turn.Assistant.Role, turn.Assistant.Parts); err != nil {
		return models.Message{}, models.Message{}, err
	}
	turnTimes(&turn, s.now())

	var userMsg, aiMsg models.Message
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if userMsg, err = insertMessage(ctx, tx, turn.ConversationID, turn.User); err != nil {
			return err
		}
		if aiMsg, err = insertMessage(ctx, tx, turn.ConversationID, turn.Assistant); err != nil {
			return err
		}
		return touchConversation(ctx, tx, turn.ConversationID, aiMsg.CreatedAt)
	})
	if err != nil {
		return models.Message{}, models.Message{}, err
	}
	return userMsg, aiMsg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID, in NewMessage) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           in.Role,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.CreatedAt,
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO chat_messages (id, chat_id, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)",
		msg.ID, conversationID, string(in.Role), in.CreatedAt)
	if err != nil {
		return models.Message{}, mapError(err, "insert message")
	}

	msg.Parts = indexParts(in.Parts)
	for _, p := range msg.Parts {
		if err := insertPart(ctx, tx, msg.ID, p); err != nil {
			return models.Message{}, err
		}
	}
	return msg, nil
}

func insertPart(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, p models.Part) error {
	var (
		query string
		args  []any
	)
	switch p.Type {
	case models.PartTypeText:
		query = `INSERT INTO chat_message_texts (chat_message_id, "index", text, state) VALUES ($1, $2, $3, $4)`
		args = []any{messageID, p.Index, p.Text.Text, nullableString(p.Text.State)}
	case models.PartTypeReasoning:
		query = `INSERT INTO chat_message_reasonings (chat_message_id, "index", reasoning, state, provider_metadata) VALUES ($1, $2, $3, $4, $5)`
		args = []any{messageID, p.Index, p.Reasoning.Text, nullableString(p.Reasoning.State), nullableJSON(p.Reasoning.ProviderMetadata)}
	case models.PartTypeTool:
		state := p.Tool.State
		if state == "" {
			state = models.StateOutputAvailable
		}
		query = `INSERT INTO chat_message_tools (chat_message_id, "index", tool_call_id, input, output, state, error_text) VALUES ($1, $2, $3, $4, $5, $6, $7)`
		args = []any{messageID, p.Index, p.Tool.ToolCallID, nullableJSON(p.Tool.Input), nullableJSON(p.Tool.Output), state, nullableString(p.Tool.ErrorText)}
	case models.PartTypeSourceURL:
		query = `INSERT INTO chat_message_source_urls (chat_message_id, "index", source_id, url, title, provider_metadata) VALUES ($1, $2, $3, $4, $5, $6)`
		args = []any{messageID, p.Index, p.SourceURL.SourceID, p.SourceURL.URL, nullableString(p.SourceURL.Title), nullableJSON(p.SourceURL.ProviderMetadata)}
	case models.PartTypeFile:
		query = `INSERT INTO chat_message_files (chat_message_id, "index", media_type, filename, url) VALUES ($1, $2, $3, $4, $5)`
		args = []any{messageID, p.Index, nullableString(p.File.MediaType), nullableString(p.File.Filename), p.File.URL}
	default:
		return apperrors.New(apperrors.LayerStore, apperrors.TypeValidation, fmt.Sprintf("unknown part type %q", p.Type), nil)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return mapError(err, fmt.Sprintf("insert %s part %d", p.Type, p.Index))
	}
	return nil
}

func touchConversation(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	res, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = GREATEST(updated_at, $2) WHERE id = $1", id, at)
	if err != nil {
		return mapError(err, "touch conversation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("conversation", id)
	}
	return nil
}

// partLoader reads one part collection of a conversation keyed by message
// id, each slice ordered by index.
type partLoader func(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error)

var partLoaders = []partLoader{loadTextParts, loadReasoningParts, loadToolParts, loadSourceURLParts, loadFileParts}

func queryParts(ctx context.Context, tx *sql.Tx, table, columns string, conversationID uuid.UUID, scan func(rows *sql.Rows) (uuid.UUID, models.Part, error)) (map[uuid.UUID][]models.Part, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.chat_message_id, p."index", %s
		FROM %s p
		JOIN chat_messages m ON m.id = p.chat_message_id
		WHERE m.chat_id = $1
		ORDER BY p.chat_message_id, p."index"`, columns, table), conversationID)
	if err != nil {
		return nil, mapError(err, "select "+table)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]models.Part)
	for rows.Next() {
		msgID, part, err := scan(rows)
		if err != nil {
			return nil, mapError(err, "scan "+table)
		}
		out[msgID] = append(out[msgID], part)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "select "+table)
	}
	return out, nil
}

func loadTextParts(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error) {
	return queryParts(ctx, tx, "chat_message_texts", "p.text, p.state", conversationID, func(rows *sql.Rows) (uuid.UUID, models.Part, error) {
		var (
			msgID uuid.UUID
			part  = models.Part{Type: models.PartTypeText, Text: &models.TextPart{}}
			state sql.NullString
		)
		err := rows.Scan(&msgID, &part.Index, &part.Text.Text, &state)
		part.Text.State = state.String
		return msgID, part, err
	})
}

func loadReasoningParts(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error) {
	return queryParts(ctx, tx, "chat_message_reasonings", "p.reasoning, p.state, p.provider_metadata", conversationID, func(rows *sql.Rows) (uuid.UUID, models.Part, error) {
		var (
			msgID    uuid.UUID
			part     = models.Part{Type: models.PartTypeReasoning, Reasoning: &models.ReasoningPart{}}
			state    sql.NullString
			metadata []byte
		)
		err := rows.Scan(&msgID, &part.Index, &part.Reasoning.Text, &state, &metadata)
		part.Reasoning.State = state.String
		part.Reasoning.ProviderMetadata = cloneRaw(metadata)
		return msgID, part, err
	})
}

func loadToolParts(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error) {
	return queryParts(ctx, tx, "chat_message_tools", "p.tool_call_id, p.input, p.output, p.state, p.error_text", conversationID, func(rows *sql.Rows) (uuid.UUID, models.Part, error) {
		var (
			msgID         uuid.UUID
			part          = models.Part{Type: models.PartTypeTool, Tool: &models.ToolPart{}}
			input, output []byte
			errorText     sql.NullString
		)
		err := rows.Scan(&msgID, &part.Index, &part.Tool.ToolCallID, &input, &output, &part.Tool.State, &errorText)
		part.Tool.Input = cloneRaw(input)
		part.Tool.Output = cloneRaw(output)
		part.Tool.ErrorText = errorText.String
		return msgID, part, err
	})
}

func loadSourceURLParts(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error) {
	return queryParts(ctx, tx, "chat_message_source_urls", "p.source_id, p.url, p.title, p.provider_metadata", conversationID, func(rows *sql.Rows) (uuid.UUID, models.Part, error) {
		var (
			msgID    uuid.UUID
			part     = models.Part{Type: models.PartTypeSourceURL, SourceURL: &models.SourceURLPart{}}
			title    sql.NullString
			metadata []byte
		)
		err := rows.Scan(&msgID, &part.Index, &part.SourceURL.SourceID, &part.SourceURL.URL, &title, &metadata)
		part.SourceURL.Title = title.String
		part.SourceURL.ProviderMetadata = cloneRaw(metadata)
		return msgID, part, err
	})
}

func loadFileParts(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID) (map[uuid.UUID][]models.Part, error) {
	return queryParts(ctx, tx, "chat_message_files", "p.media_type, p.filename, p.url", conversationID, func(rows *sql.Rows) (uuid.UUID, models.Part, error) {
		var (
			msgID               uuid.UUID
			part                = models.Part{Type: models.PartTypeFile, File: &models.FilePart{}}
			mediaType, filename sql.NullString
		)
		err := rows.Scan(&msgID, &part.Index, &mediaType, &filename, &part.File.URL)
		part.File.MediaType = mediaType.String
		part.File.Filename = filename.String
		return msgID, part, err
	})
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id uuid.UUID, patch ConversationPatch) (models.Conversation, error) {
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := validateMetadata(patch.Metadata); err != nil {
		return models.Conversation{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE chats SET
			title = COALESCE($2, title),
			metadata = COALESCE($3::jsonb, metadata),
			archived = COALESCE($4, archived),
			updated_at = $5
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, patch.Title, nullableJSON(patch.Metadata), patch.Archived, s.now())
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, notFound("conversation", id)
	}
	if err != nil {
		return models.Conversation{}, mapError(err, "update conversation")
	}
	return conv, nil
}

// DeleteConversation removes the conversation. Messages and parts go with it
// through ON DELETE CASCADE.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = $1", id)
	if err != nil {
		return mapError(err, "delete conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err, "delete conversation")
	}
	if n == 0 {
		return notFound("conversation", id)
	}
	return nil
}

const turnColumns = "id, chat_id, user_id, model, status, error_type, error_message, chunks, assistant_message_id, started_at, completed_at"

func scanTurn(row rowScanner) (models.Turn, error) {
	var (
		turn                    models.Turn
		errorType, errorMessage sql.NullString
		assistantID             uuid.NullUUID
		completedAt             sql.NullTime
	)
	err := row.Scan(&turn.ID, &turn.ConversationID, &turn.UserID, &turn.Model, &turn.Status,
		&errorType, &errorMessage, &turn.Chunks, &assistantID, &turn.StartedAt, &completedAt)
	if err != nil {
		return models.Turn{}, err
	}
	turn.ErrorType = errorType.String
	turn.ErrorMessage = errorMessage.String
	if assistantID.Valid {
		turn.AssistantMessageID = &assistantID.UUID
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		turn.CompletedAt = &at
	}
	turn.StartedAt = turn.StartedAt.UTC()
	return turn, nil
}

func (s *PostgresStore) StartTurn(ctx context.Context, in NewTurn) (models.Turn, error) {
	started := in.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	row := s.db.QueryRowContext(ctx,
		"INSERT INTO chat_turns (id, chat_id, user_id, model, status, started_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+turnColumns,
		uuid.New(), in.ConversationID, in.UserID, in.Model, string(models.TurnRunning), started)
	turn, err := scanTurn(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return models.Turn{}, notFound("conversation", in.ConversationID)
		}
		return models.Turn{}, mapError(err, "insert turn")
	}
	return turn, nil
}

// FinishTurn moves a running turn to a terminal status. A turn is finished
// at most once.
func (s *PostgresStore) FinishTurn(ctx context.Context, id uuid.UUID, out TurnOutcome) (models.Turn, error) {
	if err := validateTurnOutcome(out); err != nil {
		return models.Turn{}, err
	}
	completed := out.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	var assistantID uuid.NullUUID
	if out.AssistantMessageID != nil {
		assistantID = uuid.NullUUID{UUID: *out.AssistantMessageID, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE chat_turns SET
			status = $2,
			error_type = $3,
			error_message = $4,
			chunks = $5,
			assistant_message_id = $6,
			completed_at = $7
		WHERE id = $1 AND status = 'running'
		RETURNING `+turnColumns,
		id, string(out.Status), nullableString(out.ErrorType), nullableString(out.ErrorMessage), out.Chunks, assistantID, completed)
	turn, err := scanTurn(row)
	if err == nil {
		return turn, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Turn{}, mapError(err, "finish turn")
	}

	var status models.TurnStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM chat_turns WHERE id = $1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Turn{}, notFound("turn", id)
	}
	if err != nil {
		return models.Turn{}, mapError(err, "select turn")
	}
	return models.Turn{}, turnFinished(id, status)
}

func (s *PostgresStore) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]models.Turn, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+turnColumns+" FROM chat_turns WHERE chat_id = $1 ORDER BY started_at DESC, id",
		conversationID)
	if err != nil {
		return nil, mapError(err, "list turns")
	}
	defer rows.Close()

	out := make([]models.Turn, 0)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, mapError(err, "scan turn")
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list turns")
	}
	return out, nil
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *PostgresStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

// mapError translates driver errors into typed errors.
func mapError(err error, op string) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.LayerStore, apperrors.TypeTimeout, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperrors.New(apperrors.LayerStore, apperrors.TypeConflict, op+": duplicate key", err)
		case "23503":
			return apperrors.New(apperrors.LayerStore, apperrors.TypeNotFound, op+": referenced row missing", err)
		case "57014":
			return apperrors.New(apperrors.LayerStore, apperrors.TypeTimeout, op+": statement cancelled", err)
		}
	}
	return persistenceError(op, err)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableJSON passes jsonb values as text; lib/pq would send []byte as bytea.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
