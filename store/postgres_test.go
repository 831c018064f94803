package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to TEST_DATABASE_URL and applies migrations. Tests
// using it are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Ping())
	require.NoError(t, Migrate(context.Background(), db, zerolog.Nop()))
	return db
}

func TestPostgresStore(t *testing.T) {
	db := openTestDB(t)
	runStoreSuite(t, func(t *testing.T) Store {
		_, err := db.Exec("TRUNCATE chats CASCADE")
		require.NoError(t, err)
		return NewPostgresStore(db)
	})
}

func TestPostgresStoreAppendIsAtomic(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()
	conv := mustCreate(t, s, "user-atomic", "atomic")

	var before int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE chat_id = $1", conv.ID).Scan(&before))

	// The third part carries JSON the jsonb column rejects, failing mid message.
	_, err := s.AppendMessage(ctx, conv.ID, models.RoleAI, []models.Part{
		models.NewTextPart("first"),
		models.NewReasoningPart("second"),
		models.NewToolPart("call_1", json.RawMessage(`{not json`), nil),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.TypePersistence))

	var after, texts int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE chat_id = $1", conv.ID).Scan(&after))
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM chat_message_texts t
		JOIN chat_messages m ON m.id = t.chat_message_id
		WHERE m.chat_id = $1`, conv.ID).Scan(&texts))
	assert.Equal(t, before, after)
	assert.Zero(t, texts)
}
