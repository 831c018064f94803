package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chat-gateway/apperrors"
	"chat-gateway/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("append round trips parts in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "parts")

		in := []models.Part{
			models.NewReasoningPart("considering"),
			models.NewTextPart("Here is the answer"),
			models.NewToolPart("call_1", json.RawMessage(`{"q":"weather"}`), json.RawMessage(`{"temp":21}`)),
			models.NewSourceURLPart("src-1", "https://example.com", "Example"),
			models.NewFilePart("https://cdn.example.com/chart.png", "image/png", "chart.png"),
			models.NewTextPart("and a footnote"),
		}
		msg, err := s.AppendMessage(ctx, conv.ID, models.RoleAI, in)
		require.NoError(t, err)
		require.Len(t, msg.Parts, len(in))

		loaded, err := s.LoadConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Messages, 1)

		got := loaded.Messages[0].Parts
		require.Len(t, got, len(in))
		for i := range in {
			assert.Equal(t, i, got[i].Index)
			assert.Equal(t, in[i].Type, got[i].Type)
		}
		assert.Equal(t, "considering", got[0].Reasoning.Text)
		assert.Equal(t, "Here is the answer", got[1].Text.Text)
		assert.Equal(t, "call_1", got[2].Tool.ToolCallID)
		assert.JSONEq(t, `{"q":"weather"}`, string(got[2].Tool.Input))
		assert.JSONEq(t, `{"temp":21}`, string(got[2].Tool.Output))
		assert.Equal(t, models.StateOutputAvailable, got[2].Tool.State)
		assert.Equal(t, "https://example.com", got[3].SourceURL.URL)
		assert.Equal(t, "Example", got[3].SourceURL.Title)
		assert.Equal(t, "chart.png", got[4].File.Filename)
		assert.Equal(t, "Here is the answerand a footnote", loaded.Messages[0].Text())
	})

	t.Run("append validates before insert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "validation")

		_, err := s.AppendMessage(ctx, conv.ID, models.Role("system"), []models.Part{models.NewTextPart("x")})
		assert.True(t, apperrors.Is(err, apperrors.TypeValidation))

		_, err = s.AppendMessage(ctx, conv.ID, models.RoleHuman, nil)
		assert.True(t, apperrors.Is(err, apperrors.TypeValidation))

		_, err = s.AppendMessage(ctx, conv.ID, models.RoleAI, []models.Part{models.NewTextPart("ok"), models.NewToolPart("", nil, nil)})
		assert.True(t, apperrors.Is(err, apperrors.TypeValidation))

		loaded, err := s.LoadConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, loaded.Messages)
	})

	t.Run("append to missing conversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendMessage(context.Background(), uuid.New(), models.RoleHuman, []models.Part{models.NewTextPart("x")})
		assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
	})

	t.Run("sequential turns order newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "turns")

		base := time.Now().UTC().Truncate(time.Microsecond)
		for i, text := range []string{"hello", "again"} {
			at := base.Add(time.Duration(i) * time.Second)
			_, _, err := s.AppendTurn(ctx, TurnRecord{
				ConversationID: conv.ID,
				User:           NewMessage{Role: models.RoleHuman, Parts: []models.Part{models.NewTextPart(text)}, CreatedAt: at},
				Assistant: NewMessage{Role: models.RoleAI, Parts: []models.Part{
					models.NewReasoningPart("thinking"),
					models.NewTextPart("reply to " + text),
				}, CreatedAt: at.Add(500 * time.Millisecond)},
			})
			require.NoError(t, err)
		}

		loaded, err := s.LoadConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Messages, 4)

		for i := 1; i < len(loaded.Messages); i++ {
			assert.True(t, loaded.Messages[i-1].CreatedAt.After(loaded.Messages[i].CreatedAt),
				"messages must be strictly newest first")
		}
		assert.Equal(t, models.RoleAI, loaded.Messages[0].Role)
		assert.Equal(t, "reply to again", loaded.Messages[0].Text())
		assert.Equal(t, "again", loaded.Messages[1].Text())
		assert.Equal(t, "hello", loaded.Messages[3].Text())
		assert.Equal(t, models.PartTypeReasoning, loaded.Messages[0].Parts[0].Type)
		assert.Equal(t, models.PartTypeText, loaded.Messages[0].Parts[1].Type)

		// Loading twice without writes is structurally identical.
		again, err := s.LoadConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, mustJSON(t, loaded), mustJSON(t, again))
	})

	t.Run("turn with default timestamps keeps assistant after user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "timestamps")

		userMsg, aiMsg, err := s.AppendTurn(ctx, TurnRecord{
			ConversationID: conv.ID,
			User:           NewMessage{Role: models.RoleHuman, Parts: []models.Part{models.NewTextPart("q")}},
			Assistant:      NewMessage{Role: models.RoleAI, Parts: []models.Part{models.NewTextPart("a")}},
		})
		require.NoError(t, err)
		assert.True(t, aiMsg.CreatedAt.After(userMsg.CreatedAt))

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.False(t, got.UpdatedAt.Before(aiMsg.CreatedAt))
	})

	t.Run("list orders by updated and counts messages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		older := mustCreate(t, s, "user-1", "older")
		newer := mustCreate(t, s, "user-1", "newer")
		mustCreate(t, s, "user-2", "someone else")

		_, err := s.AppendMessage(ctx, older.ID, models.RoleHuman, []models.Part{models.NewTextPart("bump")})
		require.NoError(t, err)

		list, err := s.ListConversations(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, older.ID, list[0].ID)
		assert.Equal(t, 1, list[0].MessageCount)
		assert.Equal(t, newer.ID, list[1].ID)
		assert.Equal(t, 0, list[1].MessageCount)

		empty, err := s.ListConversations(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})

	t.Run("update and delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "before")
		_, err := s.AppendMessage(ctx, conv.ID, models.RoleHuman, []models.Part{models.NewTextPart("hi")})
		require.NoError(t, err)

		title := "after"
		archived := true
		updated, err := s.UpdateConversation(ctx, conv.ID, ConversationPatch{
			Title:    &title,
			Metadata: json.RawMessage(`{"model":"openai/gpt-4o-mini"}`),
			Archived: &archived,
		})
		require.NoError(t, err)
		assert.Equal(t, "after", updated.Title)
		assert.True(t, updated.Archived)
		assert.JSONEq(t, `{"model":"openai/gpt-4o-mini"}`, string(updated.Metadata))

		empty := ""
		_, err = s.UpdateConversation(ctx, conv.ID, ConversationPatch{Title: &empty})
		assert.True(t, apperrors.Is(err, apperrors.TypeValidation))

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))
		_, err = s.LoadConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, apperrors.Is(s.DeleteConversation(ctx, conv.ID), apperrors.TypeNotFound))
	})

	t.Run("turn lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustCreate(t, s, "user-1", "runs")

		base := time.Now().UTC().Truncate(time.Microsecond)
		first, err := s.StartTurn(ctx, NewTurn{ConversationID: conv.ID, UserID: "user-1", Model: "openai/gpt-4o-mini", StartedAt: base})
		require.NoError(t, err)
		assert.Equal(t, models.TurnRunning, first.Status)
		assert.Nil(t, first.CompletedAt)

		_, aiMsg, err := s.AppendTurn(ctx, TurnRecord{
			ConversationID: conv.ID,
			User:           NewMessage{Role: models.RoleHuman, Parts: []models.Part{models.NewTextPart("q")}},
			Assistant:      NewMessage{Role: models.RoleAI, Parts: []models.Part{models.NewTextPart("a")}},
		})
		require.NoError(t, err)

		done, err := s.FinishTurn(ctx, first.ID, TurnOutcome{Status: models.TurnCompleted, Chunks: 3, AssistantMessageID: &aiMsg.ID})
		require.NoError(t, err)
		assert.Equal(t, models.TurnCompleted, done.Status)
		assert.Equal(t, 3, done.Chunks)
		require.NotNil(t, done.AssistantMessageID)
		assert.Equal(t, aiMsg.ID, *done.AssistantMessageID)
		require.NotNil(t, done.CompletedAt)

		_, err = s.FinishTurn(ctx, first.ID, TurnOutcome{Status: models.TurnFailed})
		assert.True(t, apperrors.Is(err, apperrors.TypeConflict), "a turn finishes once")

		second, err := s.StartTurn(ctx, NewTurn{ConversationID: conv.ID, UserID: "user-1", Model: "m", StartedAt: base.Add(time.Second)})
		require.NoError(t, err)
		_, err = s.FinishTurn(ctx, second.ID, TurnOutcome{Status: models.TurnRunning})
		assert.True(t, apperrors.Is(err, apperrors.TypeValidation))
		_, err = s.FinishTurn(ctx, second.ID, TurnOutcome{
			Status:       models.TurnFailed,
			ErrorType:    "PERSISTENCE",
			ErrorMessage: "commit turn",
			Chunks:       1,
		})
		require.NoError(t, err)

		turns, err := s.ListTurns(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, second.ID, turns[0].ID)
		assert.Equal(t, models.TurnFailed, turns[0].Status)
		assert.Equal(t, "PERSISTENCE", turns[0].ErrorType)
		assert.Nil(t, turns[0].AssistantMessageID)
		assert.Equal(t, first.ID, turns[1].ID)

		_, err = s.FinishTurn(ctx, uuid.New(), TurnOutcome{Status: models.TurnCancelled})
		assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
		_, err = s.StartTurn(ctx, NewTurn{ConversationID: uuid.New(), UserID: "user-1", Model: "m"})
		assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))
		_, err = s.ListTurns(ctx, conv.ID)
		assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
	})

	t.Run("missing conversation is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetConversation(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LoadConversation(context.Background(), uuid.New())
		assert.True(t, apperrors.Is(err, apperrors.TypeNotFound))
	})
}

func mustCreate(t *testing.T, s Store, userID, title string) models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), NewConversation{UserID: userID, Title: title})
	require.NoError(t, err)
	// Keeps updated_at distinct between consecutive creations.
	time.Sleep(2 * time.Millisecond)
	return conv
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
