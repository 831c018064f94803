package workflows

import (
	"context"

	"chat-gateway/models"
	"chat-gateway/store"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
)

// ChatWorkflows contains DBOS workflows for chat writes
type ChatWorkflows struct {
	store store.Store
}

// NewChatWorkflows creates a new ChatWorkflows instance
func NewChatWorkflows(st store.Store) *ChatWorkflows {
	return &ChatWorkflows{store: st}
}

// Register registers every workflow with DBOS. It must run before dbos.Launch.
func (w *ChatWorkflows) Register(dbosCtx dbos.DBOSContext) {
	dbos.RegisterWorkflow(dbosCtx, w.CreateConversationWorkflow)
	dbos.RegisterWorkflow(dbosCtx, w.CommitTurnWorkflow)
	dbos.RegisterWorkflow(dbosCtx, w.DeleteConversationWorkflow)
}

// CommitTurnOutput contains the output of the CommitTurn workflow
type CommitTurnOutput struct {
	UserMessage      models.Message
	AssistantMessage models.Message
}

// CommitTurnWorkflow durably persists both messages of a turn. The store
// call is a single step so the two messages still share one transaction.
func (w *ChatWorkflows) CommitTurnWorkflow(ctx dbos.DBOSContext, turn store.TurnRecord) (CommitTurnOutput, error) {
	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (CommitTurnOutput, error) {
		userMsg, aiMsg, err := w.store.AppendTurn(stepCtx, turn)
		if err != nil {
			return CommitTurnOutput{}, err
		}
		return CommitTurnOutput{UserMessage: userMsg, AssistantMessage: aiMsg}, nil
	})
}

// CreateConversationWorkflow creates a new conversation durably
func (w *ChatWorkflows) CreateConversationWorkflow(ctx dbos.DBOSContext, in store.NewConversation) (models.Conversation, error) {
	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (models.Conversation, error) {
		return w.store.CreateConversation(stepCtx, in)
	})
}

// DeleteConversationWorkflow deletes a conversation with its messages and parts durably
func (w *ChatWorkflows) DeleteConversationWorkflow(ctx dbos.DBOSContext, conversationID uuid.UUID) (bool, error) {
	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
		if err := w.store.DeleteConversation(stepCtx, conversationID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// DurableCommitter runs chat writes as DBOS workflows so an interrupted
// commit is resumed on restart.
type DurableCommitter struct {
	dbosCtx   dbos.DBOSContext
	workflows *ChatWorkflows
}

func NewDurableCommitter(dbosCtx dbos.DBOSContext, wf *ChatWorkflows) *DurableCommitter {
	return &DurableCommitter{dbosCtx: dbosCtx, workflows: wf}
}

func (d *DurableCommitter) CreateConversation(ctx context.Context, in store.NewConversation) (models.Conversation, error) {
	handle, err := dbos.RunWorkflow(d.dbosCtx, d.workflows.CreateConversationWorkflow, in)
	if err != nil {
		return models.Conversation{}, err
	}
	return awaitResult(ctx, handle)
}

func (d *DurableCommitter) CommitTurn(ctx context.Context, turn store.TurnRecord) (models.Message, models.Message, error) {
	handle, err := dbos.RunWorkflow(d.dbosCtx, d.workflows.CommitTurnWorkflow, turn)
	if err != nil {
		return models.Message{}, models.Message{}, err
	}
	out, err := awaitResult(ctx, handle)
	if err != nil {
		return models.Message{}, models.Message{}, err
	}
	return out.UserMessage, out.AssistantMessage, nil
}

func (d *DurableCommitter) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	handle, err := dbos.RunWorkflow(d.dbosCtx, d.workflows.DeleteConversationWorkflow, id)
	if err != nil {
		return err
	}
	_, err = awaitResult(ctx, handle)
	return err
}

// awaitResult waits for a workflow result or ctx. The workflow keeps running
// after ctx ends and DBOS recovers it if the process dies.
func awaitResult[R any](ctx context.Context, handle dbos.WorkflowHandle[R]) (R, error) {
	type result struct {
		value R
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := handle.GetResult()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
