package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"chat-gateway/client"
	"chat-gateway/models"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation, oldest message first",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var sendCmd = &cobra.Command{
	Use:   "send [--conversation id] <text>",
	Short: "Send a message and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("conversation", "", "Conversation id (a new conversation is created when empty)")
	sendCmd.Flags().String("model", "", "Model id, e.g. anthropic/claude-sonnet-4-5")
}

func runList(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.ListConversations(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, conv := range list {
		title := conv.Title
		if conv.Archived {
			title += " (archived)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", conv.ID, title, conv.MessageCount, conv.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	session := client.NewSession(c, &id)
	if err := session.Load(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n\n", session.Title())
	for _, e := range session.Entries() {
		printMessage(out, e.Message)
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	var conversationID *uuid.UUID
	if raw, _ := cmd.Flags().GetString("conversation"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid conversation id: %w", err)
		}
		conversationID = &id
	}
	model, _ := cmd.Flags().GetString("model")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan client.Event, 64)
	session := client.NewSession(c, conversationID,
		client.WithModel(model),
		client.WithListener(func(ev client.Event) { events <- ev }),
	)

	turn, err := session.Submit(context.WithoutCancel(ctx), strings.Join(args, " "))
	if err != nil {
		return err
	}

	wg := conc.NewWaitGroup()
	wg.Go(func() {
		render(cmd.OutOrStdout(), cmd.ErrOrStderr(), events)
	})

	select {
	case <-turn.Done():
	case <-ctx.Done():
		session.Cancel()
	}
	turnErr := turn.Wait()
	close(events)
	wg.Wait()

	if errors.Is(turnErr, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "\ncancelled")
		return nil
	}
	return turnErr
}

// render prints the reply as it streams. Reasoning goes to errOut so the
// answer alone can be piped.
func render(out, errOut io.Writer, events <-chan client.Event) {
	for ev := range events {
		switch {
		case ev.Conversation != nil:
			if ev.Conversation.Created {
				fmt.Fprintf(errOut, "new conversation %s\n", ev.Conversation.ConversationID)
			}
		case ev.Chunk != nil:
			if ev.Chunk.Kind == models.ChunkReasoning {
				fmt.Fprint(errOut, ev.Chunk.Text)
				continue
			}
			fmt.Fprint(out, ev.Chunk.Text)
		case ev.Persisted != nil:
			fmt.Fprintln(out)
		case ev.Error != nil:
			fmt.Fprintf(errOut, "\n%s: %s\n", ev.Error.Type, ev.Error.Message)
		}
	}
}

func printMessage(out io.Writer, m models.Message) {
	who := "you"
	if m.Role == models.RoleAI {
		who = "assistant"
	}
	suffix := ""
	if m.Incomplete() {
		suffix = " [incomplete]"
	}
	fmt.Fprintf(out, "%s (%s)%s:\n", who, m.CreatedAt.Local().Format(time.DateTime), suffix)
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartTypeText:
			fmt.Fprintln(out, p.Text.Text)
		case models.PartTypeReasoning:
			fmt.Fprintf(out, "  (reasoning) %s\n", p.Reasoning.Text)
		case models.PartTypeTool:
			fmt.Fprintf(out, "  (tool %s) %s\n", p.Tool.ToolCallID, p.Tool.State)
		case models.PartTypeSourceURL:
			fmt.Fprintf(out, "  (source) %s\n", p.SourceURL.URL)
		case models.PartTypeFile:
			fmt.Fprintf(out, "  (file) %s %s\n", p.File.Filename, p.File.MediaType)
		}
	}
	fmt.Fprintln(out)
}
