package services

import (
	"strings"

	"chat-gateway/models"
)

// Accumulator collects streamed chunks, in arrival order, into the in
// progress assistant message.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	chunks    int
}

// Add appends c to the buffer of its kind.
func (a *Accumulator) Add(c Chunk) {
	if c.Text == "" {
		return
	}
	a.chunks++
	if c.Kind == models.ChunkReasoning {
		a.reasoning.WriteString(c.Text)
		return
	}
	a.text.WriteString(c.Text)
}

// Chunks is the number of non-empty chunks received so far.
func (a *Accumulator) Chunks() int { return a.chunks }

func (a *Accumulator) Text() string { return a.text.String() }

func (a *Accumulator) Reasoning() string { return a.reasoning.String() }

// Parts renders the assistant message: reasoning first when present, then
// the text. A text part is always emitted so the message is never empty.
func (a *Accumulator) Parts(state string) []models.Part {
	parts := make([]models.Part, 0, 2)
	if a.reasoning.Len() > 0 {
		p := models.NewReasoningPart(a.reasoning.String())
		p.Reasoning.State = state
		parts = append(parts, p)
	}
	text := models.NewTextPart(a.text.String())
	text.Text.State = state
	parts = append(parts, text)

	for i := range parts {
		parts[i].Index = i
	}
	return parts
}
