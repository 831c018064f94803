package services

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

const (
	fallbackEncoding  = "cl100k_base"
	tokensPerMessage  = 4
	tokensReplyPrimer = 3
)

// TokenCounter estimates the prompt size of a message list.
type TokenCounter interface {
	Count(model string, msgs []PromptMessage) (int, error)
}

// TiktokenCounter counts tokens with the BPE encoding of the model, or
// cl100k_base for models tiktoken does not know.
type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TiktokenCounter) encoding(model string) (*tiktoken.Tiktoken, error) {
	// OpenRouter style ids carry a vendor prefix.
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	c.encodings[model] = enc
	return enc, nil
}

func (c *TiktokenCounter) Count(model string, msgs []PromptMessage) (int, error) {
	enc, err := c.encoding(model)
	if err != nil {
		return 0, err
	}
	total := tokensReplyPrimer
	for _, m := range msgs {
		total += tokensPerMessage
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}

// CharCounter approximates four characters per token.
type CharCounter struct{}

func (CharCounter) Count(_ string, msgs []PromptMessage) (int, error) {
	total := tokensReplyPrimer
	for _, m := range msgs {
		total += tokensPerMessage + (utf8.RuneCountInString(m.Content)+3)/4
	}
	return total, nil
}

// HistoryTrimmer drops the oldest turns until the prompt fits maxTokens.
// The newest message is never dropped.
type HistoryTrimmer struct {
	counter   TokenCounter
	maxTokens int
	log       zerolog.Logger
}

func NewHistoryTrimmer(counter TokenCounter, maxTokens int, log zerolog.Logger) *HistoryTrimmer {
	if counter == nil {
		counter = CharCounter{}
	}
	return &HistoryTrimmer{counter: counter, maxTokens: maxTokens, log: log}
}

func (t *HistoryTrimmer) Trim(model string, msgs []PromptMessage) []PromptMessage {
	if t == nil || t.maxTokens <= 0 || len(msgs) <= 1 {
		return msgs
	}

	// Leading system prompts are kept whatever the budget.
	n := 0
	for n < len(msgs)-1 && msgs[n].Role == RoleSystem {
		n++
	}
	system, turns := msgs[:n], msgs[n:]
	prompt := func() []PromptMessage {
		out := make([]PromptMessage, 0, len(system)+len(turns))
		return append(append(out, system...), turns...)
	}

	dropped := 0
	for len(turns) > 1 {
		count, err := t.counter.Count(model, prompt())
		if err != nil {
			t.log.Warn().Err(err).Str("model", model).Msg("token count failed, using character estimate")
			count, _ = CharCounter{}.Count(model, prompt())
		}
		if count <= t.maxTokens {
			break
		}
		turns = turns[1:]
		dropped++
	}
	// Providers expect the turns to open with a user message.
	for len(turns) > 1 && turns[0].Role == RoleAssistant {
		turns = turns[1:]
		dropped++
	}

	if dropped == 0 {
		return msgs
	}
	t.log.Debug().Int("dropped", dropped).Int("kept", len(turns)).Msg("history trimmed due to token limit")
	return prompt()
}
