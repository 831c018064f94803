package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PartType discriminates the variants of Part.
type PartType string

const (
	PartTypeText      PartType = "text"
	PartTypeReasoning PartType = "reasoning"
	PartTypeTool      PartType = "tool"
	PartTypeSourceURL PartType = "source_url"
	PartTypeFile      PartType = "file"
)

// Part lifecycle states.
const (
	StateStreaming       = "streaming"
	StateDone            = "done"
	StateIncomplete      = "incomplete"
	StateInputAvailable  = "input-available"
	StateOutputAvailable = "output-available"
	StateOutputError     = "output-error"
)

const (
	defaultToolPartState = StateOutputAvailable
	defaultTextPartState = StateDone
)

// Part is one typed fragment of a message. Exactly one variant pointer,
// the one selected by Type, is non-nil.
type Part struct {
	Type  PartType
	Index int

	Text      *TextPart
	Reasoning *ReasoningPart
	Tool      *ToolPart
	SourceURL *SourceURLPart
	File      *FilePart
}

type TextPart struct {
	Text  string
	State string
}

type ReasoningPart struct {
	Text             string
	State            string
	ProviderMetadata json.RawMessage
}

type ToolPart struct {
	ToolCallID string
	Input      json.RawMessage
	Output     json.RawMessage
	State      string
	ErrorText  string
}

type SourceURLPart struct {
	SourceID         string
	URL              string
	Title            string
	ProviderMetadata json.RawMessage
}

type FilePart struct {
	URL       string
	MediaType string
	Filename  string
}

func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: &TextPart{Text: text, State: defaultTextPartState}}
}

func NewReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Reasoning: &ReasoningPart{Text: text, State: defaultTextPartState}}
}

func NewToolPart(callID string, input, output json.RawMessage) Part {
	return Part{Type: PartTypeTool, Tool: &ToolPart{
		ToolCallID: callID,
		Input:      input,
		Output:     output,
		State:      defaultToolPartState,
	}}
}

func NewSourceURLPart(sourceID, url, title string) Part {
	return Part{Type: PartTypeSourceURL, SourceURL: &SourceURLPart{SourceID: sourceID, URL: url, Title: title}}
}

func NewFilePart(url, mediaType, filename string) Part {
	return Part{Type: PartTypeFile, File: &FilePart{URL: url, MediaType: mediaType, Filename: filename}}
}

// Validate checks that the variant matches the tag and carries its
// required fields.
func (p Part) Validate() error {
	set := 0
	for _, ok := range []bool{p.Text != nil, p.Reasoning != nil, p.Tool != nil, p.SourceURL != nil, p.File != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("part %d: expected exactly one variant, got %d", p.Index, set)
	}

	switch p.Type {
	case PartTypeText:
		if p.Text == nil {
			return fmt.Errorf("part %d: text variant missing", p.Index)
		}
	case PartTypeReasoning:
		if p.Reasoning == nil {
			return fmt.Errorf("part %d: reasoning variant missing", p.Index)
		}
	case PartTypeTool:
		if p.Tool == nil {
			return fmt.Errorf("part %d: tool variant missing", p.Index)
		}
		if p.Tool.ToolCallID == "" {
			return fmt.Errorf("part %d: tool_call_id is required", p.Index)
		}
	case PartTypeSourceURL:
		if p.SourceURL == nil {
			return fmt.Errorf("part %d: source_url variant missing", p.Index)
		}
		if p.SourceURL.SourceID == "" || p.SourceURL.URL == "" {
			return fmt.Errorf("part %d: source_id and url are required", p.Index)
		}
	case PartTypeFile:
		if p.File == nil {
			return fmt.Errorf("part %d: file variant missing", p.Index)
		}
		if p.File.URL == "" {
			return fmt.Errorf("part %d: url is required", p.Index)
		}
	default:
		return fmt.Errorf("part %d: unknown type %q", p.Index, p.Type)
	}
	return nil
}

// partJSON is the flat wire shape of a Part.
type partJSON struct {
	Type             PartType        `json:"type"`
	Index            int             `json:"index"`
	Text             *string         `json:"text,omitempty"`
	Reasoning        *string         `json:"reasoning,omitempty"`
	State            string          `json:"state,omitempty"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	ErrorText        string          `json:"error_text,omitempty"`
	SourceID         string          `json:"source_id,omitempty"`
	URL              string          `json:"url,omitempty"`
	Title            string          `json:"title,omitempty"`
	MediaType        string          `json:"media_type,omitempty"`
	Filename         string          `json:"filename,omitempty"`
}

func (p Part) MarshalJSON() ([]byte, error) {
	out := partJSON{Type: p.Type, Index: p.Index}
	switch p.Type {
	case PartTypeText:
		if p.Text == nil {
			return nil, errors.New("text part without text variant")
		}
		out.Text = &p.Text.Text
		out.State = p.Text.State
	case PartTypeReasoning:
		if p.Reasoning == nil {
			return nil, errors.New("reasoning part without reasoning variant")
		}
		out.Reasoning = &p.Reasoning.Text
		out.State = p.Reasoning.State
		out.ProviderMetadata = p.Reasoning.ProviderMetadata
	case PartTypeTool:
		if p.Tool == nil {
			return nil, errors.New("tool part without tool variant")
		}
		out.ToolCallID = p.Tool.ToolCallID
		out.Input = p.Tool.Input
		out.Output = p.Tool.Output
		out.State = p.Tool.State
		out.ErrorText = p.Tool.ErrorText
	case PartTypeSourceURL:
		if p.SourceURL == nil {
			return nil, errors.New("source_url part without source_url variant")
		}
		out.SourceID = p.SourceURL.SourceID
		out.URL = p.SourceURL.URL
		out.Title = p.SourceURL.Title
		out.ProviderMetadata = p.SourceURL.ProviderMetadata
	case PartTypeFile:
		if p.File == nil {
			return nil, errors.New("file part without file variant")
		}
		out.URL = p.File.URL
		out.MediaType = p.File.MediaType
		out.Filename = p.File.Filename
	default:
		return nil, fmt.Errorf("unknown part type %q", p.Type)
	}
	return json.Marshal(out)
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var in partJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	part := Part{Type: in.Type, Index: in.Index}
	switch in.Type {
	case PartTypeText:
		if in.Text == nil {
			return errors.New("text part requires a text field")
		}
		part.Text = &TextPart{Text: *in.Text, State: in.State}
	case PartTypeReasoning:
		if in.Reasoning == nil {
			return errors.New("reasoning part requires a reasoning field")
		}
		part.Reasoning = &ReasoningPart{Text: *in.Reasoning, State: in.State, ProviderMetadata: in.ProviderMetadata}
	case PartTypeTool:
		state := in.State
		if state == "" {
			state = defaultToolPartState
		}
		part.Tool = &ToolPart{
			ToolCallID: in.ToolCallID,
			Input:      in.Input,
			Output:     in.Output,
			State:      state,
			ErrorText:  in.ErrorText,
		}
	case PartTypeSourceURL:
		part.SourceURL = &SourceURLPart{
			SourceID:         in.SourceID,
			URL:              in.URL,
			Title:            in.Title,
			ProviderMetadata: in.ProviderMetadata,
		}
	case PartTypeFile:
		part.File = &FilePart{URL: in.URL, MediaType: in.MediaType, Filename: in.Filename}
	default:
		return fmt.Errorf("unknown part type %q", in.Type)
	}

	*p = part
	return nil
}
