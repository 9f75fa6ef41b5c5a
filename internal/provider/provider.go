package provider

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one element of a message body: either text or an image
// referenced by URL.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
}

func Text(s string) ContentPart {
	return ContentPart{Type: PartText, Text: s}
}

func ImageURL(url, mime string) ContentPart {
	return ContentPart{Type: PartImageURL, URL: url, MIME: mime}
}

type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// UserText builds a single-part user message.
func UserText(s string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{Text(s)}}
}

// PlainText concatenates the text parts of a message, ignoring images.
func (m Message) PlainText() string {
	if len(m.Content) == 1 && m.Content[0].Type == PartText {
		return m.Content[0].Text
	}
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

type ToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"`
}

// Request is the backend-agnostic completion request. Message order is
// preserved by every adapter.
type Request struct {
	System          string             `json:"system,omitempty"`
	Messages        []Message          `json:"messages"`
	Tools           []ToolSpec         `json:"tools,omitempty"`
	ToolChoice      *ToolChoice        `json:"tool_choice,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	TopP            *float64           `json:"top_p,omitempty"`
	Stop            []string           `json:"stop,omitempty"`
	Seed            *int64             `json:"seed,omitempty"`
	LogitBias       map[string]float64 `json:"logit_bias,omitempty"`
	ResponseFormat  json.RawMessage    `json:"response_format,omitempty"`
	MaxOutputTokens int                `json:"max_output_tokens,omitempty"`
	// Metadata entries are forwarded as request headers where the backend allows it.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Result struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	// Shape names the wire variant that produced the result, when the
	// backend has more than one.
	Shape string `json:"shape,omitempty"`
}

type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req *Request) (*Result, error)
	// GenerateStreaming calls onEvent once per event, in arrival order, on the
	// calling goroutine, and returns the folded result after Finished.
	GenerateStreaming(ctx context.Context, req *Request, onEvent func(StreamEvent)) (*Result, error)
}
