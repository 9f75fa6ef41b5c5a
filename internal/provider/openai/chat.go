package openai

import (
	"encoding/json"
	"sort"

	"github.com/vnmchuo/llmclient/internal/provider"
)

type chatRequest struct {
	Model               string             `json:"model"`
	Messages            []chatMessage      `json:"messages"`
	MaxTokens           int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                `json:"max_completion_tokens,omitempty"`
	MaxOutputTokens     int                `json:"max_output_tokens,omitempty"`
	Temperature         float64            `json:"temperature"`
	TopP                *float64           `json:"top_p,omitempty"`
	Stop                []string           `json:"stop,omitempty"`
	Seed                *int64             `json:"seed,omitempty"`
	LogitBias           map[string]float64 `json:"logit_bias,omitempty"`
	ResponseFormat      json.RawMessage    `json:"response_format,omitempty"`
	Tools               []chatTool         `json:"tools,omitempty"`
	ToolChoice          any                `json:"tool_choice,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *chatStreamOptions `json:"stream_options,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatMessage content is a plain string, or a part list when the message
// carries images.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      chatRespMessage `json:"message"`
	Delta        chatRespMessage `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type chatRespMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls"`
}

type chatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatStreamChunk struct {
	chatResponse
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) chatRequest(shape Shape, req *provider.Request, stream bool) chatRequest {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: chatContent(m)})
	}

	out := chatRequest{
		Model:          p.settings.Model,
		Messages:       messages,
		Temperature:    p.settings.TemperatureFor(req),
		TopP:           req.TopP,
		Stop:           req.Stop,
		Seed:           req.Seed,
		LogitBias:      req.LogitBias,
		ResponseFormat: req.ResponseFormat,
		ToolChoice:     mapToolChoice(req.ToolChoice, false),
		Stream:         stream,
	}
	if stream {
		out.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}

	tokens := p.settings.MaxTokensFor(req)
	switch shape.tokenParam() {
	case "max_completion_tokens":
		out.MaxCompletionTokens = tokens
	case "max_output_tokens":
		out.MaxOutputTokens = tokens
	default:
		out.MaxTokens = tokens
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.JSONSchema),
			},
		})
	}
	return out
}

func chatContent(m provider.Message) any {
	hasImage := false
	for _, part := range m.Content {
		if part.Type == provider.PartImageURL {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return m.PlainText()
	}

	parts := make([]chatPart, 0, len(m.Content))
	for _, part := range m.Content {
		switch part.Type {
		case provider.PartText:
			parts = append(parts, chatPart{Type: "text", Text: part.Text})
		case provider.PartImageURL:
			parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: part.URL}})
		}
	}
	return parts
}

func (r *chatResponse) result(c *provider.Call) (*provider.Result, error) {
	if len(r.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape,
			Status: 200, Message: "response contained no choices"}
	}

	msg := r.Choices[0].Message
	res := &provider.Result{Shape: c.Shape}
	if msg.Content != nil {
		res.Text = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		args, err := normalizeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape,
				Status: 200, Message: "tool call " + tc.Function.Name + ": " + err.Error(), Err: err}
		}
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if r.Usage != nil {
		res.Usage = &provider.Usage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
	}
	return res, nil
}

// chatDecoder assembles chat-completions stream chunks. Tool call fragments
// are keyed by index and flushed together when the choice finishes.
type chatDecoder struct {
	pending map[int]*pendingCall
	order   []int
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

func newChatDecoder() *chatDecoder {
	return &chatDecoder{pending: make(map[int]*pendingCall)}
}

func (d *chatDecoder) Decode(ev provider.SSEEvent, emit func(provider.StreamEvent)) (bool, error) {
	if ev.Data == "[DONE]" {
		if err := d.flush(ev, emit); err != nil {
			return false, err
		}
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil
	}

	var chunk chatStreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return false, provider.Malformed(ev, err)
	}
	if chunk.Error != nil {
		return false, provider.StreamFailure(chunk.Error.Type, chunk.Error.Message)
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: *choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := d.pending[tc.Index]
			if !ok {
				pc = &pendingCall{}
				d.pending[tc.Index] = pc
				d.order = append(d.order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args = append(pc.args, tc.Function.Arguments...)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			if err := d.flush(ev, emit); err != nil {
				return false, err
			}
		}
	}

	if chunk.Usage != nil {
		emit(provider.StreamEvent{Type: provider.EventUsage, Usage: &provider.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}})
	}
	return false, nil
}

func (d *chatDecoder) Finish(emit func(provider.StreamEvent)) error {
	return d.flush(provider.SSEEvent{}, emit)
}

func (d *chatDecoder) flush(ev provider.SSEEvent, emit func(provider.StreamEvent)) error {
	sort.Ints(d.order)
	for _, idx := range d.order {
		pc := d.pending[idx]
		args, err := normalizeArguments(string(pc.args))
		if err != nil {
			return provider.Malformed(ev, err)
		}
		emit(provider.StreamEvent{Type: provider.EventToolCall, ToolCall: &provider.ToolCall{ID: pc.id, Name: pc.name, Arguments: args}})
	}
	d.pending = make(map[int]*pendingCall)
	d.order = nil
	return nil
}
