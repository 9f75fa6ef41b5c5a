package openai

import (
	"encoding/json"
	"strings"

	"github.com/vnmchuo/llmclient/internal/provider"
)

type responsesRequest struct {
	Model               string          `json:"model"`
	Instructions        string          `json:"instructions,omitempty"`
	Input               []responsesItem `json:"input"`
	MaxOutputTokens     int             `json:"max_output_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature"`
	TopP                *float64        `json:"top_p,omitempty"`
	Tools               []responsesTool `json:"tools,omitempty"`
	ToolChoice          any             `json:"tool_choice,omitempty"`
	Text                json.RawMessage `json:"text,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type responsesItem struct {
	Role    string             `json:"role"`
	Content []responsesContent `json:"content"`
}

type responsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responsesResponse struct {
	ID         string                `json:"id"`
	Status     string                `json:"status"`
	OutputText string                `json:"output_text"`
	Output     []responsesOutputItem `json:"output"`
	Usage      *responsesUsage       `json:"usage"`
	Error      *responsesError       `json:"error"`
}

type responsesOutputItem struct {
	Type      string             `json:"type"`
	ID        string             `json:"id"`
	CallID    string             `json:"call_id"`
	Name      string             `json:"name"`
	Arguments string             `json:"arguments"`
	Content   []responsesContent `json:"content"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responsesError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type responsesStreamEvent struct {
	Type     string               `json:"type"`
	Delta    string               `json:"delta"`
	Item     *responsesOutputItem `json:"item"`
	Response *responsesResponse   `json:"response"`
	Code     string               `json:"code"`
	Message  string               `json:"message"`
}

func (p *OpenAIProvider) responsesRequest(shape Shape, req *provider.Request, stream bool) responsesRequest {
	out := responsesRequest{
		Model:        p.settings.Model,
		Instructions: req.System,
		Temperature:  p.settings.TemperatureFor(req),
		TopP:         req.TopP,
		ToolChoice:   mapToolChoice(req.ToolChoice, true),
		Stream:       stream,
	}
	if len(req.ResponseFormat) > 0 {
		out.Text, _ = json.Marshal(map[string]json.RawMessage{"format": req.ResponseFormat})
	}

	tokens := p.settings.MaxTokensFor(req)
	if shape.tokenParam() == "max_completion_tokens" {
		out.MaxCompletionTokens = tokens
	} else {
		out.MaxOutputTokens = tokens
	}

	for _, m := range req.Messages {
		role := string(m.Role)
		textType := "input_text"
		switch m.Role {
		case provider.RoleAssistant:
			textType = "output_text"
		case provider.RoleTool:
			role = "user"
		}

		item := responsesItem{Role: role}
		for _, part := range m.Content {
			switch part.Type {
			case provider.PartText:
				item.Content = append(item.Content, responsesContent{Type: textType, Text: part.Text})
			case provider.PartImageURL:
				item.Content = append(item.Content, responsesContent{Type: "input_image", ImageURL: part.URL})
			}
		}
		if len(item.Content) == 0 {
			item.Content = []responsesContent{{Type: textType, Text: ""}}
		}
		out.Input = append(out.Input, item)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOrEmpty(t.JSONSchema),
		})
	}
	return out
}

func (r *responsesResponse) result(c *provider.Call) (*provider.Result, error) {
	if r.Error != nil && r.Error.Message != "" {
		return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape,
			Status: 200, Message: r.Error.Message}
	}

	res := &provider.Result{Shape: c.Shape}
	var text strings.Builder
	for _, item := range r.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		case "function_call":
			call, err := item.toolCall()
			if err != nil {
				return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape,
					Status: 200, Message: "tool call " + item.Name + ": " + err.Error(), Err: err}
			}
			res.ToolCalls = append(res.ToolCalls, call)
		}
	}
	res.Text = text.String()
	if res.Text == "" {
		res.Text = r.OutputText
	}
	if r.Usage != nil {
		res.Usage = &provider.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}
	}
	return res, nil
}

func (item *responsesOutputItem) toolCall() (provider.ToolCall, error) {
	args, err := normalizeArguments(item.Arguments)
	if err != nil {
		return provider.ToolCall{}, err
	}
	id := item.CallID
	if id == "" {
		id = item.ID
	}
	return provider.ToolCall{ID: id, Name: item.Name, Arguments: args}, nil
}

// responsesDecoder handles the typed event stream of the responses endpoint.
// Function calls are emitted from output_item.done, when their arguments are
// complete.
type responsesDecoder struct{}

func (d *responsesDecoder) Decode(ev provider.SSEEvent, emit func(provider.StreamEvent)) (bool, error) {
	if ev.Data == "[DONE]" {
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil
	}

	var se responsesStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return false, provider.Malformed(ev, err)
	}
	kind := se.Type
	if kind == "" {
		kind = ev.Type
	}

	switch kind {
	case "response.output_text.delta":
		if se.Delta != "" {
			emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: se.Delta})
		}
	case "response.output_item.done":
		if se.Item != nil && se.Item.Type == "function_call" {
			call, err := se.Item.toolCall()
			if err != nil {
				return false, provider.Malformed(ev, err)
			}
			emit(provider.StreamEvent{Type: provider.EventToolCall, ToolCall: &call})
		}
	case "response.completed", "response.incomplete":
		if se.Response != nil && se.Response.Usage != nil {
			emit(provider.StreamEvent{Type: provider.EventUsage, Usage: &provider.Usage{
				InputTokens:  se.Response.Usage.InputTokens,
				OutputTokens: se.Response.Usage.OutputTokens,
			}})
		}
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil
	case "response.failed":
		msg := "response failed"
		errType := ""
		if se.Response != nil && se.Response.Error != nil {
			msg = se.Response.Error.Message
			errType = se.Response.Error.Code
		}
		return false, provider.StreamFailure(errType, msg)
	case "error":
		return false, provider.StreamFailure(se.Code, se.Message)
	}
	return false, nil
}

func (d *responsesDecoder) Finish(emit func(provider.StreamEvent)) error {
	return nil
}
