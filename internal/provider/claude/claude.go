package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vnmchuo/llmclient/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type ClaudeProvider struct {
	settings provider.Settings
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   float64         `json:"temperature"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    *claudeChoice   `json:"tool_choice,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *claudeSource   `json:"source,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// New builds the Anthropic messages adapter.
func New(s provider.Settings) *ClaudeProvider {
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	return &ClaudeProvider{settings: s}
}

func (p *ClaudeProvider) Name() string  { return "anthropic" }
func (p *ClaudeProvider) Model() string { return p.settings.Model }

func (p *ClaudeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	var resp claudeResponse
	if err := provider.DoJSON(ctx, p.settings, p.call(req, p.mapRequest(req, false)), &resp); err != nil {
		return nil, err
	}

	res := &provider.Result{
		Usage: &provider.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			res.ToolCalls = append(res.ToolCalls, provider.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	res.Text = text.String()
	return res, nil
}

func (p *ClaudeProvider) GenerateStreaming(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	return provider.Stream(ctx, p.settings, p.call(req, p.mapRequest(req, true)), newStreamDecoder(), onEvent)
}

func (p *ClaudeProvider) call(req *provider.Request, body claudeRequest) *provider.Call {
	return &provider.Call{
		Provider: p.Name(),
		Model:    p.settings.Model,
		URL:      strings.TrimRight(p.settings.BaseURL, "/") + "/messages",
		Body:     body,
		Header: http.Header{
			"X-Api-Key":         {p.settings.APIKey},
			"Anthropic-Version": {anthropicVersion},
		},
		Metadata: req.Metadata,
	}
}

// mapRequest keeps message order as given. The backend only knows user and
// assistant turns, so system and tool messages are sent as user turns.
func (p *ClaudeProvider) mapRequest(req *provider.Request, stream bool) claudeRequest {
	messages := make([]claudeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}

		var content []claudeContent
		for _, part := range m.Content {
			switch part.Type {
			case provider.PartText:
				content = append(content, claudeContent{Type: "text", Text: part.Text})
			case provider.PartImageURL:
				content = append(content, claudeContent{
					Type:   "image",
					Source: &claudeSource{Type: "url", URL: part.URL, MediaType: part.MIME},
				})
			}
		}
		if len(content) == 0 {
			content = []claudeContent{{Type: "text", Text: ""}}
		}
		messages = append(messages, claudeMessage{Role: role, Content: content})
	}

	out := claudeRequest{
		Model:         p.settings.Model,
		MaxTokens:     p.settings.MaxTokensFor(req),
		System:        req.System,
		Messages:      messages,
		Temperature:   p.settings.TemperatureFor(req),
		TopP:          req.TopP,
		StopSequences: req.Stop,
		ToolChoice:    mapToolChoice(req.ToolChoice),
		Stream:        stream,
	}
	for _, t := range req.Tools {
		schema := t.JSONSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func mapToolChoice(tc *provider.ToolChoice) *claudeChoice {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case provider.ToolChoiceAuto:
		return &claudeChoice{Type: "auto"}
	case provider.ToolChoiceRequired:
		return &claudeChoice{Type: "any"}
	case provider.ToolChoiceNone:
		return &claudeChoice{Type: "none"}
	case provider.ToolChoiceNamed:
		return &claudeChoice{Type: "tool", Name: tc.Name}
	}
	return nil
}
