package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/vnmchuo/llmclient/internal/provider"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiProvider struct {
	settings provider.Settings
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FileData     *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunction `json:"functionDeclarations"`
}

type geminiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiCallingConfig `json:"functionCallingConfig"`
}

type geminiCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      float64  `json:"temperature"`
	TopP             *float64 `json:"topP,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	Error         *geminiError         `json:"error"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// New builds the Gemini generateContent adapter.
func New(s provider.Settings) *GeminiProvider {
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	return &GeminiProvider{settings: s}
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.settings.Model }

func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	c := p.call(req, ":generateContent")
	var resp geminiResponse
	if err := provider.DoJSON(ctx, p.settings, c, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model,
			Status: resp.Error.Code, Message: resp.Error.Message}
	}
	if len(resp.Candidates) == 0 {
		return nil, &provider.Error{Kind: provider.KindUpstream, Provider: c.Provider, Model: c.Model,
			Status: http.StatusOK, Message: "gemini api returned no candidates"}
	}

	res := &provider.Result{Usage: resp.usage()}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
		if part.FunctionCall != nil {
			res.ToolCalls = append(res.ToolCalls, toolCall(part.FunctionCall))
		}
	}
	res.Text = text.String()
	return res, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	return provider.Stream(ctx, p.settings, p.call(req, ":streamGenerateContent?alt=sse"), &streamDecoder{}, onEvent)
}

func (p *GeminiProvider) call(req *provider.Request, method string) *provider.Call {
	return &provider.Call{
		Provider: p.Name(),
		Model:    p.settings.Model,
		URL:      strings.TrimRight(p.settings.BaseURL, "/") + "/models/" + url.PathEscape(p.settings.Model) + method,
		Body:     p.mapRequest(req),
		Header:   http.Header{"X-Goog-Api-Key": {p.settings.APIKey}},
		Metadata: req.Metadata,
	}
}

// mapRequest sends assistant turns as "model" and every other turn as
// "user"; the system prompt travels separately as systemInstruction.
func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		for _, part := range m.Content {
			switch part.Type {
			case provider.PartText:
				parts = append(parts, geminiPart{Text: part.Text})
			case provider.PartImageURL:
				parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: part.MIME, FileURI: part.URL}})
			}
		}
		if len(parts) == 0 {
			parts = []geminiPart{{Text: ""}}
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: p.settings.MaxTokensFor(req),
			Temperature:     p.settings.TemperatureFor(req),
			TopP:            req.TopP,
			StopSequences:   req.Stop,
			Seed:            req.Seed,
		},
		ToolConfig: mapToolChoice(req.ToolChoice),
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.ResponseFormat) > 0 {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	if len(req.Tools) > 0 {
		var decls []geminiFunction
		for _, t := range req.Tools {
			decls = append(decls, geminiFunction{Name: t.Name, Description: t.Description, Parameters: t.JSONSchema})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

func mapToolChoice(tc *provider.ToolChoice) *geminiToolConfig {
	if tc == nil {
		return nil
	}
	var cfg geminiCallingConfig
	switch tc.Mode {
	case provider.ToolChoiceAuto:
		cfg.Mode = "AUTO"
	case provider.ToolChoiceNone:
		cfg.Mode = "NONE"
	case provider.ToolChoiceRequired:
		cfg.Mode = "ANY"
	case provider.ToolChoiceNamed:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	default:
		return nil
	}
	return &geminiToolConfig{FunctionCallingConfig: cfg}
}

func (r *geminiResponse) usage() *provider.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	return &provider.Usage{InputTokens: r.UsageMetadata.PromptTokenCount, OutputTokens: r.UsageMetadata.CandidatesTokenCount}
}

// toolCall assigns an id, since the backend does not name its calls.
func toolCall(fc *geminiFunctionCall) provider.ToolCall {
	args := fc.Args
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	return provider.ToolCall{ID: "call_" + uuid.NewString(), Name: fc.Name, Arguments: args}
}

// streamDecoder handles alt=sse output. Every frame is a complete
// GenerateContentResponse and the stream has no terminal frame of its own,
// so completion is the end of the body.
type streamDecoder struct{}

func (d *streamDecoder) Decode(ev provider.SSEEvent, emit func(provider.StreamEvent)) (bool, error) {
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return false, provider.Malformed(ev, err)
	}
	if chunk.Error != nil {
		return false, provider.StreamFailure(chunk.Error.Status, chunk.Error.Message)
	}

	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: part.Text})
			}
			if part.FunctionCall != nil {
				call := toolCall(part.FunctionCall)
				emit(provider.StreamEvent{Type: provider.EventToolCall, ToolCall: &call})
			}
		}
	}
	if u := chunk.usage(); u != nil {
		emit(provider.StreamEvent{Type: provider.EventUsage, Usage: u})
	}
	return false, nil
}

func (d *streamDecoder) Finish(emit func(provider.StreamEvent)) error {
	return nil
}
