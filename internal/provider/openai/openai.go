package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/vnmchuo/llmclient/internal/prefcache"
	"github.com/vnmchuo/llmclient/internal/provider"
)

const (
	DefaultBaseURL           = "https://api.openai.com/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Shape is one way of asking the backend for a completion: an endpoint plus
// the name of its output token budget parameter.
type Shape string

const (
	ShapeChat                   Shape = "chat"
	ShapeChatMaxCompletion      Shape = "chat_max_completion"
	ShapeChatMaxOutput          Shape = "chat_max_output"
	ShapeResponsesMaxOutput     Shape = "responses_max_output"
	ShapeResponsesMaxCompletion Shape = "responses_max_completion"
)

func (s Shape) responses() bool {
	return s == ShapeResponsesMaxOutput || s == ShapeResponsesMaxCompletion
}

func (s Shape) path() string {
	if s.responses() {
		return "/responses"
	}
	return "/chat/completions"
}

func (s Shape) tokenParam() string {
	switch s {
	case ShapeChatMaxCompletion, ShapeResponsesMaxCompletion:
		return "max_completion_tokens"
	case ShapeChatMaxOutput, ShapeResponsesMaxOutput:
		return "max_output_tokens"
	}
	return "max_tokens"
}

func (s Shape) valid() bool {
	switch s {
	case ShapeChat, ShapeChatMaxCompletion, ShapeChatMaxOutput, ShapeResponsesMaxOutput, ShapeResponsesMaxCompletion:
		return true
	}
	return false
}

// OpenAIProvider talks to OpenAI-compatible backends. The OpenAI variant
// moves between the chat and responses endpoints; the OpenRouter variant
// stays on chat and only swaps the token parameter name.
type OpenAIProvider struct {
	name     string
	settings provider.Settings
	cache    *prefcache.Cache
	fallback func(suggested string) Shape
}

// New builds the OpenAI adapter. cache may be nil, in which case learned
// shapes only live for the adapter's lifetime.
func New(s provider.Settings, cache *prefcache.Cache) *OpenAIProvider {
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	return &OpenAIProvider{name: "openai", settings: s, cache: orMemory(cache), fallback: openAIFallback}
}

func NewOpenRouter(s provider.Settings, cache *prefcache.Cache) *OpenAIProvider {
	if s.BaseURL == "" {
		s.BaseURL = DefaultOpenRouterBaseURL
	}
	return &OpenAIProvider{name: "openrouter", settings: s, cache: orMemory(cache), fallback: openRouterFallback}
}

func orMemory(c *prefcache.Cache) *prefcache.Cache {
	if c == nil {
		return prefcache.Memory()
	}
	return c
}

func openAIFallback(suggested string) Shape {
	switch suggested {
	case "max_completion_tokens":
		return ShapeResponsesMaxCompletion
	case "max_output_tokens":
		return ShapeResponsesMaxOutput
	}
	return ShapeChat
}

func openRouterFallback(suggested string) Shape {
	switch suggested {
	case "max_completion_tokens":
		return ShapeChatMaxCompletion
	case "max_output_tokens":
		return ShapeChatMaxOutput
	}
	return ShapeChat
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.settings.Model }

// Shape returns the shape the next call will try first.
func (p *OpenAIProvider) Shape() Shape {
	if cached, ok := p.cache.Get(p.settings.Model); ok && Shape(cached).valid() {
		return Shape(cached)
	}
	return ShapeChat
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	return p.withFallback(ctx, func(shape Shape) (*provider.Result, error) {
		if shape.responses() {
			var resp responsesResponse
			if err := provider.DoJSON(ctx, p.settings, p.call(shape, req, p.responsesRequest(shape, req, false)), &resp); err != nil {
				return nil, err
			}
			return resp.result(p.errorContext(shape))
		}
		var resp chatResponse
		if err := provider.DoJSON(ctx, p.settings, p.call(shape, req, p.chatRequest(shape, req, false)), &resp); err != nil {
			return nil, err
		}
		return resp.result(p.errorContext(shape))
	})
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	return p.withFallback(ctx, func(shape Shape) (*provider.Result, error) {
		if shape.responses() {
			c := p.call(shape, req, p.responsesRequest(shape, req, true))
			return provider.Stream(ctx, p.settings, c, &responsesDecoder{}, onEvent)
		}
		c := p.call(shape, req, p.chatRequest(shape, req, true))
		return provider.Stream(ctx, p.settings, c, newChatDecoder(), onEvent)
	})
}

// withFallback runs attempt with the preferred shape. A parameter rejection
// that names a different shape is retried once with that shape, and the
// shape is remembered for the model when the retry succeeds.
func (p *OpenAIProvider) withFallback(ctx context.Context, attempt func(Shape) (*provider.Result, error)) (*provider.Result, error) {
	shape := p.Shape()
	res, err := attempt(shape)
	if err == nil {
		return res, nil
	}

	suggested, ok := provider.IsParameterIncompatible(err)
	if !ok {
		return nil, err
	}
	next := p.fallback(suggested)
	if next == shape {
		return nil, err
	}

	log.Printf("%s %s: %s rejected, retrying with %s", p.name, p.settings.Model, shape, next)
	res, err = attempt(next)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, p.settings.Model, string(next))
	return res, nil
}

func (p *OpenAIProvider) call(shape Shape, req *provider.Request, body any) *provider.Call {
	return &provider.Call{
		Provider: p.name,
		Model:    p.settings.Model,
		Shape:    string(shape),
		URL:      strings.TrimRight(p.settings.BaseURL, "/") + shape.path(),
		Body:     body,
		Header:   http.Header{"Authorization": {"Bearer " + p.settings.APIKey}},
		Metadata: req.Metadata,
	}
}

func (p *OpenAIProvider) errorContext(shape Shape) *provider.Call {
	return &provider.Call{Provider: p.name, Model: p.settings.Model, Shape: string(shape)}
}

func mapToolChoice(tc *provider.ToolChoice, responses bool) any {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case provider.ToolChoiceAuto, provider.ToolChoiceNone, provider.ToolChoiceRequired:
		return tc.Mode
	case provider.ToolChoiceNamed:
		if responses {
			return map[string]string{"type": "function", "name": tc.Name}
		}
		return map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}}
	}
	return nil
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func schemaOrEmpty(s json.RawMessage) json.RawMessage {
	if len(s) == 0 {
		return emptyObjectSchema
	}
	return s
}

// normalizeArguments validates a tool call's argument string. Backends send
// "" for argument-less calls.
func normalizeArguments(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("invalid tool arguments: %q", raw)
	}
	return json.RawMessage(raw), nil
}
