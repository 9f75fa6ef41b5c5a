package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llmclient/internal/provider"
)

type tracedProvider struct {
	next   provider.Provider
	tracer trace.Tracer
}

// WrapProvider records one span per call, tagged with the backend, the wire
// shape that answered, token usage and the error kind on failure.
func WrapProvider(p provider.Provider, tracer trace.Tracer) provider.Provider {
	return &tracedProvider{next: p, tracer: tracer}
}

func (t *tracedProvider) Name() string  { return t.next.Name() }
func (t *tracedProvider) Model() string { return t.next.Model() }

func (t *tracedProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	ctx, span := t.start(ctx, "llm.generate", req)
	defer span.End()

	res, err := t.next.Generate(ctx, req)
	t.finish(span, res, err)
	return res, err
}

func (t *tracedProvider) GenerateStreaming(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	ctx, span := t.start(ctx, "llm.generate_streaming", req)
	defer span.End()

	first := true
	res, err := t.next.GenerateStreaming(ctx, req, func(ev provider.StreamEvent) {
		if first && ev.Type == provider.EventTextDelta {
			span.AddEvent("first_token")
			first = false
		}
		onEvent(ev)
	})
	t.finish(span, res, err)
	return res, err
}

func (t *tracedProvider) start(ctx context.Context, name string, req *provider.Request) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("llm.provider", t.next.Name()),
		attribute.String("llm.model", t.next.Model()),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	))
}

func (t *tracedProvider) finish(span trace.Span, res *provider.Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := provider.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("llm.error_kind", string(kind)))
		}
		return
	}
	if res.Shape != "" {
		span.SetAttributes(attribute.String("llm.shape", res.Shape))
	}
	if res.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", res.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", res.Usage.OutputTokens),
		)
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(res.ToolCalls)))
}
