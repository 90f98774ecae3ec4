package adapters

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware emits an OpenTelemetry span per provider request
// with model, token, and outcome attributes.
func TracingMiddleware() Middleware {
	return func(next CoreChat) CoreChat {
		return &tracingChat{next: next, tracer: otel.Tracer("chat-adapter")}
	}
}

type tracingChat struct {
	next   CoreChat
	tracer trace.Tracer
}

func (t *tracingChat) Model() string { return t.next.Model() }

func (t *tracingChat) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	ctx, span := t.tracer.Start(ctx, "chat.request",
		trace.WithAttributes(
			attribute.String("llm.provider", providerName(t.next.Model())),
			attribute.String("llm.model", t.next.Model()),
			attribute.Int("llm.prompt_length", len(prompt)),
		),
	)
	defer span.End()

	response, tokensIn, tokensOut, err := t.next.DoRequest(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, 0, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_in", tokensIn),
		attribute.Int("llm.tokens_out", tokensOut),
	)
	return response, tokensIn, tokensOut, nil
}
