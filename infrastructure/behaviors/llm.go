package behaviors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.Behavior = (*LLMBehavior)(nil)

// LLMBehavior renders a prompt template against the state, invokes the
// chat completion capability of its source, and records the completion
// text plus token and cost accounting.
type LLMBehavior struct {
	id        string
	config    LLMConfig
	chat      ports.ChatCompleter
	source    ports.SourceConfig
	estimator ports.TokenEstimator
	tracer    trace.Tracer
}

// LLMConfig defines the metadata parameters accepted by llm nodes.
type LLMConfig struct {
	// Source names the llm source; resolved by the factory.
	Source string `json:"source" validate:"required"`

	// Prompt is the template sent to the provider. {user_input} when empty.
	// prompt_template is an accepted alias.
	Prompt         string `json:"prompt,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`

	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// OutputKey overrides where the completion text lands; text_result
	// when empty.
	OutputKey string `json:"output_key,omitempty"`

	// Temperature, MaxTokens, and Model override the source defaults.
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"gte=0"`
	Model       string   `json:"model,omitempty"`

	// StrictTemplates fails the node on unresolved placeholders instead
	// of warning and sending the literal text.
	StrictTemplates bool `json:"strict_templates,omitempty"`

	Timeout float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// NewLLMBehavior creates an llm behavior bound to a resolved source.
func NewLLMBehavior(id string, config LLMConfig, chat ports.ChatCompleter, source ports.SourceConfig, estimator ports.TokenEstimator) (*LLMBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if chat == nil {
		return nil, fmt.Errorf("llm node requires a chat capability")
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if config.Prompt == "" {
		config.Prompt = config.PromptTemplate
	}
	if config.Prompt == "" {
		config.Prompt = "{user_input}"
	}
	if config.OutputKey == "" {
		config.OutputKey = domain.KeyTextResult.Name()
	}
	return &LLMBehavior{
		id:        id,
		config:    config,
		chat:      chat,
		source:    source,
		estimator: estimator,
		tracer:    otel.Tracer("llm-behavior"),
	}, nil
}

// ID returns the bound node id.
func (b *LLMBehavior) ID() string { return b.id }

// Execute renders the prompt and performs one chat completion. The delta
// carries the completion text, a token counter increment, and a cost
// increment derived from the source's cost_per_1k_tokens.
func (b *LLMBehavior) Execute(ctx context.Context, state domain.State) (*domain.Delta, error) {
	ctx, span := b.tracer.Start(ctx, "LLMBehavior.Execute",
		trace.WithAttributes(
			attribute.String("node.id", b.id),
			attribute.String("llm.output_key", b.config.OutputKey),
		),
	)
	defer span.End()

	var (
		prompt   string
		warnings []string
		err      error
	)
	if b.config.StrictTemplates {
		prompt, err = renderTemplateStrict(b.config.Prompt, state)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		prompt, warnings = renderTemplate(b.config.Prompt, state)
	}

	result, err := b.chat.Complete(ctx, b.source, prompt, ports.ChatOptions{
		SystemPrompt: b.config.SystemPrompt,
		Temperature:  b.config.Temperature,
		MaxTokens:    b.config.MaxTokens,
		Model:        b.config.Model,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	tokens := result.TokensUsed
	if tokens == 0 && b.estimator != nil {
		// Estimate each side on its own so the prompt's last word and the
		// completion's first word never fuse into one token.
		tokens = b.estimator.EstimateTokens(prompt) + b.estimator.EstimateTokens(result.Text)
	}
	span.SetAttributes(attribute.Int("llm.tokens_used", tokens))

	delta := &domain.Delta{}
	delta.Set(b.config.OutputKey, result.Text)
	delta.AddInt(domain.KeyTokensUsed.Name(), int64(tokens))
	if per1k, ok := b.source.GetFloat("cost_per_1k_tokens"); ok && per1k > 0 {
		delta.AddFloat(domain.KeyCost.Name(), float64(tokens)/1000.0*per1k)
	}
	for _, w := range warnings {
		delta.Warn(w)
	}
	return delta, nil
}

// CreateLLMBehavior builds an llm behavior from node metadata.
func CreateLLMBehavior(id string, metadata map[string]any, chat ports.ChatCompleter, source ports.SourceConfig, estimator ports.TokenEstimator) (*LLMBehavior, error) {
	var config LLMConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}
	return NewLLMBehavior(id, config, chat, source, estimator)
}
