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

var _ ports.Behavior = (*ImageBehavior)(nil)

// ImageBehavior renders a prompt template and invokes the image
// generation capability of its source, recording the image location and
// a cost increment.
type ImageBehavior struct {
	id     string
	config ImageConfig
	images ports.ImageGenerator
	source ports.SourceConfig
	tracer trace.Tracer
}

// ImageConfig defines the metadata parameters accepted by image nodes.
type ImageConfig struct {
	// Source names the image source; resolved by the factory.
	Source string `json:"source" validate:"required"`

	// Prompt is the generation template. {user_input} when empty.
	// prompt_template is an accepted alias.
	Prompt         string `json:"prompt,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`

	// Size is the provider-specific dimension string, such as 1024x1024.
	Size string `json:"size,omitempty"`

	// Model overrides the source's configured model.
	Model string `json:"model,omitempty"`

	// OutputKey overrides where the result lands; image_result when empty.
	OutputKey string `json:"output_key,omitempty"`

	StrictTemplates bool    `json:"strict_templates,omitempty"`
	Timeout         float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// NewImageBehavior creates an image behavior bound to a resolved source.
func NewImageBehavior(id string, config ImageConfig, images ports.ImageGenerator, source ports.SourceConfig) (*ImageBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if images == nil {
		return nil, fmt.Errorf("image node requires an image generation capability")
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
		config.OutputKey = domain.KeyImageResult.Name()
	}
	return &ImageBehavior{
		id:     id,
		config: config,
		images: images,
		source: source,
		tracer: otel.Tracer("image-behavior"),
	}, nil
}

// ID returns the bound node id.
func (b *ImageBehavior) ID() string { return b.id }

// Execute renders the prompt and generates one image. The result value
// is a mapping with the url and any provider metadata, so it serializes
// cleanly in the exported state.
func (b *ImageBehavior) Execute(ctx context.Context, state domain.State) (*domain.Delta, error) {
	ctx, span := b.tracer.Start(ctx, "ImageBehavior.Execute",
		trace.WithAttributes(attribute.String("node.id", b.id)),
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

	result, err := b.images.Generate(ctx, b.source, prompt, ports.ImageOptions{
		Size:  b.config.Size,
		Model: b.config.Model,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	value := map[string]any{"url": result.URL, "prompt": prompt}
	for k, v := range result.Metadata {
		value[k] = v
	}

	delta := &domain.Delta{}
	delta.Set(b.config.OutputKey, value)
	if perImage, ok := b.source.GetFloat("cost_per_image"); ok && perImage > 0 {
		delta.AddFloat(domain.KeyCost.Name(), perImage)
	}
	for _, w := range warnings {
		delta.Warn(w)
	}
	return delta, nil
}

// CreateImageBehavior builds an image behavior from node metadata.
func CreateImageBehavior(id string, metadata map[string]any, images ports.ImageGenerator, source ports.SourceConfig) (*ImageBehavior, error) {
	var config ImageConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}
	return NewImageBehavior(id, config, images, source)
}
