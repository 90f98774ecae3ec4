package behaviors

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.Behavior = (*InputBehavior)(nil)

// InputBehavior validates and normalizes the caller-supplied input that
// seeds an execution. It is the conventional entry node of a workflow:
// a missing, empty, or oversized input fails here, before any external
// service is touched.
type InputBehavior struct {
	id     string
	config InputConfig
}

// InputConfig defines the metadata parameters accepted by input nodes.
type InputConfig struct {
	// Source is accepted for schema uniformity and ignored; input nodes
	// consume no external service.
	Source string `json:"source,omitempty"`

	// MaxLength caps the input size in runes. Zero means unlimited.
	MaxLength int `json:"max_length,omitempty" validate:"gte=0"`

	// Default seeds user_input when the caller supplied none.
	Default string `json:"default,omitempty"`

	// Trim removes surrounding whitespace before validation.
	Trim bool `json:"trim,omitempty"`

	// Timeout is read by the executor, not the behavior.
	Timeout float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// NewInputBehavior creates an input behavior bound to a node id.
func NewInputBehavior(id string, config InputConfig) (*InputBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &InputBehavior{id: id, config: config}, nil
}

// ID returns the bound node id.
func (b *InputBehavior) ID() string { return b.id }

// Execute validates the input text present in the state. It fails with an
// invalid-input error when the text is missing and no default is
// configured, or when it exceeds the configured length cap.
func (b *InputBehavior) Execute(_ context.Context, state domain.State) (*domain.Delta, error) {
	input, ok := domain.Get(state, domain.KeyUserInput)
	if b.config.Trim {
		input = strings.TrimSpace(input)
	}

	if !ok || input == "" {
		if b.config.Default == "" {
			return nil, fmt.Errorf("user_input is required and was not provided")
		}
		input = b.config.Default
	}

	if b.config.MaxLength > 0 {
		if n := utf8.RuneCountInString(input); n > b.config.MaxLength {
			return nil, fmt.Errorf("user_input length %d exceeds limit %d", n, b.config.MaxLength)
		}
	}

	delta := &domain.Delta{}
	domain.SetKey(delta, domain.KeyUserInput, input)
	return delta, nil
}

// CreateInputBehavior builds an input behavior from node metadata.
func CreateInputBehavior(id string, metadata map[string]any) (*InputBehavior, error) {
	var config InputConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}
	return NewInputBehavior(id, config)
}
