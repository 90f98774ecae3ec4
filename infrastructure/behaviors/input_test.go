package behaviors

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// applyDelta replays a behavior's delta onto a base state the way the
// executor would, so tests can assert on resulting state values.
func applyDelta(d *domain.Delta, base domain.State) domain.State {
	h := make(domain.History, 0, d.Len())
	for i, op := range d.Ops() {
		h = append(h, domain.Record{Seq: uint64(i + 1), NodeID: "test", Op: op})
	}
	return h.Apply(base)
}

func stateWithInput(input string) domain.State {
	return domain.With(domain.NewState(), domain.KeyUserInput, input)
}

// TestNewInputBehavior verifies construction and config validation.
func TestNewInputBehavior(t *testing.T) {
	b, err := NewInputBehavior("input_1", InputConfig{MaxLength: 100})
	require.NoError(t, err)
	assert.Equal(t, "input_1", b.ID())

	_, err = NewInputBehavior("", InputConfig{})
	assert.ErrorIs(t, err, ErrEmptyNodeID)

	_, err = NewInputBehavior("input_1", InputConfig{MaxLength: -1})
	assert.Error(t, err, "Negative max_length must fail construction.")
}

// TestInputBehavior_Execute tests input validation and normalization.
func TestInputBehavior_Execute(t *testing.T) {
	tests := []struct {
		name      string
		config    InputConfig
		state     domain.State
		wantErr   bool
		wantInput string
	}{
		{
			name:      "valid input passes through",
			config:    InputConfig{},
			state:     stateWithInput("hello"),
			wantInput: "hello",
		},
		{
			name:    "missing input fails",
			config:  InputConfig{},
			state:   domain.NewState(),
			wantErr: true,
		},
		{
			name:    "empty input fails",
			config:  InputConfig{},
			state:   stateWithInput(""),
			wantErr: true,
		},
		{
			name:      "missing input takes the default",
			config:    InputConfig{Default: "fallback question"},
			state:     domain.NewState(),
			wantInput: "fallback question",
		},
		{
			name:      "trim normalizes whitespace",
			config:    InputConfig{Trim: true},
			state:     stateWithInput("  spaced out  "),
			wantInput: "spaced out",
		},
		{
			name:      "whitespace-only input with trim takes the default",
			config:    InputConfig{Trim: true, Default: "fallback"},
			state:     stateWithInput("   "),
			wantInput: "fallback",
		},
		{
			name:    "input over the length cap fails",
			config:  InputConfig{MaxLength: 10},
			state:   stateWithInput(strings.Repeat("x", 11)),
			wantErr: true,
		},
		{
			name:      "input at the length cap passes",
			config:    InputConfig{MaxLength: 10},
			state:     stateWithInput(strings.Repeat("x", 10)),
			wantInput: strings.Repeat("x", 10),
		},
		{
			name:    "length cap counts runes not bytes",
			config:  InputConfig{MaxLength: 4},
			state:   stateWithInput("héllo"), // 5 runes, 6 bytes
			wantErr: true,
		},
		{
			name:      "multibyte input within rune cap passes",
			config:    InputConfig{MaxLength: 5},
			state:     stateWithInput("héllo"),
			wantInput: "héllo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewInputBehavior("input_1", tt.config)
			require.NoError(t, err)

			delta, err := b.Execute(context.Background(), tt.state)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			result := applyDelta(delta, tt.state)
			got, _ := domain.Get(result, domain.KeyUserInput)
			assert.Equal(t, tt.wantInput, got)
		})
	}
}

// TestCreateInputBehavior verifies metadata decoding, including opaque
// extra keys.
func TestCreateInputBehavior(t *testing.T) {
	b, err := CreateInputBehavior("input_1", map[string]any{
		"max_length": float64(50),
		"trim":       true,
		"x_extra":    "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, 50, b.config.MaxLength)
	assert.True(t, b.config.Trim)

	_, err = CreateInputBehavior("input_1", map[string]any{"max_length": "not a number"})
	assert.Error(t, err, "Mistyped metadata must fail the factory.")
}
