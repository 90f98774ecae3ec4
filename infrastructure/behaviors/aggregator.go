package behaviors

import (
	"context"
	"fmt"
	"time"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.Behavior = (*AggregatorBehavior)(nil)

// Aggregation modes supported by aggregator nodes.
const (
	// ModeMerge collects every present result key into one mapping.
	ModeMerge = "merge"

	// ModeTemplate renders a template over the state as the final output.
	ModeTemplate = "template"

	// ModePriority picks the first present key from an ordered list.
	ModePriority = "priority"
)

// defaultPriority is the key order used by ModePriority when the
// declaration lists none.
var defaultPriority = []string{
	domain.KeyTextResult.Name(),
	domain.KeyImageResult.Name(),
	domain.KeyDBResult.Name(),
}

// AggregatorBehavior combines branch results into the final output and
// stamps the execution's end time. It is the conventional terminal node
// of a workflow; fan-in merging happened before it ran, so it sees the
// joined state of every branch that reached it.
type AggregatorBehavior struct {
	id     string
	config AggregatorConfig
	now    func() time.Time
}

// AggregatorConfig defines the metadata parameters accepted by
// aggregator nodes.
type AggregatorConfig struct {
	// Mode selects the combination strategy; merge when empty.
	// strategy is an accepted alias.
	Mode     string `json:"mode,omitempty" validate:"omitempty,oneof=merge template priority"`
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=merge template priority"`

	// Template is the output template for ModeTemplate.
	Template string `json:"template,omitempty"`

	// Priority is the ordered key list for ModePriority.
	Priority []string `json:"priority,omitempty"`

	// Keys restricts ModeMerge to the listed keys; every known result
	// key when empty. source_keys is an accepted alias, shared with
	// ModePriority's ordering.
	Keys       []string `json:"keys,omitempty"`
	SourceKeys []string `json:"source_keys,omitempty"`

	// OutputKey overrides where the result lands; final_output when empty.
	OutputKey string `json:"output_key,omitempty"`

	Timeout float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// NewAggregatorBehavior creates an aggregator behavior.
func NewAggregatorBehavior(id string, config AggregatorConfig) (*AggregatorBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if config.Mode == "" {
		config.Mode = config.Strategy
	}
	if config.Mode == "" {
		config.Mode = ModeMerge
	}
	if len(config.Keys) == 0 {
		config.Keys = config.SourceKeys
	}
	if len(config.Priority) == 0 {
		config.Priority = config.SourceKeys
	}
	if config.Mode == ModeTemplate && config.Template == "" {
		return nil, fmt.Errorf("template mode requires metadata.template")
	}
	if config.OutputKey == "" {
		config.OutputKey = domain.KeyFinalOutput.Name()
	}
	return &AggregatorBehavior{id: id, config: config, now: time.Now}, nil
}

// ID returns the bound node id.
func (b *AggregatorBehavior) ID() string { return b.id }

// Execute combines the present results into the final output and records
// end_time and execution_time.
func (b *AggregatorBehavior) Execute(_ context.Context, state domain.State) (*domain.Delta, error) {
	delta := &domain.Delta{}

	switch b.config.Mode {
	case ModeTemplate:
		rendered, warnings := renderTemplate(b.config.Template, state)
		delta.Set(b.config.OutputKey, rendered)
		for _, w := range warnings {
			delta.Warn(w)
		}

	case ModePriority:
		keys := b.config.Priority
		if len(keys) == 0 {
			keys = defaultPriority
		}
		var picked bool
		for _, key := range keys {
			if v, ok := state.GetRaw(key); ok && v != nil {
				delta.Set(b.config.OutputKey, v)
				picked = true
				break
			}
		}
		if !picked {
			delta.Set(b.config.OutputKey, nil)
			delta.Warn("aggregation found no result to prioritize")
		}

	default:
		keys := b.config.Keys
		if len(keys) == 0 {
			keys = defaultPriority
		}
		merged := make(map[string]any)
		for _, key := range keys {
			if v, ok := state.GetRaw(key); ok && v != nil {
				merged[key] = v
			}
		}
		delta.Set(b.config.OutputKey, merged)
	}

	end := b.now()
	domain.SetKey(delta, domain.KeyEndTime, end)
	if start, ok := domain.Get(state, domain.KeyStartTime); ok {
		domain.SetKey(delta, domain.KeyExecutionTime, end.Sub(start).Seconds())
	}
	return delta, nil
}

// CreateAggregatorBehavior builds an aggregator behavior from node
// metadata.
func CreateAggregatorBehavior(id string, metadata map[string]any) (*AggregatorBehavior, error) {
	var config AggregatorConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}
	return NewAggregatorBehavior(id, config)
}
