// Package behaviors provides the node behavior implementations bound into
// compiled workflow graphs: input validation, intent routing, llm and
// image generation, read-only database queries, and result aggregation.
package behaviors

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/agentflow-io/agentflow/internal/application"
	"github.com/agentflow-io/agentflow/internal/ports"
)

// Common errors returned by behavior constructors.
var (
	// ErrEmptyNodeID is returned when a behavior is created without an id.
	ErrEmptyNodeID = errors.New("node id cannot be empty")

	// ErrSourceNotFound is returned when a node references a source id
	// absent from the graph's registry. Validation catches this earlier;
	// seeing it from a factory indicates a compiler defect.
	ErrSourceNotFound = errors.New("referenced source not found")

	// ErrSourceKindMismatch is returned when a node references a source
	// whose kind does not provide the capability the node consumes.
	ErrSourceKindMismatch = errors.New("source kind does not match node type")
)

// Package-level validator instance for configuration validation.
var validate = validator.New()

// decodeMetadata maps a node's metadata into a typed configuration struct
// through a JSON round-trip. Keys outside the config struct pass through
// untouched; declarations may carry opaque annotations.
func decodeMetadata(metadata map[string]any, out any) error {
	if metadata == nil {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

// Deps bundles the external collaborators behaviors need at runtime.
type Deps struct {
	// Adapters provides the chat, image, db, and http capabilities.
	Adapters ports.AdapterSet

	// Estimator approximates token counts when providers report none.
	// Optional; a character-ratio estimator is used when nil.
	Estimator ports.TokenEstimator
}

// Factories returns the node-type to factory table consumed by the graph
// compiler. Behaviors that invoke external services resolve their source
// configuration from the registry at compile time, so a stale reference
// fails compilation instead of an execution.
func Factories(deps Deps) application.FactoryBuilder {
	return func(registry *application.SourceRegistry) map[string]ports.BehaviorFactory {
		resolve := func(metadata map[string]any, wantKind string) (ports.SourceConfig, error) {
			ref, _ := metadata["source"].(string)
			entry, ok := registry.Lookup(ref)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, ref)
			}
			if entry.Kind != wantKind {
				return nil, fmt.Errorf("%w: source %q is kind %q, need %q",
					ErrSourceKindMismatch, ref, entry.Kind, wantKind)
			}
			return entry.Config, nil
		}

		return map[string]ports.BehaviorFactory{
			application.NodeTypeInput: func(id string, metadata map[string]any) (ports.Behavior, error) {
				return CreateInputBehavior(id, metadata)
			},
			application.NodeTypeRouter: func(id string, metadata map[string]any) (ports.Behavior, error) {
				return CreateRouterBehavior(id, metadata, deps.Adapters.Chat, registry)
			},
			application.NodeTypeLLM: func(id string, metadata map[string]any) (ports.Behavior, error) {
				cfg, err := resolve(metadata, application.SourceKindLLM)
				if err != nil {
					return nil, err
				}
				return CreateLLMBehavior(id, metadata, deps.Adapters.Chat, cfg, deps.Estimator)
			},
			application.NodeTypeImage: func(id string, metadata map[string]any) (ports.Behavior, error) {
				cfg, err := resolve(metadata, application.SourceKindImage)
				if err != nil {
					return nil, err
				}
				return CreateImageBehavior(id, metadata, deps.Adapters.Image, cfg)
			},
			application.NodeTypeDB: func(id string, metadata map[string]any) (ports.Behavior, error) {
				cfg, err := resolve(metadata, application.SourceKindDB)
				if err != nil {
					return nil, err
				}
				return CreateDBBehavior(id, metadata, deps.Adapters.DB, cfg)
			},
			application.NodeTypeAggregator: func(id string, metadata map[string]any) (ports.Behavior, error) {
				return CreateAggregatorBehavior(id, metadata)
			},
		}
	}
}

// stateString reads a string value from the exported state mapping,
// rendering non-string scalars through fmt for template interpolation.
func stateString(exported map[string]any, key string) (string, bool) {
	v, ok := exported[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}
