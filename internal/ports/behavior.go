// Package ports defines the core interfaces that form the contract between
// the domain/application layers and the infrastructure layer.
// These interfaces enable dependency inversion and make the system testable.
package ports

import (
	"context"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// Behavior is the per-type computation attached to a graph node. It is a
// pure morphism from input state to a state delta, parameterized by the
// node id and metadata it was constructed with.
// Behaviors must be stateless and safe for concurrent execution.
type Behavior interface {
	// ID returns the id of the node this behavior instance is bound to.
	// The id is used for error attribution and the execution path.
	ID() string

	// Execute reads the immutable input state and returns the mutations
	// it wants applied as a Delta. The input state MUST NOT be modified;
	// domain.State uses copy-on-write semantics and the same instance may
	// be visible to parallel branches concurrently.
	//
	// Failures are signaled through the returned error; the executor
	// converts it into a NodeError record and skips descendants.
	Execute(ctx context.Context, state domain.State) (*domain.Delta, error)
}

// BehaviorFactory builds a behavior for one node from its id and metadata
// mapping. Factories are selected by node type at compile time; an error
// from a factory aborts compilation.
type BehaviorFactory func(id string, metadata map[string]any) (Behavior, error)
