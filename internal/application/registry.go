package application

import (
	"maps"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// SourceEntry is one resolved external-service configuration.
type SourceEntry struct {
	// ID is the source identifier from the declaration.
	ID string
	// Kind categorizes the service (llm, image, db, api).
	Kind string
	// Config is the kind-specific configuration mapping. Secret values
	// are environment variable names resolved lazily by adapters at
	// invocation time; the registry never holds secret material.
	Config ports.SourceConfig
}

// SourceRegistry is a read-only indexed view over a spec's sources,
// keyed by id. A compiled graph owns its own snapshot, so registries can
// outlive the spec they were built from.
type SourceRegistry struct {
	entries map[string]SourceEntry
}

// NewSourceRegistry builds a registry snapshot from the declared sources.
// Configurations are copied so later spec mutation cannot leak through.
func NewSourceRegistry(sources []SourceSpec) *SourceRegistry {
	entries := make(map[string]SourceEntry, len(sources))
	for _, src := range sources {
		if _, dup := entries[src.ID]; dup {
			// First declaration wins; duplicates are a validation defect.
			continue
		}
		entries[src.ID] = SourceEntry{
			ID:     src.ID,
			Kind:   src.Kind,
			Config: ports.SourceConfig(maps.Clone(src.Config)),
		}
	}
	return &SourceRegistry{entries: entries}
}

// Lookup returns the source entry registered under id.
func (r *SourceRegistry) Lookup(id string) (SourceEntry, bool) {
	entry, ok := r.entries[id]
	return entry, ok
}

// Len returns the number of registered sources.
func (r *SourceRegistry) Len() int { return len(r.entries) }
