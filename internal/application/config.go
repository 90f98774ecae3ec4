// Package application wires the workflow orchestration core together:
// parsing and validating declarations, compiling them into executable
// graphs, and running executions against shared state.
package application

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// Node types form the closed set of behaviors a declaration may reference.
const (
	NodeTypeInput      = "input"
	NodeTypeRouter     = "router"
	NodeTypeLLM        = "llm"
	NodeTypeImage      = "image"
	NodeTypeDB         = "db"
	NodeTypeAggregator = "aggregator"
)

// Source kinds form the closed set of external service categories.
const (
	SourceKindLLM   = "llm"
	SourceKindImage = "image"
	SourceKindDB    = "db"
	SourceKindAPI   = "api"
)

// Spec is the in-memory representation of a workflow declaration: the
// directed graph of computation steps, external-service configuration,
// and per-edge bandwidth policy. A Spec is immutable once validation
// begins and is discarded when its compiled graph is discarded.
type Spec struct {
	// Nodes declares the computation steps in stable declaration order.
	Nodes []NodeSpec `json:"nodes" validate:"required,min=1,dive"`
	// Edges declares directed connections between nodes.
	Edges []EdgeSpec `json:"edges" validate:"dive"`
	// Queues declares bandwidth-gated channels between node pairs.
	Queues []QueueSpec `json:"queues" validate:"dive"`
	// Sources declares the external services nodes may reference.
	Sources []SourceSpec `json:"sources" validate:"dive"`
	// StartNode names the node execution begins at.
	StartNode string `json:"start_node" validate:"required"`

	indexOnce sync.Once
	nodeIdx   map[string]*NodeSpec
	sourceIdx map[string]*SourceSpec
	queueIdx  map[string]*QueueSpec
	outgoing  map[string][]*EdgeSpec
	incoming  map[string][]*EdgeSpec
}

// NodeSpec declares a single computation step.
type NodeSpec struct {
	// ID is the node's identifier, unique within the spec.
	ID string `json:"id" validate:"required"`
	// Type selects the node behavior.
	Type string `json:"type" validate:"required,oneof=input router llm image db aggregator"`
	// Metadata carries type-specific configuration such as a source
	// reference, prompt template, or routing rules. Unknown keys are
	// preserved opaquely.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SourceRef returns the node's external source reference, if declared.
func (n NodeSpec) SourceRef() (string, bool) {
	src, ok := n.Metadata["source"].(string)
	return src, ok && src != ""
}

// RequiresSource reports whether this node type must reference a source.
func (n NodeSpec) RequiresSource() bool {
	switch n.Type {
	case NodeTypeLLM, NodeTypeImage, NodeTypeDB:
		return true
	}
	return false
}

// EdgeSpec declares a directed connection between nodes. A list-valued
// target fans out into parallel branches sharing the same origin.
type EdgeSpec struct {
	// From names the origin node.
	From string `json:"from" validate:"required"`
	// To names one or more target nodes. Multiple targets execute in
	// parallel and merge at their common descendant.
	To TargetList `json:"to" validate:"required,min=1"`
	// Queue optionally names the bandwidth gate for this edge.
	Queue string `json:"queue,omitempty"`
	// Condition optionally guards traversal with a predicate over state.
	Condition string `json:"condition,omitempty"`
}

// TargetList is the "to" field of an edge: a single node id or a
// non-empty list of node ids on the wire, always a list in memory.
type TargetList []string

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (t *TargetList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TargetList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("edge target must be a string or list of strings")
	}
	*t = TargetList(many)
	return nil
}

// MarshalJSON renders a single target as a bare string to keep
// serialize/parse round-trips canonical.
func (t TargetList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// QueueSpec declares a bandwidth-gated channel between two nodes.
type QueueSpec struct {
	// ID is the queue's identifier, unique within the spec.
	ID string `json:"id" validate:"required"`
	// From and To name the node pair the queue sits between.
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
	// Bandwidth declares the admission policies; absent means ungated.
	Bandwidth *Bandwidth `json:"bandwidth,omitempty"`
	// SubQueues partition the queue into weighted lanes.
	SubQueues []SubQueueSpec `json:"sub_queues,omitempty" validate:"dive"`
}

// Bandwidth declares the optional admission policies of one queue. All
// policies present must be satisfied simultaneously.
type Bandwidth struct {
	// MaxMessagesPerSecond enforces a minimum interval between admissions.
	MaxMessagesPerSecond int `json:"max_messages_per_second,omitempty" validate:"omitempty,gt=0"`
	// MaxRequestsPerMinute bounds admissions in any sliding 60 s window.
	MaxRequestsPerMinute int `json:"max_requests_per_minute,omitempty" validate:"omitempty,gt=0"`
	// MaxTokensPerMinute bounds token weight in any sliding 60 s window.
	MaxTokensPerMinute int `json:"max_tokens_per_minute,omitempty" validate:"omitempty,gt=0"`
	// BurstSize permits this many instant admissions after idle.
	BurstSize int `json:"burst_size,omitempty" validate:"omitempty,gt=0"`
}

// Empty reports whether no policy is configured.
func (b *Bandwidth) Empty() bool {
	return b == nil || (b.MaxMessagesPerSecond == 0 && b.MaxRequestsPerMinute == 0 &&
		b.MaxTokensPerMinute == 0 && b.BurstSize == 0)
}

// SubQueueSpec declares one weighted lane of a queue. Weights within a
// queue sum to at most 1; the remainder is the default lane's share.
type SubQueueSpec struct {
	ID     string  `json:"id" validate:"required"`
	Weight float64 `json:"weight" validate:"gte=0,lte=1"`
}

// SourceSpec declares one external service configuration. Values denoting
// secrets are names of environment variables, never literals.
type SourceSpec struct {
	// ID is the source's identifier, unique within the spec.
	ID string `json:"id" validate:"required"`
	// Kind categorizes the service.
	Kind string `json:"kind" validate:"required,oneof=llm image db api"`
	// Config is the kind-specific configuration mapping.
	Config map[string]any `json:"config,omitempty"`
}

// ParseSpec decodes a workflow declaration from its canonical JSON wire
// format. Unknown top-level keys are rejected as malformed; unknown keys
// inside node metadata and source config are preserved opaquely.
// It fails with domain.ErrMalformedSpec when the byte stream is not
// well-formed JSON or a field has the wrong type.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedSpec, err)
	}
	// Trailing garbage after the top-level object is malformed too.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after declaration", domain.ErrMalformedSpec)
	}
	return &spec, nil
}

// Serialize renders the spec back to its canonical JSON wire format.
func (s *Spec) Serialize() ([]byte, error) {
	out, err := json.Marshal(struct {
		Nodes     []NodeSpec   `json:"nodes"`
		Edges     []EdgeSpec   `json:"edges"`
		Queues    []QueueSpec  `json:"queues"`
		Sources   []SourceSpec `json:"sources"`
		StartNode string       `json:"start_node"`
	}{
		Nodes:     s.Nodes,
		Edges:     orEmptyEdges(s.Edges),
		Queues:    orEmpty(s.Queues),
		Sources:   orEmpty(s.Sources),
		StartNode: s.StartNode,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize spec: %w", err)
	}
	return out, nil
}

func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func orEmptyEdges(in []EdgeSpec) []EdgeSpec {
	if in == nil {
		return []EdgeSpec{}
	}
	return in
}

// buildIndex constructs the O(1) lookup maps. Duplicate ids keep the
// first declaration; the validator reports duplicates separately.
func (s *Spec) buildIndex() {
	s.indexOnce.Do(func() {
		s.nodeIdx = make(map[string]*NodeSpec, len(s.Nodes))
		for i := range s.Nodes {
			n := &s.Nodes[i]
			if _, exists := s.nodeIdx[n.ID]; !exists {
				s.nodeIdx[n.ID] = n
			}
		}

		s.sourceIdx = make(map[string]*SourceSpec, len(s.Sources))
		for i := range s.Sources {
			src := &s.Sources[i]
			if _, exists := s.sourceIdx[src.ID]; !exists {
				s.sourceIdx[src.ID] = src
			}
		}

		s.queueIdx = make(map[string]*QueueSpec, len(s.Queues))
		for i := range s.Queues {
			q := &s.Queues[i]
			if _, exists := s.queueIdx[q.ID]; !exists {
				s.queueIdx[q.ID] = q
			}
		}

		s.outgoing = make(map[string][]*EdgeSpec)
		s.incoming = make(map[string][]*EdgeSpec)
		for i := range s.Edges {
			e := &s.Edges[i]
			s.outgoing[e.From] = append(s.outgoing[e.From], e)
			for _, target := range e.To {
				s.incoming[target] = append(s.incoming[target], e)
			}
		}
	})
}

// NodeByID returns the node declared with the given id.
func (s *Spec) NodeByID(id string) (*NodeSpec, bool) {
	s.buildIndex()
	n, ok := s.nodeIdx[id]
	return n, ok
}

// SourceByID returns the source declared with the given id.
func (s *Spec) SourceByID(id string) (*SourceSpec, bool) {
	s.buildIndex()
	src, ok := s.sourceIdx[id]
	return src, ok
}

// QueueByID returns the queue declared with the given id.
func (s *Spec) QueueByID(id string) (*QueueSpec, bool) {
	s.buildIndex()
	q, ok := s.queueIdx[id]
	return q, ok
}

// OutgoingEdges returns the edges originating at the node, in declaration
// order.
func (s *Spec) OutgoingEdges(nodeID string) []*EdgeSpec {
	s.buildIndex()
	return s.outgoing[nodeID]
}

// IncomingEdges returns the edges targeting the node, in declaration
// order.
func (s *Spec) IncomingEdges(nodeID string) []*EdgeSpec {
	s.buildIndex()
	return s.incoming[nodeID]
}
