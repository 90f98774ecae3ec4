package application

import (
	"fmt"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
	"github.com/agentflow-io/agentflow/internal/ratelimit"
)

// FactoryBuilder produces the node-type to behavior-factory table for one
// compilation, given the graph's source registry. Infrastructure supplies
// the builder so the compiler stays free of adapter imports.
type FactoryBuilder func(registry *SourceRegistry) map[string]ports.BehaviorFactory

// CompileOptions carries the collaborators a compilation needs.
type CompileOptions struct {
	// Factories builds the behavior factory table. Required.
	Factories FactoryBuilder

	// Metrics optionally observes queue wait times and execution counters.
	Metrics ports.MetricsCollector
}

// compiledEdge is one fan-out-expanded traversal: a single origin/target
// pair with its resolved queue gate and compiled condition.
type compiledEdge struct {
	from      string
	to        string
	queueID   string
	predicate *Predicate
}

// CompiledGraph is an immutable executable artifact: behaviors bound per
// node, adjacency in declaration order, compiled edge predicates, and a
// live rate limiter owning the declared queue gates. A compiled graph is
// safe for concurrent executions; its queue counters are shared across
// them and live until Close.
type CompiledGraph struct {
	start     string
	nodes     map[string]*NodeSpec
	behaviors map[string]ports.Behavior
	outgoing  map[string][]*compiledEdge
	incoming  map[string][]*compiledEdge
	registry  *SourceRegistry
	limiter   *ratelimit.Limiter
	metrics   ports.MetricsCollector
}

// Compile validates the declaration and lowers it into an executable
// graph. Any validation defect aborts compilation with the full defect
// list; behavior construction failures abort with domain.ErrCompile.
func Compile(spec *Spec, opts CompileOptions) (*CompiledGraph, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, errs
	}
	if opts.Factories == nil {
		return nil, fmt.Errorf("%w: no behavior factories supplied", domain.ErrCompile)
	}

	registry := NewSourceRegistry(spec.Sources)
	factories := opts.Factories(registry)

	g := &CompiledGraph{
		start:     spec.StartNode,
		nodes:     make(map[string]*NodeSpec, len(spec.Nodes)),
		behaviors: make(map[string]ports.Behavior, len(spec.Nodes)),
		outgoing:  make(map[string][]*compiledEdge),
		incoming:  make(map[string][]*compiledEdge),
		registry:  registry,
		limiter:   ratelimit.New(),
		metrics:   opts.Metrics,
	}
	if opts.Metrics != nil {
		g.limiter.SetMetrics(opts.Metrics)
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		g.nodes[n.ID] = n

		factory, ok := factories[n.Type]
		if !ok {
			g.limiter.Close()
			return nil, fmt.Errorf("%w: no behavior registered for node type %q", domain.ErrCompile, n.Type)
		}
		behavior, err := factory(n.ID, n.Metadata)
		if err != nil {
			g.limiter.Close()
			return nil, fmt.Errorf("%w: node %q: %v", domain.ErrCompile, n.ID, err)
		}
		g.behaviors[n.ID] = behavior
	}

	if err := g.compileEdges(spec); err != nil {
		g.limiter.Close()
		return nil, err
	}
	g.registerQueues(spec)

	return g, nil
}

// compileEdges expands fan-out targets into single-target edges, compiles
// conditions, and resolves each pair's queue gate. An explicit edge queue
// reference is authoritative; otherwise a standalone queue declared over
// the same node pair attaches implicitly.
func (g *CompiledGraph) compileEdges(spec *Spec) error {
	pairQueue := make(map[[2]string]string, len(spec.Queues))
	for _, q := range spec.Queues {
		key := [2]string{q.From, q.To}
		if _, taken := pairQueue[key]; !taken {
			pairQueue[key] = q.ID
		}
	}

	for _, e := range spec.Edges {
		var predicate *Predicate
		if e.Condition != "" {
			p, err := CompilePredicate(e.Condition)
			if err != nil {
				return err
			}
			predicate = p
		}

		for _, target := range e.To {
			queueID := e.Queue
			if queueID == "" {
				queueID = pairQueue[[2]string{e.From, target}]
			}
			ce := &compiledEdge{
				from:      e.From,
				to:        target,
				queueID:   queueID,
				predicate: predicate,
			}
			g.outgoing[e.From] = append(g.outgoing[e.From], ce)
			g.incoming[target] = append(g.incoming[target], ce)
		}
	}
	return nil
}

// registerQueues installs every declared bandwidth policy on the graph's
// limiter. Queues without any policy still exist as pass-through channels
// and need no gate.
func (g *CompiledGraph) registerQueues(spec *Spec) {
	for _, q := range spec.Queues {
		if q.Bandwidth.Empty() && len(q.SubQueues) == 0 {
			continue
		}
		cfg := ratelimit.Config{}
		if q.Bandwidth != nil {
			cfg.MessagesPerSecond = q.Bandwidth.MaxMessagesPerSecond
			cfg.RequestsPerMinute = q.Bandwidth.MaxRequestsPerMinute
			cfg.TokensPerMinute = q.Bandwidth.MaxTokensPerMinute
			cfg.Burst = q.Bandwidth.BurstSize
		}
		for _, sq := range q.SubQueues {
			cfg.Lanes = append(cfg.Lanes, ratelimit.Lane{ID: sq.ID, Weight: sq.Weight})
		}
		g.limiter.Register(q.ID, cfg)
	}
}

// StartNode returns the id execution begins at.
func (g *CompiledGraph) StartNode() string { return g.start }

// Sources returns the graph's resolved source registry.
func (g *CompiledGraph) Sources() *SourceRegistry { return g.registry }

// Gate returns the graph's queue admission gate.
func (g *CompiledGraph) Gate() ports.Gate { return g.limiter }

// Close releases the graph's rate limiter; in-flight executions observe
// cancellation. Close is idempotent.
func (g *CompiledGraph) Close() { g.limiter.Close() }
