package application

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

// Execute runs the graph once against the initial state and returns the
// terminal result. Multiple executions of the same compiled graph may run
// concurrently; they share queue counters but nothing else.
//
// Execution never returns an error: behavior failures are folded into the
// final state's error list with status failed, and cancellation yields
// status cancelled with the partial state accumulated so far.
func (g *CompiledGraph) Execute(ctx context.Context, initial domain.State) domain.ExecutionResult {
	run := &execution{
		graph:     g,
		remaining: make(map[string]int, len(g.nodes)),
		inbox:     make(map[string][]*delivery, len(g.nodes)),
		edgePos:   make(map[*compiledEdge]int),
		results:   make(chan nodeResult, len(g.nodes)),
		timings:   make(map[string]float64, len(g.nodes)),
	}

	startTime := time.Now()
	base := initial.
		WithRaw(domain.KeyExecutionID.Name(), uuid.NewString()).
		WithRaw(domain.KeyStartTime.Name(), startTime)
	run.base = base

	for id := range g.nodes {
		run.remaining[id] = len(g.incoming[id])
	}
	for _, edges := range g.incoming {
		for i, e := range edges {
			run.edgePos[e] = i
		}
	}

	run.loop(ctx)

	final := run.finalState()
	status := domain.StatusSuccess
	if run.cancelled {
		status = domain.StatusCancelled
	} else if errs, _ := domain.Get(final, domain.KeyErrors); len(errs) > 0 {
		status = domain.StatusFailed
	}

	elapsed := time.Since(startTime)
	if g.metrics != nil {
		g.metrics.RecordLatency("execution", elapsed, map[string]string{"status": string(status)})
		g.metrics.RecordCounter("executions_total", 1, map[string]string{"status": string(status)})
	}

	tokens, _ := domain.Get(final, domain.KeyTokensUsed)
	cost, _ := domain.Get(final, domain.KeyCost)
	return domain.ExecutionResult{
		Status:     status,
		FinalState: final,
		Metrics: domain.Metrics{
			ExecutionTime: elapsed.Seconds(),
			TokensUsed:    tokens,
			Cost:          cost,
			ExecutionPath: run.path,
		},
	}
}

// delivery is one taken inbound edge: the origin branch's history plus the
// admission cost carried through the edge's queue gate.
type delivery struct {
	history domain.History
	queueID string
	tokens  int
}

// nodeResult is what a worker goroutine reports back to the coordinator.
type nodeResult struct {
	node     string
	history  domain.History
	duration time.Duration
	failure  *domain.NodeError
	err      error
}

// execution is the per-run coordinator state. All fields except seq and
// the results channel are owned by the single coordinator goroutine.
type execution struct {
	graph *CompiledGraph
	base  domain.State
	seq   atomic.Uint64

	remaining map[string]int
	inbox     map[string][]*delivery
	edgePos   map[*compiledEdge]int

	results  chan nodeResult
	inFlight int

	terminals []domain.History
	path      []string
	timings   map[string]float64
	cancelled bool
}

// loop drives the frontier: it dispatches the start node, then processes
// completions until no work remains or the context is cancelled.
func (e *execution) loop(ctx context.Context) {
	e.dispatch(ctx, e.graph.start, nil)

	for e.inFlight > 0 {
		select {
		case res := <-e.results:
			e.inFlight--
			e.handle(ctx, res)
		case <-ctx.Done():
			// In-flight workers observe the same context and unwind on
			// their own; their results are no longer needed.
			e.cancelled = true
			return
		}
	}
}

// dispatch starts a worker goroutine for a ready node.
func (e *execution) dispatch(ctx context.Context, nodeID string, inbound []delivery) {
	e.inFlight++
	go e.runNode(ctx, nodeID, inbound)
}

// runNode acquires the queue gates of every taken inbound edge, executes
// the node's behavior, and reports the extended branch history.
func (e *execution) runNode(ctx context.Context, nodeID string, inbound []delivery) {
	branches := make([]domain.History, 0, len(inbound))
	for _, d := range inbound {
		branches = append(branches, d.history)
	}
	history, joinWarnings := domain.Join(orEmptyHistory(branches))
	for _, w := range joinWarnings {
		history = append(history, e.record(nodeID, domain.Op{
			Kind: domain.OpAppend, Key: domain.KeyWarnings.Name(), Value: w,
		}))
	}

	for _, d := range inbound {
		if d.queueID == "" {
			continue
		}
		adm, err := e.graph.limiter.Acquire(ctx, d.queueID, ports.Cost{Tokens: d.tokens})
		if err != nil {
			e.results <- nodeResult{node: nodeID, history: history, err: err}
			return
		}
		for _, w := range adm.Warnings {
			history = append(history, e.record(nodeID, domain.Op{
				Kind: domain.OpAppend, Key: domain.KeyWarnings.Name(), Value: w,
			}))
		}
	}

	behavior := e.graph.behaviors[nodeID]
	input := history.Apply(e.base)

	nodeCtx := ctx
	if timeout := nodeTimeout(e.graph.nodes[nodeID]); timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	delta, err := behavior.Execute(nodeCtx, input)
	elapsed := time.Since(started)

	if e.graph.metrics != nil {
		e.graph.metrics.RecordLatency("node_execution", elapsed, map[string]string{
			"node": nodeID, "type": e.graph.nodes[nodeID].Type,
		})
	}

	if err != nil {
		if ctx.Err() != nil {
			e.results <- nodeResult{node: nodeID, history: history, err: ctx.Err()}
			return
		}
		nodeErr := &domain.NodeError{
			NodeID:  nodeID,
			Kind:    domain.ClassifyError(err),
			Message: err.Error(),
		}
		e.results <- nodeResult{node: nodeID, history: history, duration: elapsed, failure: nodeErr}
		return
	}

	if delta != nil {
		for _, op := range delta.Ops() {
			history = append(history, e.record(nodeID, op))
		}
	}
	e.results <- nodeResult{node: nodeID, history: history, duration: elapsed}
}

// record stamps an op with the next execution-wide sequence number.
func (e *execution) record(nodeID string, op domain.Op) domain.Record {
	return domain.Record{Seq: e.seq.Add(1), NodeID: nodeID, Op: op}
}

// handle folds one completed node back into the frontier: failures become
// terminal contributions and cut their descendants off; successes evaluate
// outgoing conditions and feed taken edges forward.
func (e *execution) handle(ctx context.Context, res nodeResult) {
	if res.err != nil {
		e.cancelled = true
		e.terminals = append(e.terminals, res.history)
		return
	}

	if res.failure != nil {
		history := append(res.history, e.record(res.node, domain.Op{
			Kind: domain.OpAppend, Key: domain.KeyErrors.Name(), Value: *res.failure,
		}))
		e.terminals = append(e.terminals, history)
		e.skipDescendants(ctx, res.node)
		return
	}

	e.path = append(e.path, res.node)
	e.timings[res.node] = res.duration.Seconds()

	history := res.history
	outgoing := e.graph.outgoing[res.node]
	if len(outgoing) == 0 {
		e.terminals = append(e.terminals, history)
		return
	}

	state := history.Apply(e.base)
	tokens := tokensAdded(history, res.node)

	// Evaluate every condition first: an unconditional edge is a fallback,
	// taken only when no conditional sibling matched.
	matches := make([]bool, len(outgoing))
	matched := 0
	for i, edge := range outgoing {
		if edge.predicate == nil {
			continue
		}
		pass, warnings := edge.predicate.Eval(state)
		for _, w := range warnings {
			history = append(history, e.record(res.node, domain.Op{
				Kind: domain.OpAppend, Key: domain.KeyWarnings.Name(), Value: w,
			}))
		}
		if pass {
			matches[i] = true
			matched++
		}
	}

	taken := 0
	affected := make([]string, 0, len(outgoing))
	for i, edge := range outgoing {
		take := matches[i] || (edge.predicate == nil && matched == 0)

		e.remaining[edge.to]--
		affected = append(affected, edge.to)
		if take {
			taken++
			e.placeDelivery(edge, delivery{history: history, queueID: edge.queueID, tokens: tokens})
		}
	}

	if taken == 0 {
		// Every condition evaluated false and no fallback edge exists: a
		// dead end. The branch ends here with an error on record, and its
		// state still contributes to the final join.
		deadEnd := domain.NodeError{
			NodeID:  res.node,
			Kind:    domain.KindInvalidInput,
			Message: fmt.Sprintf("dead end: no outgoing edge of node %q was taken", res.node),
		}
		history = append(history, e.record(res.node, domain.Op{
			Kind: domain.OpAppend, Key: domain.KeyErrors.Name(), Value: deadEnd,
		}))
		e.terminals = append(e.terminals, history)
	}

	for _, target := range affected {
		e.checkReady(ctx, target)
	}
}

// placeDelivery files a taken edge's payload at the edge's declared
// inbound position so fan-in joins see branches in declaration order.
func (e *execution) placeDelivery(edge *compiledEdge, d delivery) {
	inbound := e.inbox[edge.to]
	if inbound == nil {
		inbound = make([]*delivery, len(e.graph.incoming[edge.to]))
		e.inbox[edge.to] = inbound
	}
	inbound[e.edgePos[edge]] = &d
}

// checkReady dispatches a node once all inbound edges are resolved. A node
// whose inbound edges were all skipped is itself skipped, cascading to its
// descendants.
func (e *execution) checkReady(ctx context.Context, nodeID string) {
	if e.remaining[nodeID] != 0 || e.cancelled {
		return
	}
	// Consume readiness so a later cascade cannot re-trigger the node.
	e.remaining[nodeID] = -1

	inbound := make([]delivery, 0, len(e.inbox[nodeID]))
	for _, d := range e.inbox[nodeID] {
		if d != nil {
			inbound = append(inbound, *d)
		}
	}
	delete(e.inbox, nodeID)

	if len(inbound) == 0 {
		e.skipDescendants(ctx, nodeID)
		return
	}
	e.dispatch(ctx, nodeID, inbound)
}

// skipDescendants resolves every outgoing edge of a node that will not
// run, recursively releasing nodes whose remaining inbound count drains.
func (e *execution) skipDescendants(ctx context.Context, nodeID string) {
	for _, edge := range e.graph.outgoing[nodeID] {
		e.remaining[edge.to]--
		e.checkReady(ctx, edge.to)
	}
}

// finalState joins every terminal branch history and applies the merged
// log to the base state, then records the coordinator-owned bookkeeping.
func (e *execution) finalState() domain.State {
	var state domain.State
	if len(e.terminals) == 0 {
		state = e.base
	} else {
		merged, warnings := domain.Join(e.terminals)
		for _, w := range warnings {
			merged = append(merged, e.record("", domain.Op{
				Kind: domain.OpAppend, Key: domain.KeyWarnings.Name(), Value: w,
			}))
		}
		state = merged.Apply(e.base)
	}

	updates := map[string]any{
		domain.KeyExecutionPath.Name(): append([]string(nil), e.path...),
	}
	if len(e.timings) > 0 {
		updates[domain.KeyNodeTimings.Name()] = e.timings
	}
	return state.WithMultiple(updates)
}

// tokensAdded sums the token counter increments a node contributed to its
// branch history, which is the token weight its outgoing traversals carry
// through queue gates.
func tokensAdded(h domain.History, nodeID string) int {
	var total int64
	for _, rec := range h {
		if rec.NodeID != nodeID || rec.Op.Kind != domain.OpAdd || rec.Op.Key != domain.KeyTokensUsed.Name() {
			continue
		}
		switch v := rec.Op.Value.(type) {
		case int64:
			total += v
		case int:
			total += int64(v)
		}
	}
	return int(total)
}

// nodeTimeout reads the optional per-node timeout (seconds) from metadata.
func nodeTimeout(n *NodeSpec) time.Duration {
	if n == nil || n.Metadata == nil {
		return 0
	}
	switch v := n.Metadata["timeout"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return 0
}

// orEmptyHistory guards Join against a start node with no inbound edges.
func orEmptyHistory(branches []domain.History) []domain.History {
	if len(branches) == 0 {
		return []domain.History{{}}
	}
	return branches
}
