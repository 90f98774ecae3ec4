package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-io/agentflow/internal/domain"
)

type behaviorFn = func(ctx context.Context, state domain.State) (*domain.Delta, error)

// compileForTest compiles a spec with stub behaviors and fails the test on
// any compilation error.
func compileForTest(t *testing.T, spec *Spec, fns map[string]behaviorFn) *CompiledGraph {
	t.Helper()
	graph, err := Compile(spec, CompileOptions{Factories: stubFactories(fns)})
	require.NoError(t, err)
	t.Cleanup(graph.Close)
	return graph
}

func seedState(input string) domain.State {
	return domain.With(domain.NewState(), domain.KeyUserInput, input)
}

// TestExecute_LinearPipeline verifies a sequential three-node workflow:
// state flows forward, the path and timings are recorded, and execution
// metadata is stamped.
func TestExecute_LinearPipeline(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "input_1", Type: NodeTypeInput},
			{ID: "llm_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "input_1", To: TargetList{"llm_1"}},
			{From: "llm_1", To: TargetList{"agg_1"}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "input_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"input_1": func(_ context.Context, state domain.State) (*domain.Delta, error) {
			input, _ := domain.Get(state, domain.KeyUserInput)
			return new(domain.Delta).Set(domain.KeyUserInput.Name(), input+" (validated)"), nil
		},
		"llm_1": func(_ context.Context, state domain.State) (*domain.Delta, error) {
			input, _ := domain.Get(state, domain.KeyUserInput)
			assert.Equal(t, "hello (validated)", input, "Upstream writes must be visible downstream.")
			return new(domain.Delta).
				Set(domain.KeyTextResult.Name(), "completion").
				AddInt(domain.KeyTokensUsed.Name(), 42), nil
		},
		"agg_1": func(_ context.Context, state domain.State) (*domain.Delta, error) {
			text, _ := domain.Get(state, domain.KeyTextResult)
			return new(domain.Delta).Set(domain.KeyFinalOutput.Name(), text), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("hello"))

	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Empty(t, result.Errors())

	final, _ := domain.Get(result.FinalState, domain.KeyFinalOutput)
	assert.Equal(t, "completion", final)

	assert.Equal(t, []string{"input_1", "llm_1", "agg_1"}, result.Metrics.ExecutionPath)
	assert.Equal(t, int64(42), result.Metrics.TokensUsed)

	id, ok := domain.Get(result.FinalState, domain.KeyExecutionID)
	require.True(t, ok, "Every execution stamps a unique id.")
	assert.NotEmpty(t, id)

	_, ok = domain.Get(result.FinalState, domain.KeyStartTime)
	assert.True(t, ok)

	timings, ok := domain.Get(result.FinalState, domain.KeyNodeTimings)
	require.True(t, ok)
	assert.Len(t, timings, 3, "Each completed node records its duration.")
}

// TestExecute_ParallelFanOutSumsTokens verifies the canonical fan-out
// scenario: two parallel branches consume 10 and 15 tokens, and their
// common descendant sees 25.
func TestExecute_ParallelFanOutSumsTokens(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "router_1", Type: NodeTypeRouter},
			{ID: "llm_a", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "llm_b", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "router_1", To: TargetList{"llm_a", "llm_b"}},
			{From: "llm_a", To: TargetList{"agg_1"}},
			{From: "llm_b", To: TargetList{"agg_1"}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "router_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"llm_a": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).
				Set("result_a", "A").
				AddInt(domain.KeyTokensUsed.Name(), 10), nil
		},
		"llm_b": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).
				Set("result_b", "B").
				AddInt(domain.KeyTokensUsed.Name(), 15), nil
		},
		"agg_1": func(_ context.Context, state domain.State) (*domain.Delta, error) {
			tokens, _ := domain.Get(state, domain.KeyTokensUsed)
			assert.Equal(t, int64(25), tokens, "The fan-in join must sum sibling token counters.")
			a, _ := state.GetRaw("result_a")
			b, _ := state.GetRaw("result_b")
			assert.Equal(t, "A", a, "Both branch outputs must be visible at the fan-in.")
			assert.Equal(t, "B", b)
			return new(domain.Delta).Set(domain.KeyFinalOutput.Name(), "merged"), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	require.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, int64(25), result.Metrics.TokensUsed)

	warnings, _ := domain.Get(result.FinalState, domain.KeyWarnings)
	assert.Empty(t, warnings, "Disjoint writes across branches must not conflict.")

	require.Len(t, result.Metrics.ExecutionPath, 4)
	assert.Equal(t, "router_1", result.Metrics.ExecutionPath[0])
	assert.Equal(t, "agg_1", result.Metrics.ExecutionPath[3],
		"The fan-in runs only after both branches complete.")
}

// TestExecute_FanInConflictWarnsFirstWins verifies sibling branches
// setting the same scalar key resolve first-wins by edge declaration
// order, with a conflict warning.
func TestExecute_FanInConflictWarnsFirstWins(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "start", Type: NodeTypeInput},
			{ID: "left", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "right", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "start", To: TargetList{"left", "right"}},
			{From: "left", To: TargetList{"agg"}},
			{From: "right", To: TargetList{"agg"}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "start",
	}

	// The right branch finishes first in wall-clock time, but the left
	// branch's inbound edge is declared first, so the left value wins.
	graph := compileForTest(t, spec, map[string]behaviorFn{
		"left": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			time.Sleep(30 * time.Millisecond)
			return new(domain.Delta).Set(domain.KeyTextResult.Name(), "from left"), nil
		},
		"right": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).Set(domain.KeyTextResult.Name(), "from right"), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))
	require.Equal(t, domain.StatusSuccess, result.Status)

	text, _ := domain.Get(result.FinalState, domain.KeyTextResult)
	assert.Equal(t, "from left", text,
		"Conflicts resolve by edge declaration order, not completion order.")

	warnings, _ := domain.Get(result.FinalState, domain.KeyWarnings)
	require.NotEmpty(t, warnings, "A dropped conflicting write must warn.")
	assert.Contains(t, warnings[0], "text_result")
}

// TestExecute_ConditionalRoutingSkipsUntakenBranch verifies condition
// evaluation selects branches and skipped nodes cascade without blocking
// the fan-in.
func TestExecute_ConditionalRoutingSkipsUntakenBranch(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "router_1", Type: NodeTypeRouter},
			{ID: "image_1", Type: NodeTypeImage, Metadata: map[string]any{"source": "img"}},
			{ID: "llm_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "router_1", To: TargetList{"image_1"}, Condition: `intent == "image"`},
			{From: "router_1", To: TargetList{"llm_1"}, Condition: `intent == "text"`},
			{From: "image_1", To: TargetList{"agg_1"}},
			{From: "llm_1", To: TargetList{"agg_1"}},
		},
		Sources: []SourceSpec{
			{ID: "img", Kind: SourceKindImage},
			{ID: "s", Kind: SourceKindLLM},
		},
		StartNode: "router_1",
	}

	imageRan, llmRan := false, false
	graph := compileForTest(t, spec, map[string]behaviorFn{
		"router_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).Set(domain.KeyIntent.Name(), "image"), nil
		},
		"image_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			imageRan = true
			return new(domain.Delta).Set(domain.KeyImageResult.Name(), "url"), nil
		},
		"llm_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			llmRan = true
			return new(domain.Delta), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("draw a sunset"))

	require.Equal(t, domain.StatusSuccess, result.Status)
	assert.True(t, imageRan, "The matching branch must run.")
	assert.False(t, llmRan, "The non-matching branch must be skipped.")
	assert.NotContains(t, result.Metrics.ExecutionPath, "llm_1")
	assert.Contains(t, result.Metrics.ExecutionPath, "agg_1",
		"The fan-in must still run once the skipped branch resolves.")
}

// TestExecute_SkipCascade verifies a skipped node releases its own
// descendants transitively.
func TestExecute_SkipCascade(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "start", Type: NodeTypeInput},
			{ID: "a", Type: NodeTypeRouter},
			{ID: "b", Type: NodeTypeRouter},
			{ID: "end", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "start", To: TargetList{"a"}, Condition: `intent == "never"`},
			{From: "start", To: TargetList{"end"}},
			{From: "a", To: TargetList{"b"}},
			{From: "b", To: TargetList{"end"}},
		},
		StartNode: "start",
	}

	var ran []string
	mark := func(id string) behaviorFn {
		return func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			ran = append(ran, id)
			return new(domain.Delta), nil
		}
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"a": mark("a"), "b": mark("b"),
	})

	result := graph.Execute(context.Background(), seedState("go"))

	require.Equal(t, domain.StatusSuccess, result.Status)
	assert.Empty(t, ran, "The skipped chain a -> b must never execute.")
	assert.Contains(t, result.Metrics.ExecutionPath, "end",
		"The aggregator still runs on its remaining taken edge.")
}

// TestExecute_AllConditionsFalse verifies a branch whose every outgoing
// condition is false, with no unconditional fallback, is a dead end: the
// execution fails with a recorded error while the branch's state still
// reaches the join.
func TestExecute_AllConditionsFalse(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "router_1", Type: NodeTypeRouter},
			{ID: "llm_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
		},
		Edges: []EdgeSpec{
			{From: "router_1", To: TargetList{"llm_1"}, Condition: `intent == "text"`},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "router_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"router_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).Set(domain.KeyIntent.Name(), "image"), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	assert.Equal(t, domain.StatusFailed, result.Status)
	errs := result.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "router_1", errs[0].NodeID)
	assert.Contains(t, errs[0].Message, "dead end")

	intent, _ := domain.Get(result.FinalState, domain.KeyIntent)
	assert.Equal(t, "image", intent, "The dead-end branch's state still reaches the final join.")
	assert.Equal(t, []string{"router_1"}, result.Metrics.ExecutionPath)
}

// TestExecute_UnconditionalEdgeIsFallback verifies an unconditional edge
// alongside conditional siblings is taken only when no condition matches.
func TestExecute_UnconditionalEdgeIsFallback(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "router_1", Type: NodeTypeRouter},
			{ID: "image_1", Type: NodeTypeImage, Metadata: map[string]any{"source": "img"}},
			{ID: "fallback_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
		},
		Edges: []EdgeSpec{
			{From: "router_1", To: TargetList{"image_1"}, Condition: `intent == "image"`},
			{From: "router_1", To: TargetList{"fallback_1"}},
		},
		Sources: []SourceSpec{
			{ID: "img", Kind: SourceKindImage},
			{ID: "s", Kind: SourceKindLLM},
		},
		StartNode: "router_1",
	}

	route := func(intent string) map[string]behaviorFn {
		return map[string]behaviorFn{
			"router_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
				return new(domain.Delta).Set(domain.KeyIntent.Name(), intent), nil
			},
		}
	}

	t.Run("matched condition suppresses the fallback", func(t *testing.T) {
		graph := compileForTest(t, spec, route("image"))
		result := graph.Execute(context.Background(), seedState("draw"))

		require.Equal(t, domain.StatusSuccess, result.Status)
		assert.Contains(t, result.Metrics.ExecutionPath, "image_1")
		assert.NotContains(t, result.Metrics.ExecutionPath, "fallback_1",
			"The unconditional edge must not fire when a conditional sibling matched.")
	})

	t.Run("no match takes the fallback", func(t *testing.T) {
		graph := compileForTest(t, spec, route("text"))
		result := graph.Execute(context.Background(), seedState("explain"))

		require.Equal(t, domain.StatusSuccess, result.Status)
		assert.Contains(t, result.Metrics.ExecutionPath, "fallback_1")
		assert.NotContains(t, result.Metrics.ExecutionPath, "image_1")
	})
}

// TestExecute_NodeFailure verifies a behavior error records a classified
// NodeError, skips descendants, and fails the execution.
func TestExecute_NodeFailure(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "input_1", Type: NodeTypeInput},
			{ID: "llm_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "input_1", To: TargetList{"llm_1"}},
			{From: "llm_1", To: TargetList{"agg_1"}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "input_1",
	}

	aggRan := false
	graph := compileForTest(t, spec, map[string]behaviorFn{
		"llm_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return nil, fmt.Errorf("provider exploded: %w", domain.ErrUnavailableExternalService)
		},
		"agg_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			aggRan = true
			return new(domain.Delta), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.False(t, aggRan, "Descendants of a failed node must not run.")

	errs := result.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "llm_1", errs[0].NodeID)
	assert.Equal(t, domain.KindUnavailable, errs[0].Kind)
	assert.NotContains(t, result.Metrics.ExecutionPath, "llm_1",
		"Failed nodes do not join the execution path.")
	assert.Contains(t, result.Metrics.ExecutionPath, "input_1")
}

// TestExecute_FailureClassification verifies wrapped sentinel errors map
// onto the closed failure kinds.
func TestExecute_FailureClassification(t *testing.T) {
	spec := &Spec{
		Nodes:     []NodeSpec{{ID: "db_1", Type: NodeTypeDB, Metadata: map[string]any{"source": "pg"}}},
		Edges:     []EdgeSpec{},
		Sources:   []SourceSpec{{ID: "pg", Kind: SourceKindDB}},
		StartNode: "db_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"db_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return nil, domain.ErrInvalidOperation
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	require.Equal(t, domain.StatusFailed, result.Status)
	errs := result.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, domain.KindInvalidOperation, errs[0].Kind)
}

// TestExecute_OneBranchFailsOtherSurvives verifies a failure on one
// parallel branch does not discard the surviving branch's contribution.
func TestExecute_OneBranchFailsOtherSurvives(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "start", Type: NodeTypeInput},
			{ID: "good", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "bad", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
		},
		Edges: []EdgeSpec{
			{From: "start", To: TargetList{"good", "bad"}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "start",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"good": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).Set(domain.KeyTextResult.Name(), "survived"), nil
		},
		"bad": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return nil, errors.New("boom")
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	assert.Equal(t, domain.StatusFailed, result.Status)
	text, _ := domain.Get(result.FinalState, domain.KeyTextResult)
	assert.Equal(t, "survived", text, "The surviving branch's writes must reach the final state.")
	require.Len(t, result.Errors(), 1)
	assert.Equal(t, "bad", result.Errors()[0].NodeID)
}

// TestExecute_NodeTimeout verifies a per-node timeout fails the node with
// the Timeout kind while the execution itself keeps running.
func TestExecute_NodeTimeout(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "slow", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s", "timeout": 0.05}},
		},
		Edges:     []EdgeSpec{},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "slow",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"slow": func(ctx context.Context, _ domain.State) (*domain.Delta, error) {
			select {
			case <-time.After(2 * time.Second):
				return new(domain.Delta), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	start := time.Now()
	result := graph.Execute(context.Background(), seedState("go"))

	assert.Equal(t, domain.StatusFailed, result.Status)
	require.Len(t, result.Errors(), 1)
	assert.Equal(t, domain.KindTimeout, result.Errors()[0].Kind)
	assert.Less(t, time.Since(start), time.Second, "The timeout must cut the node short.")
}

// TestExecute_Cancellation verifies execution-level cancellation yields
// the cancelled status with the partial state accumulated so far.
func TestExecute_Cancellation(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "fast", Type: NodeTypeInput},
			{ID: "slow", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
		},
		Edges:     []EdgeSpec{{From: "fast", To: TargetList{"slow"}}},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "fast",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"fast": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).Set("checkpoint", "reached"), nil
		},
		"slow": func(ctx context.Context, _ domain.State) (*domain.Delta, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := graph.Execute(ctx, seedState("go"))

	assert.Equal(t, domain.StatusCancelled, result.Status)
	assert.Contains(t, result.Metrics.ExecutionPath, "fast",
		"Work completed before cancellation stays in the result.")
}

// TestExecute_QueueTokenBudgetWarning verifies an oversized token cost
// passing through a gated edge is admitted with a warning in the state.
func TestExecute_QueueTokenBudgetWarning(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "llm_1", Type: NodeTypeLLM, Metadata: map[string]any{"source": "s"}},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "llm_1", To: TargetList{"agg_1"}, Queue: "q"},
		},
		Queues: []QueueSpec{
			{ID: "q", From: "llm_1", To: "agg_1", Bandwidth: &Bandwidth{MaxTokensPerMinute: 100}},
		},
		Sources:   []SourceSpec{{ID: "s", Kind: SourceKindLLM}},
		StartNode: "llm_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"llm_1": func(_ context.Context, _ domain.State) (*domain.Delta, error) {
			return new(domain.Delta).AddInt(domain.KeyTokensUsed.Name(), 500), nil
		},
	})

	result := graph.Execute(context.Background(), seedState("go"))

	require.Equal(t, domain.StatusSuccess, result.Status)
	warnings, _ := domain.Get(result.FinalState, domain.KeyWarnings)
	require.NotEmpty(t, warnings, "Oversized token admissions must surface a warning.")
	assert.Contains(t, warnings[0], "exceeds tokens-per-minute budget")
}

// TestExecute_GatedEdgeSpacing verifies traversals through a
// messages-per-second queue are actually spaced.
func TestExecute_GatedEdgeSpacing(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "start", Type: NodeTypeInput},
			{ID: "a", Type: NodeTypeRouter},
			{ID: "b", Type: NodeTypeRouter},
			{ID: "end", Type: NodeTypeAggregator},
		},
		Edges: []EdgeSpec{
			{From: "start", To: TargetList{"a", "b"}},
			{From: "a", To: TargetList{"end"}, Queue: "q"},
			{From: "b", To: TargetList{"end"}, Queue: "q"},
		},
		Queues: []QueueSpec{
			{ID: "q", From: "a", To: "end", Bandwidth: &Bandwidth{MaxMessagesPerSecond: 10}},
		},
		StartNode: "start",
	}

	graph := compileForTest(t, spec, nil)

	start := time.Now()
	result := graph.Execute(context.Background(), seedState("go"))
	elapsed := time.Since(start)

	require.Equal(t, domain.StatusSuccess, result.Status)
	// Two admissions at 10/s: the second waits roughly 100ms.
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond,
		"The second gated traversal must wait for the queue.")
}

// TestExecute_InitialStatePreserved verifies caller-seeded keys survive
// the whole pipeline untouched.
func TestExecute_InitialStatePreserved(t *testing.T) {
	spec := &Spec{
		Nodes:     []NodeSpec{{ID: "only", Type: NodeTypeInput}},
		Edges:     []EdgeSpec{},
		StartNode: "only",
	}

	graph := compileForTest(t, spec, nil)

	initial := seedState("hello").WithRaw("customer_id", "c-42")
	result := graph.Execute(context.Background(), initial)

	require.Equal(t, domain.StatusSuccess, result.Status)
	v, ok := result.FinalState.GetRaw("customer_id")
	require.True(t, ok)
	assert.Equal(t, "c-42", v)

	input, _ := domain.Get(result.FinalState, domain.KeyUserInput)
	assert.Equal(t, "hello", input)
}

// TestExecute_ConcurrentExecutions verifies one compiled graph supports
// concurrent isolated executions.
func TestExecute_ConcurrentExecutions(t *testing.T) {
	spec := &Spec{
		Nodes: []NodeSpec{
			{ID: "input_1", Type: NodeTypeInput},
			{ID: "agg_1", Type: NodeTypeAggregator},
		},
		Edges:     []EdgeSpec{{From: "input_1", To: TargetList{"agg_1"}}},
		StartNode: "input_1",
	}

	graph := compileForTest(t, spec, map[string]behaviorFn{
		"agg_1": func(_ context.Context, state domain.State) (*domain.Delta, error) {
			input, _ := domain.Get(state, domain.KeyUserInput)
			return new(domain.Delta).Set(domain.KeyFinalOutput.Name(), "echo: "+input), nil
		},
	})

	const n = 8
	results := make([]domain.ExecutionResult, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results[i] = graph.Execute(context.Background(), seedState(string(rune('a'+i))))
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	ids := make(map[string]struct{}, n)
	for i, result := range results {
		require.Equal(t, domain.StatusSuccess, result.Status)
		out, _ := domain.Get(result.FinalState, domain.KeyFinalOutput)
		assert.Equal(t, "echo: "+string(rune('a'+i)), out,
			"Concurrent executions must not share state.")
		id, _ := domain.Get(result.FinalState, domain.KeyExecutionID)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, n, "Each execution gets its own id.")
}
