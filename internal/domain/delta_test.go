package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stamp turns a delta into a history with sequence numbers starting at seq,
// mirroring how the executor stamps completed node output.
func stamp(seq uint64, nodeID string, d *Delta) (History, uint64) {
	h := make(History, 0, d.Len())
	for _, op := range d.Ops() {
		h = append(h, Record{Seq: seq, NodeID: nodeID, Op: op})
		seq++
	}
	return h, seq
}

// TestDelta_Ops verifies that a delta records operations in declaration
// order with the right kinds.
func TestDelta_Ops(t *testing.T) {
	d := new(Delta).
		Set("intent", "image").
		AddInt("tokens_used", 12).
		AddFloat("cost", 0.004).
		Append("metadata.warnings", "w1", "w2")

	ops := d.Ops()
	require.Len(t, ops, 5, "Each Append item records its own op.")

	assert.Equal(t, OpSet, ops[0].Kind)
	assert.Equal(t, "intent", ops[0].Key)
	assert.Equal(t, OpAdd, ops[1].Kind)
	assert.Equal(t, int64(12), ops[1].Value)
	assert.Equal(t, OpAdd, ops[2].Kind)
	assert.Equal(t, 0.004, ops[2].Value)
	assert.Equal(t, OpAppend, ops[3].Kind)
	assert.Equal(t, "w1", ops[3].Value)
	assert.Equal(t, "w2", ops[4].Value)
}

// TestHistory_Apply tests replaying a mutation log onto a base state.
func TestHistory_Apply(t *testing.T) {
	tests := []struct {
		name   string
		base   State
		delta  *Delta
		assert func(t *testing.T, result State)
	}{
		{
			name:  "set overwrites scalar",
			base:  With(NewState(), KeyIntent, "general"),
			delta: new(Delta).Set(KeyIntent.Name(), "image"),
			assert: func(t *testing.T, result State) {
				intent, _ := Get(result, KeyIntent)
				assert.Equal(t, "image", intent)
			},
		},
		{
			name:  "add starts missing counter at zero",
			base:  NewState(),
			delta: new(Delta).AddInt(KeyTokensUsed.Name(), 15),
			assert: func(t *testing.T, result State) {
				tokens, ok := Get(result, KeyTokensUsed)
				require.True(t, ok)
				assert.Equal(t, int64(15), tokens)
			},
		},
		{
			name:  "add accumulates within one history",
			base:  With(NewState(), KeyCost, 0.01),
			delta: new(Delta).AddFloat(KeyCost.Name(), 0.02).AddFloat(KeyCost.Name(), 0.03),
			assert: func(t *testing.T, result State) {
				cost, _ := Get(result, KeyCost)
				assert.InDelta(t, 0.06, cost, 1e-9)
			},
		},
		{
			name:  "append creates missing list",
			base:  NewState(),
			delta: new(Delta).Warn("placeholder {foo} unresolved"),
			assert: func(t *testing.T, result State) {
				warnings, ok := Get(result, KeyWarnings)
				require.True(t, ok)
				assert.Equal(t, []string{"placeholder {foo} unresolved"}, warnings)
			},
		},
		{
			name: "append extends existing list",
			base: With(NewState(), KeyWarnings, []string{"first"}),
			delta: new(Delta).
				Warn("second"),
			assert: func(t *testing.T, result State) {
				warnings, _ := Get(result, KeyWarnings)
				assert.Equal(t, []string{"first", "second"}, warnings)
			},
		},
		{
			name:  "fail appends a node error",
			base:  NewState(),
			delta: new(Delta).Fail(NodeError{NodeID: "db_1", Kind: KindInvalidOperation, Message: "write rejected"}),
			assert: func(t *testing.T, result State) {
				errs, ok := Get(result, KeyErrors)
				require.True(t, ok)
				require.Len(t, errs, 1)
				assert.Equal(t, "db_1", errs[0].NodeID)
			},
		},
		{
			name:  "empty history returns base unchanged",
			base:  With(NewState(), KeyUserInput, "hi"),
			delta: new(Delta),
			assert: func(t *testing.T, result State) {
				input, _ := Get(result, KeyUserInput)
				assert.Equal(t, "hi", input)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := stamp(1, "node", tt.delta)
			result := h.Apply(tt.base)
			tt.assert(t, result)
		})
	}
}

// TestHistory_ApplyDoesNotMutateBase verifies replay is copy-on-write all
// the way down.
func TestHistory_ApplyDoesNotMutateBase(t *testing.T) {
	base := With(NewState(), KeyTokensUsed, int64(10))
	h, _ := stamp(1, "llm_1", new(Delta).AddInt(KeyTokensUsed.Name(), 5))

	result := h.Apply(base)

	baseTokens, _ := Get(base, KeyTokensUsed)
	assert.Equal(t, int64(10), baseTokens, "Apply() must not mutate the base state.")

	resultTokens, _ := Get(result, KeyTokensUsed)
	assert.Equal(t, int64(15), resultTokens)
}

// TestJoin_SingleBranch verifies the trivial join is the identity.
func TestJoin_SingleBranch(t *testing.T) {
	h, _ := stamp(1, "a", new(Delta).Set("intent", "general"))

	merged, warnings := Join([]History{h})

	assert.Equal(t, h, merged)
	assert.Empty(t, warnings)
}

// TestJoin_SharedPrefixDeduplicated verifies that history shared from
// before a fan-out merges exactly once.
func TestJoin_SharedPrefixDeduplicated(t *testing.T) {
	prefix, next := stamp(1, "router_1", new(Delta).
		Set(KeyIntent.Name(), "both").
		AddInt(KeyTokensUsed.Name(), 5))

	left, next2 := stamp(next, "llm_1", new(Delta).AddInt(KeyTokensUsed.Name(), 10))
	right, _ := stamp(next2, "image_1", new(Delta).AddInt(KeyTokensUsed.Name(), 15))

	branchA := append(append(History{}, prefix...), left...)
	branchB := append(append(History{}, prefix...), right...)

	merged, warnings := Join([]History{branchA, branchB})
	require.Empty(t, warnings, "Shared prefixes and counter increments never conflict.")

	tokens, _ := Get(merged.Apply(NewState()), KeyTokensUsed)
	assert.Equal(t, int64(30), tokens, "Shared increments count once, branch increments sum.")

	require.Len(t, merged, 4, "Two shared records plus one unique record per branch.")
	for i := 1; i < len(merged); i++ {
		assert.LessOrEqual(t, merged[i-1].Seq, merged[i].Seq, "Merged log must stay ordered by sequence.")
	}
}

// TestJoin_CounterSumming verifies parallel token and cost increments sum
// across branches at a fan-in.
func TestJoin_CounterSumming(t *testing.T) {
	left, next := stamp(1, "llm_1", new(Delta).
		AddInt(KeyTokensUsed.Name(), 10).
		AddFloat(KeyCost.Name(), 0.01))
	right, _ := stamp(next, "llm_2", new(Delta).
		AddInt(KeyTokensUsed.Name(), 15).
		AddFloat(KeyCost.Name(), 0.02))

	merged, warnings := Join([]History{left, right})
	require.Empty(t, warnings)

	final := merged.Apply(NewState())
	tokens, _ := Get(final, KeyTokensUsed)
	assert.Equal(t, int64(25), tokens)
	cost, _ := Get(final, KeyCost)
	assert.InDelta(t, 0.03, cost, 1e-9)
}

// TestJoin_ScalarConflictFirstWins verifies that sibling branches setting
// the same scalar key resolve first-wins in branch order with a warning.
func TestJoin_ScalarConflictFirstWins(t *testing.T) {
	left, next := stamp(1, "llm_1", new(Delta).Set(KeyTextResult.Name(), "from llm_1"))
	right, _ := stamp(next, "llm_2", new(Delta).Set(KeyTextResult.Name(), "from llm_2"))

	merged, warnings := Join([]History{left, right})

	require.Len(t, warnings, 1, "A dropped conflicting set must produce a warning.")
	assert.Contains(t, warnings[0], "text_result")
	assert.Contains(t, warnings[0], "llm_1")
	assert.Contains(t, warnings[0], "llm_2")

	text, _ := Get(merged.Apply(NewState()), KeyTextResult)
	assert.Equal(t, "from llm_1", text, "The first branch in declaration order wins.")
}

// TestJoin_RepeatedSetWithinBranch verifies that overwrites inside a single
// branch stay ordinary overwrites and never warn.
func TestJoin_RepeatedSetWithinBranch(t *testing.T) {
	left, next := stamp(1, "a", new(Delta).
		Set("draft", "v1").
		Set("draft", "v2"))
	right, _ := stamp(next, "b", new(Delta).AddInt(KeyTokensUsed.Name(), 1))

	merged, warnings := Join([]History{left, right})
	require.Empty(t, warnings, "Same-branch overwrites are not conflicts.")

	v, _ := merged.Apply(NewState()).GetRaw("draft")
	assert.Equal(t, "v2", v)
}

// TestJoin_AppendsConcatenate verifies list appends from sibling branches
// concatenate in branch declaration order.
func TestJoin_AppendsConcatenate(t *testing.T) {
	left, next := stamp(1, "a", new(Delta).Warn("left warning"))
	right, _ := stamp(next, "b", new(Delta).Warn("right warning"))

	merged, warnings := Join([]History{left, right})
	require.Empty(t, warnings)

	got, _ := Get(merged.Apply(NewState()), KeyWarnings)
	assert.Equal(t, []string{"left warning", "right warning"}, got)
}

// TestJoin_ThreeWayConflict verifies only the first of three conflicting
// branches keeps its value and each loser warns separately.
func TestJoin_ThreeWayConflict(t *testing.T) {
	a, n1 := stamp(1, "a", new(Delta).Set("winner", "a"))
	b, n2 := stamp(n1, "b", new(Delta).Set("winner", "b"))
	c, _ := stamp(n2, "c", new(Delta).Set("winner", "c"))

	merged, warnings := Join([]History{a, b, c})

	assert.Len(t, warnings, 2, "Each losing branch warns once.")
	v, _ := merged.Apply(NewState()).GetRaw("winner")
	assert.Equal(t, "a", v)
}
