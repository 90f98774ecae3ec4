package application

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// Predicate is a compiled edge condition: a small expression over state
// supporting string equality, presence-check helpers, and conjunctions.
// Predicates are compiled once at graph compile time; there is no dynamic
// code execution at traversal time.
type Predicate struct {
	source  string
	program *vm.Program
}

// CompilePredicate parses and compiles a condition expression. Undefined
// identifiers are allowed at compile time; they evaluate to false at
// traversal time with a warning.
func CompilePredicate(source string) (*Predicate, error) {
	program, err := expr.Compile(source,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: condition %q: %v", domain.ErrCompile, source, err)
	}
	return &Predicate{source: source, program: program}, nil
}

// Source returns the original condition expression.
func (p *Predicate) Source() string { return p.source }

// Eval evaluates the predicate against the state. Evaluation failures
// (unknown identifiers, type mismatches) yield false plus a warning
// rather than failing the traversal.
func (p *Predicate) Eval(state domain.State) (bool, []string) {
	env := predicateEnv(state)

	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, []string{fmt.Sprintf("condition %q: %v; treating as false", p.source, err)}
	}

	result, ok := out.(bool)
	if !ok {
		return false, []string{fmt.Sprintf("condition %q did not evaluate to a boolean; treating as false", p.source)}
	}
	return result, nil
}

// predicateEnv exposes the exported state mapping plus the predicate
// helper functions to the expression VM.
func predicateEnv(state domain.State) map[string]any {
	env := state.Export()

	env["has"] = func(key string) bool {
		_, ok := env[key]
		return ok
	}
	// Thresholds arrive from the VM as whichever Go type the literal
	// produced (int for 100, float64 for 0.8), so the helpers take any
	// and coerce.
	env["confidence_score_gt"] = func(threshold any) bool {
		return numeric(env["confidence_score"]) > numeric(threshold)
	}
	env["tokens_used_gt"] = func(threshold any) bool {
		return numeric(env[domain.KeyTokensUsed.Name()]) > numeric(threshold)
	}

	return env
}

// numeric coerces the numeric types JSON decoding, counters, and
// expression literals produce. Anything else reads as zero.
func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
