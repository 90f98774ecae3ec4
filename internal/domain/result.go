package domain

// Status reports how an execution terminated.
type Status string

// Terminal execution statuses.
const (
	// StatusSuccess means the frontier drained with an empty error list.
	StatusSuccess Status = "success"

	// StatusFailed means at least one node recorded an error. The partial
	// state is still returned for inspection.
	StatusFailed Status = "failed"

	// StatusCancelled means the execution was cancelled or timed out at
	// the execution level before the frontier drained.
	StatusCancelled Status = "cancelled"
)

// Metrics summarizes resource consumption and traversal of one execution.
type Metrics struct {
	// ExecutionTime is the wall-clock duration in seconds.
	ExecutionTime float64 `json:"execution_time"`

	// TokensUsed is the sum of tokens reported by llm and image
	// invocations across all branches.
	TokensUsed int64 `json:"tokens_used"`

	// Cost is the cumulative monetary cost of external calls.
	Cost float64 `json:"cost"`

	// ExecutionPath lists node ids in completion order, one entry per
	// successful completion.
	ExecutionPath []string `json:"execution_path"`
}

// ExecutionResult is the single value returned to callers: terminal
// status, the final (possibly partial) state, and execution metrics.
type ExecutionResult struct {
	Status     Status  `json:"status"`
	FinalState State   `json:"-"`
	Metrics    Metrics `json:"metrics"`
}

// Errors returns the node error records accumulated in the final state.
func (r ExecutionResult) Errors() []NodeError {
	errs, _ := Get(r.FinalState, KeyErrors)
	return errs
}
