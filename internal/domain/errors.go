package domain

import (
	"context"
	"errors"
	"fmt"
)

// Common domain errors surfaced across the orchestration core.
var (
	// ErrMalformedSpec indicates the declaration byte stream is not
	// well-formed JSON or a required field is missing or mistyped.
	ErrMalformedSpec = errors.New("malformed spec")

	// ErrCompile indicates internal invariant breakage during compilation
	// of a validated spec. It is a bug, not a user error.
	ErrCompile = errors.New("compile error")

	// ErrCancelled indicates the execution was cancelled before draining
	// the frontier. The partial state is still returned.
	ErrCancelled = errors.New("execution cancelled")

	// ErrUnavailableExternalService indicates an adapter could not reach
	// its provider or the provider returned a transport-level failure.
	ErrUnavailableExternalService = errors.New("external service unavailable")

	// ErrMissingCredential indicates the environment variable named by a
	// source configuration is absent at invocation time.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidOperation indicates an adapter rejected the requested
	// operation, such as a non-SELECT statement on the query capability.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnresolvedPlaceholder indicates a template referenced state keys
	// absent at render time while the node demanded strict resolution.
	ErrUnresolvedPlaceholder = errors.New("unresolved template placeholder")
)

// Validation error codes form the stable contract with callers. Each code
// identifies one class of declaration defect.
const (
	CodeMalformed        = "E001" // malformed JSON / schema violation
	CodeMissingField     = "E002" // missing required field
	CodeInvalidType      = "E003" // invalid value type
	CodeStartNodeMissing = "E005" // start_node does not exist
	CodeEdgeTarget       = "E006" // edge references non-existent node
	CodeQueueEndpoint    = "E007" // queue references non-existent node
	CodeSourceMissing    = "E008" // node references non-existent source
	CodeDuplicateNode    = "E009" // duplicate node id
	CodeDuplicateQueue   = "E010" // duplicate queue id
	CodeDuplicateSource  = "E011" // duplicate source id
	CodeBadBandwidth     = "E012" // invalid bandwidth configuration
	CodeCycle            = "E013" // cycle detected
	CodeSourceRequired   = "E014" // node type requires a source
)

// ValidationError describes one independently detectable defect in a
// workflow declaration. The validator returns the complete list rather
// than stopping at the first defect.
type ValidationError struct {
	// Code is one of the stable E0xx validation codes.
	Code string `json:"code"`

	// Message is a human-readable description of the defect.
	Message string `json:"message"`

	// Field is the path of the offending field, such as
	// "edges[2].to" or "queues[0].bandwidth.burst_size".
	Field string `json:"field,omitempty"`

	// NodeID names the offending node when applicable.
	NodeID string `json:"node_id,omitempty"`

	// QueueID names the offending queue when applicable.
	QueueID string `json:"queue_id,omitempty"`
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	return msg
}

// ValidationErrors aggregates every defect found in one validation pass.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(e), e[0].Error())
}

// HasCode reports whether any aggregated error carries the given code.
func (e ValidationErrors) HasCode(code string) bool {
	for _, ve := range e {
		if ve.Code == code {
			return true
		}
	}
	return false
}

// ErrorKind classifies a runtime node failure.
type ErrorKind string

// Closed set of node failure kinds.
const (
	KindInvalidInput          ErrorKind = "InvalidInput"
	KindUnresolvedPlaceholder ErrorKind = "UnresolvedPlaceholder"
	KindUnavailable           ErrorKind = "UnavailableExternalService"
	KindMissingCredential     ErrorKind = "MissingCredential"
	KindInvalidOperation      ErrorKind = "InvalidOperation"
	KindTimeout               ErrorKind = "Timeout"
)

// NodeError records a behavior-level failure at runtime. It is appended
// to the state's error list; the executor does not schedule descendants
// of the failing edge.
type NodeError struct {
	// NodeID names the node whose behavior failed.
	NodeID string `json:"node_id"`

	// Kind classifies the root cause.
	Kind ErrorKind `json:"kind"`

	// Message describes the failure in plain text.
	Message string `json:"message"`
}

// Error implements the error interface for NodeError.
func (e NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Kind, e.Message)
}

// ClassifyError maps an adapter error chain to a node failure kind.
// Unrecognized errors default to InvalidInput so the failing node id and
// message still surface to the caller.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return KindMissingCredential
	case errors.Is(err, ErrInvalidOperation):
		return KindInvalidOperation
	case errors.Is(err, ErrUnavailableExternalService):
		return KindUnavailable
	case errors.Is(err, ErrUnresolvedPlaceholder):
		return KindUnresolvedPlaceholder
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInvalidInput
	}
}
