package application

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// specValidator performs struct-level schema validation of declarations.
// Field names in reported paths follow the JSON wire format.
var specValidator = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks a parsed declaration against every structural and
// referential invariant and returns the complete list of violations.
// It never stops at the first defect: each independently detectable
// violation is reported so callers receive one complete remediation list.
// An empty result guarantees the spec compiles.
func Validate(spec *Spec) domain.ValidationErrors {
	if spec == nil {
		return domain.ValidationErrors{{
			Code:    domain.CodeMalformed,
			Message: "declaration is empty",
		}}
	}

	var errs domain.ValidationErrors
	errs = append(errs, validateSchema(spec)...)
	errs = append(errs, validateUniqueness(spec)...)
	errs = append(errs, validateStartNode(spec)...)
	errs = append(errs, validateEdgeTargets(spec)...)
	errs = append(errs, validateQueueEndpoints(spec)...)
	errs = append(errs, validateSourceLinkage(spec)...)
	errs = append(errs, validateBandwidth(spec)...)
	errs = append(errs, validateAcyclic(spec)...)
	return errs
}

// validateSchema runs struct-tag validation and translates each field
// failure into a coded error with its JSON field path.
func validateSchema(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors

	// A mandatory key's absence is distinct from an empty array, which
	// struct tags cannot see. Only queues and sources default when absent.
	if spec.Edges == nil {
		errs = append(errs, domain.ValidationError{
			Code:    domain.CodeMissingField,
			Message: "field edges is required",
			Field:   "edges",
		})
	}

	err := specValidator.Struct(spec)
	if err == nil {
		return errs
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return append(errs, domain.ValidationError{
			Code:    domain.CodeMalformed,
			Message: err.Error(),
		})
	}

	for _, fe := range fieldErrs {
		errs = append(errs, translateFieldError(fe))
	}
	return errs
}

// translateFieldError maps a struct-tag failure onto the stable code
// table: required fields are E002, range violations on bandwidth and
// sub-queue weights are E012, everything else is a type/value defect.
func translateFieldError(fe validator.FieldError) domain.ValidationError {
	field := strings.TrimPrefix(fe.Namespace(), "Spec.")

	code := domain.CodeInvalidType
	switch fe.Tag() {
	case "required", "min":
		code = domain.CodeMissingField
	case "gt", "gte", "lte":
		if strings.Contains(field, "bandwidth") || strings.Contains(field, "sub_queues") {
			code = domain.CodeBadBandwidth
		}
	}

	return domain.ValidationError{
		Code:    code,
		Message: fmt.Sprintf("field %s failed %s validation", field, fe.Tag()),
		Field:   field,
	}
}

func validateUniqueness(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors

	seenNodes := make(map[string]struct{}, len(spec.Nodes))
	for i, n := range spec.Nodes {
		if _, dup := seenNodes[n.ID]; dup {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeDuplicateNode,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
				Field:   fmt.Sprintf("nodes[%d].id", i),
				NodeID:  n.ID,
			})
			continue
		}
		seenNodes[n.ID] = struct{}{}
	}

	seenQueues := make(map[string]struct{}, len(spec.Queues))
	for i, q := range spec.Queues {
		if _, dup := seenQueues[q.ID]; dup {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeDuplicateQueue,
				Message: fmt.Sprintf("duplicate queue id %q", q.ID),
				Field:   fmt.Sprintf("queues[%d].id", i),
				QueueID: q.ID,
			})
			continue
		}
		seenQueues[q.ID] = struct{}{}
	}

	seenSources := make(map[string]struct{}, len(spec.Sources))
	for i, src := range spec.Sources {
		if _, dup := seenSources[src.ID]; dup {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeDuplicateSource,
				Message: fmt.Sprintf("duplicate source id %q", src.ID),
				Field:   fmt.Sprintf("sources[%d].id", i),
			})
			continue
		}
		seenSources[src.ID] = struct{}{}
	}

	return errs
}

func validateStartNode(spec *Spec) domain.ValidationErrors {
	if spec.StartNode == "" {
		// Reported by schema validation as a missing required field.
		return nil
	}
	if _, ok := spec.NodeByID(spec.StartNode); !ok {
		return domain.ValidationErrors{{
			Code:    domain.CodeStartNodeMissing,
			Message: fmt.Sprintf("start_node %q does not exist", spec.StartNode),
			Field:   "start_node",
			NodeID:  spec.StartNode,
		}}
	}
	return nil
}

func validateEdgeTargets(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors
	for i, e := range spec.Edges {
		if e.From != "" {
			if _, ok := spec.NodeByID(e.From); !ok {
				errs = append(errs, domain.ValidationError{
					Code:    domain.CodeEdgeTarget,
					Message: fmt.Sprintf("edge references non-existent node %q", e.From),
					Field:   fmt.Sprintf("edges[%d].from", i),
					NodeID:  e.From,
				})
			}
		}
		for j, target := range e.To {
			if _, ok := spec.NodeByID(target); !ok {
				errs = append(errs, domain.ValidationError{
					Code:    domain.CodeEdgeTarget,
					Message: fmt.Sprintf("edge references non-existent node %q", target),
					Field:   fmt.Sprintf("edges[%d].to[%d]", i, j),
					NodeID:  target,
				})
			}
		}
	}
	return errs
}

func validateQueueEndpoints(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors
	for i, q := range spec.Queues {
		for _, endpoint := range []struct {
			field string
			id    string
		}{
			{fmt.Sprintf("queues[%d].from", i), q.From},
			{fmt.Sprintf("queues[%d].to", i), q.To},
		} {
			if endpoint.id == "" {
				continue
			}
			if _, ok := spec.NodeByID(endpoint.id); !ok {
				errs = append(errs, domain.ValidationError{
					Code:    domain.CodeQueueEndpoint,
					Message: fmt.Sprintf("queue %q references non-existent node %q", q.ID, endpoint.id),
					Field:   endpoint.field,
					NodeID:  endpoint.id,
					QueueID: q.ID,
				})
			}
		}
	}
	return errs
}

func validateSourceLinkage(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors
	for i, n := range spec.Nodes {
		if !n.RequiresSource() {
			continue
		}
		ref, ok := n.SourceRef()
		if !ok {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeSourceRequired,
				Message: fmt.Sprintf("node %q of type %s requires metadata.source", n.ID, n.Type),
				Field:   fmt.Sprintf("nodes[%d].metadata.source", i),
				NodeID:  n.ID,
			})
			continue
		}
		if _, exists := spec.SourceByID(ref); !exists {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeSourceMissing,
				Message: fmt.Sprintf("node %q references non-existent source %q", n.ID, ref),
				Field:   fmt.Sprintf("nodes[%d].metadata.source", i),
				NodeID:  n.ID,
			})
		}
	}
	return errs
}

func validateBandwidth(spec *Spec) domain.ValidationErrors {
	var errs domain.ValidationErrors
	for i, q := range spec.Queues {
		var sum float64
		for _, sq := range q.SubQueues {
			sum += sq.Weight
		}
		// Tolerate float accumulation noise at the boundary.
		if sum > 1.0+1e-9 {
			errs = append(errs, domain.ValidationError{
				Code:    domain.CodeBadBandwidth,
				Message: fmt.Sprintf("sub-queue weights of queue %q sum to %.3f, must not exceed 1", q.ID, sum),
				Field:   fmt.Sprintf("queues[%d].sub_queues", i),
				QueueID: q.ID,
			})
		}
	}
	return errs
}

// validateAcyclic runs depth-first colouring (white/grey/black) over the
// fan-out graph. Any grey-to-grey encounter is a back edge and therefore
// a cycle. Edges naming undeclared nodes are ignored here; they are
// reported separately as reference defects.
func validateAcyclic(spec *Spec) domain.ValidationErrors {
	adjacency := make(map[string][]string, len(spec.Nodes))
	for _, e := range spec.Edges {
		if _, ok := spec.NodeByID(e.From); !ok {
			continue
		}
		for _, target := range e.To {
			if _, ok := spec.NodeByID(target); !ok {
				continue
			}
			adjacency[e.From] = append(adjacency[e.From], target)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colors := make(map[string]int, len(spec.Nodes))

	var cycleAt string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		colors[id] = grey
		for _, next := range adjacency[id] {
			if colors[next] == grey {
				cycleAt = next
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[id] = black
		return false
	}

	for _, n := range spec.Nodes {
		if colors[n.ID] == white && dfs(n.ID) {
			return domain.ValidationErrors{{
				Code:    domain.CodeCycle,
				Message: fmt.Sprintf("cycle detected through node %q", cycleAt),
				Field:   "edges",
				NodeID:  cycleAt,
			}}
		}
	}
	return nil
}
