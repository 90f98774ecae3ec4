package ports

import (
	"context"
)

// Cost carries the units accounted by one queue admission: implicitly one
// message and one request, plus an explicit token weight.
type Cost struct {
	// Tokens is the token weight of the traversal, used by queues with a
	// tokens-per-minute policy. Zero is a valid weight.
	Tokens int

	// Lane selects a weighted sub-queue. Empty selects the default lane.
	Lane string
}

// Admission reports the outcome of a granted queue admission.
type Admission struct {
	// Warnings carries non-fatal diagnostics, such as a token cost
	// exceeding the queue's per-minute budget (admitted anyway once the
	// window drained, to avoid starvation).
	Warnings []string
}

// Gate is the admission interface between the executor and the queue
// manager. Acquire blocks cooperatively until the queue's bandwidth
// policies all admit the traversal; it never fails a workflow for
// rate-limit reasons. It returns early only when ctx is cancelled or the
// owning limiter is shut down.
type Gate interface {
	Acquire(ctx context.Context, queueID string, cost Cost) (Admission, error)
}
