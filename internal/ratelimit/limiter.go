package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// ErrShutdown is returned to waiters blocked on a gate when the owning
// limiter is torn down. The executor converts it to a cancelled result.
var ErrShutdown = errors.New("rate limiter shut down")

// drainRate is the near-zero refill applied when only burst_size is
// configured: the first B admissions are instant and later ones wait
// until the caller cancels or the limiter shuts down.
const drainRate = rate.Limit(1e-9)

// Lane declares one weighted sub-queue of a gated queue.
type Lane struct {
	ID     string
	Weight float64
}

// Config declares the admission policies of one queue. Zero values mean
// the corresponding policy is absent; all configured policies must be
// satisfied simultaneously for an admission to proceed.
type Config struct {
	MessagesPerSecond int
	RequestsPerMinute int
	TokensPerMinute   int
	Burst             int
	Lanes             []Lane
}

// empty reports whether no policy and no lanes are configured.
func (c Config) empty() bool {
	return c.MessagesPerSecond == 0 && c.RequestsPerMinute == 0 &&
		c.TokensPerMinute == 0 && c.Burst == 0 && len(c.Lanes) == 0
}

// Limiter enforces per-queue bandwidth policy between edge traversal and
// downstream node invocation. Counters are process-local with a lifetime
// equal to the owning compiled graph; admissions on one queue are FIFO
// per lane and queues are mutually independent.
//
// Limiter implements ports.Gate.
type Limiter struct {
	mu      sync.Mutex
	gates   map[string]*gate
	done    chan struct{}
	closed  bool
	metrics ports.MetricsCollector
}

var _ ports.Gate = (*Limiter)(nil)

// New creates a limiter with no registered queues. Acquiring an
// unregistered queue admits immediately.
func New() *Limiter {
	return &Limiter{
		gates: make(map[string]*gate),
		done:  make(chan struct{}),
	}
}

// SetMetrics installs an optional collector for admission wait times.
func (l *Limiter) SetMetrics(m ports.MetricsCollector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// Register installs the bandwidth policy for a queue, replacing any
// previous registration and resetting its counters.
func (l *Limiter) Register(queueID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.empty() {
		delete(l.gates, queueID)
		return
	}
	l.gates[queueID] = newGate(cfg, l.done)
}

// Close tears the limiter down. Blocked waiters receive ErrShutdown.
// Close is idempotent.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Acquire blocks cooperatively until the queue admits one traversal of
// the given cost, then returns. It never fails for rate-limit reasons;
// the only error returns are context cancellation and limiter shutdown.
func (l *Limiter) Acquire(ctx context.Context, queueID string, cost ports.Cost) (ports.Admission, error) {
	l.mu.Lock()
	g := l.gates[queueID]
	metrics := l.metrics
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ports.Admission{}, ErrShutdown
	}
	if g == nil {
		return ports.Admission{}, nil
	}

	start := time.Now()
	adm, err := g.acquire(ctx, cost)
	if metrics != nil {
		metrics.RecordLatency("queue_wait", time.Since(start), map[string]string{"queue": queueID})
	}
	return adm, err
}

// gate is the per-queue admission machinery: a token bucket, sliding
// windows, and weighted FIFO lanes served by a single dispatcher.
type gate struct {
	mu   sync.Mutex
	cfg  Config
	done <-chan struct{}

	bucket   *rate.Limiter
	requests *window
	tokens   *window

	lanes       []*lane
	laneIdx     map[string]*lane
	totalWeight float64
	dispatching bool
}

// lane is one FIFO waiter queue with a smooth weighted round-robin
// credit balance.
type lane struct {
	id      string
	weight  float64
	current float64
	waiters []*waiter
}

// waiter is one pending admission request.
type waiter struct {
	tokens int
	ready  chan admitOutcome
	ctx    context.Context
}

type admitOutcome struct {
	warnings []string
	err      error
}

func newGate(cfg Config, done <-chan struct{}) *gate {
	g := &gate{cfg: cfg, done: done, laneIdx: make(map[string]*lane)}

	if cfg.Burst > 0 {
		// The bucket depth is the burst size; refill follows whichever
		// per-unit limit is configured, requests/minute first.
		refill := drainRate
		switch {
		case cfg.RequestsPerMinute > 0:
			refill = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		case cfg.MessagesPerSecond > 0:
			refill = rate.Limit(cfg.MessagesPerSecond)
		}
		g.bucket = rate.NewLimiter(refill, cfg.Burst)
	} else if cfg.MessagesPerSecond > 0 {
		// Minimum inter-admission interval of 1/M seconds.
		g.bucket = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1)
	}

	if cfg.RequestsPerMinute > 0 {
		g.requests = newWindow(time.Minute)
	}
	if cfg.TokensPerMinute > 0 {
		g.tokens = newWindow(time.Minute)
	}

	// The default lane carries the weight not claimed by sub-queues so
	// unlabeled traffic is never locked out.
	var claimed float64
	for _, lc := range cfg.Lanes {
		ln := &lane{id: lc.ID, weight: lc.Weight}
		g.lanes = append(g.lanes, ln)
		g.laneIdx[lc.ID] = ln
		claimed += lc.Weight
	}
	defaultWeight := 1.0 - claimed
	if defaultWeight < 0.01 {
		defaultWeight = 0.01
	}
	def := &lane{id: "", weight: defaultWeight}
	g.lanes = append(g.lanes, def)
	g.laneIdx[""] = def
	for _, ln := range g.lanes {
		g.totalWeight += ln.weight
	}

	return g
}

// acquire enqueues a waiter on its lane, ensures the dispatcher is
// running, and blocks until admission, cancellation, or shutdown.
func (g *gate) acquire(ctx context.Context, cost ports.Cost) (ports.Admission, error) {
	w := &waiter{
		tokens: cost.Tokens,
		ready:  make(chan admitOutcome, 1),
		ctx:    ctx,
	}

	g.mu.Lock()
	ln, ok := g.laneIdx[cost.Lane]
	if !ok {
		ln = g.laneIdx[""]
	}
	ln.waiters = append(ln.waiters, w)
	if !g.dispatching {
		g.dispatching = true
		go g.dispatch()
	}
	g.mu.Unlock()

	select {
	case outcome := <-w.ready:
		if outcome.err != nil {
			return ports.Admission{}, outcome.err
		}
		return ports.Admission{Warnings: outcome.warnings}, nil
	case <-ctx.Done():
		return ports.Admission{}, ctx.Err()
	case <-g.done:
		return ports.Admission{}, ErrShutdown
	}
}

// dispatch serves waiters one at a time until no lane has work. It is
// the sole goroutine mutating the gate's counters, so checks and
// admissions need no further coordination.
func (g *gate) dispatch() {
	for {
		g.mu.Lock()
		w := g.nextWaiter()
		if w == nil {
			g.dispatching = false
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		if w.ctx.Err() != nil {
			// Abandoned while queued; its Acquire already returned.
			continue
		}

		g.admit(w)
	}
}

// nextWaiter pops the next waiter using smooth weighted round-robin
// across non-empty lanes. Must be called with g.mu held.
func (g *gate) nextWaiter() *waiter {
	var chosen *lane
	for _, ln := range g.lanes {
		if len(ln.waiters) == 0 {
			continue
		}
		ln.current += ln.weight
		if chosen == nil || ln.current > chosen.current {
			chosen = ln
		}
	}
	if chosen == nil {
		return nil
	}
	chosen.current -= g.totalWeight

	w := chosen.waiters[0]
	chosen.waiters = chosen.waiters[1:]
	return w
}

// admit blocks until every configured policy clears for the waiter, then
// records the admission and signals it. Shutdown and waiter cancellation
// interrupt the wait.
func (g *gate) admit(w *waiter) {
	var warnings []string

	for {
		now := time.Now()

		var windowDelay time.Duration
		if g.requests != nil {
			if d := g.requests.delay(now, 1, int64(g.cfg.RequestsPerMinute)); d > windowDelay {
				windowDelay = d
			}
		}
		if g.tokens != nil {
			if d := g.tokens.delay(now, int64(w.tokens), int64(g.cfg.TokensPerMinute)); d > windowDelay {
				windowDelay = d
			}
		}

		var reservation *rate.Reservation
		bucketDelay := time.Duration(0)
		if g.bucket != nil {
			reservation = g.bucket.ReserveN(now, 1)
			bucketDelay = reservation.DelayFrom(now)
		}

		if windowDelay > bucketDelay {
			// The sliding window is the binding constraint; give the
			// bucket token back and sleep on the window instead.
			if reservation != nil {
				reservation.CancelAt(now)
			}
			if !g.sleep(w, windowDelay) {
				return
			}
			continue
		}

		if bucketDelay > 0 && !g.sleep(w, bucketDelay) {
			reservation.Cancel()
			return
		}

		admitAt := time.Now()
		if g.requests != nil {
			g.requests.record(admitAt, 1)
		}
		if g.tokens != nil {
			g.tokens.record(admitAt, int64(w.tokens))
			if oversized(int64(w.tokens), int64(g.cfg.TokensPerMinute)) {
				warnings = append(warnings, fmt.Sprintf(
					"token cost %d exceeds tokens-per-minute budget %d; admitted after window drain",
					w.tokens, g.cfg.TokensPerMinute))
			}
		}

		w.ready <- admitOutcome{warnings: warnings}
		return
	}
}

// sleep waits d while watching for shutdown and waiter cancellation.
// It reports whether the admission attempt should continue.
func (g *gate) sleep(w *waiter, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.ctx.Done():
		// The waiter's Acquire already returned via its own select.
		return false
	case <-g.done:
		return false
	}
}
