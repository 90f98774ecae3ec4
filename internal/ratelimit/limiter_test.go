package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// TestLimiter_UnregisteredQueueAdmitsImmediately verifies queues without a
// policy are pass-through.
func TestLimiter_UnregisteredQueueAdmitsImmediately(t *testing.T) {
	l := New()
	defer l.Close()

	start := time.Now()
	adm, err := l.Acquire(context.Background(), "no_such_queue", ports.Cost{Tokens: 100})
	require.NoError(t, err)
	assert.Empty(t, adm.Warnings)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Unregistered queues must not block.")
}

// TestLimiter_EmptyConfigIsPassThrough verifies registering an all-zero
// policy removes any gate.
func TestLimiter_EmptyConfigIsPassThrough(t *testing.T) {
	l := New()
	defer l.Close()

	l.Register("q", Config{MessagesPerSecond: 1})
	l.Register("q", Config{})

	start := time.Now()
	_, err := l.Acquire(context.Background(), "q", ports.Cost{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"Re-registering an empty policy must drop the gate.")
}

// TestLimiter_MessagesPerSecondSpacing verifies the token bucket enforces
// the minimum inter-admission interval.
func TestLimiter_MessagesPerSecondSpacing(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{MessagesPerSecond: 10})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := l.Acquire(ctx, "q", ports.Cost{})
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// Ten per second means at least 100ms between admissions; four
	// admissions need roughly 300ms after the first free one.
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond,
		"Admissions must be spaced at the configured rate.")
	assert.Less(t, elapsed, 2*time.Second)
}

// TestLimiter_BurstAdmitsInstantly verifies burst capacity admits the
// first B traversals without waiting.
func TestLimiter_BurstAdmitsInstantly(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{MessagesPerSecond: 1, Burst: 5})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.Acquire(ctx, "q", ports.Cost{})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"The first burst_size admissions must not wait.")
}

// TestLimiter_TokenWindowOversizedWarning verifies a token cost beyond the
// per-minute budget is admitted on an empty window with a warning.
func TestLimiter_TokenWindowOversizedWarning(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{TokensPerMinute: 100})

	adm, err := l.Acquire(context.Background(), "q", ports.Cost{Tokens: 500})
	require.NoError(t, err)
	require.Len(t, adm.Warnings, 1, "Oversized token costs must warn.")
	assert.Contains(t, adm.Warnings[0], "exceeds tokens-per-minute budget")
}

// TestLimiter_TokenWindowWithinBudget verifies ordinary token costs admit
// silently.
func TestLimiter_TokenWindowWithinBudget(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{TokensPerMinute: 1000})

	for i := 0; i < 3; i++ {
		adm, err := l.Acquire(context.Background(), "q", ports.Cost{Tokens: 100})
		require.NoError(t, err)
		assert.Empty(t, adm.Warnings)
	}
}

// TestLimiter_AcquireHonorsContext verifies a blocked waiter unblocks with
// the context error.
func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{MessagesPerSecond: 1})

	// Drain the single available slot.
	_, err := l.Acquire(context.Background(), "q", ports.Cost{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = l.Acquire(ctx, "q", ports.Cost{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"Cancellation must unblock the waiter promptly.")
}

// TestLimiter_CloseUnblocksWaiters verifies shutdown releases every
// blocked waiter with ErrShutdown.
func TestLimiter_CloseUnblocksWaiters(t *testing.T) {
	l := New()
	l.Register("q", Config{MessagesPerSecond: 1})

	_, err := l.Acquire(context.Background(), "q", ports.Cost{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Acquire(context.Background(), "q", ports.Cost{})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	l.Close()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrShutdown)
	}

	_, err = l.Acquire(context.Background(), "q", ports.Cost{})
	assert.ErrorIs(t, err, ErrShutdown, "Acquire after Close must fail fast.")

	l.Close() // idempotent
}

// TestLimiter_FIFOWithinLane verifies waiters on one lane admit in arrival
// order.
func TestLimiter_FIFOWithinLane(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{MessagesPerSecond: 20})

	ctx := context.Background()

	// Occupy the first slot so subsequent acquires queue up.
	_, err := l.Acquire(ctx, "q", ports.Cost{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Acquire(ctx, "q", ports.Cost{})
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// Stagger arrivals so FIFO order is observable.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order, "Same-lane admissions must be FIFO.")
}

// TestLimiter_WeightedLanes verifies a heavier lane receives
// proportionally more admissions when both lanes stay saturated.
func TestLimiter_WeightedLanes(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{
		MessagesPerSecond: 50,
		Lanes: []Lane{
			{ID: "priority", Weight: 0.7},
			{ID: "batch", Weight: 0.2},
		},
	})

	ctx := context.Background()
	var mu sync.Mutex
	counts := map[string]int{}
	var order []string

	var wg sync.WaitGroup
	enqueue := func(laneID string, n int) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Acquire(ctx, "q", ports.Cost{Lane: laneID})
				require.NoError(t, err)
				mu.Lock()
				counts[laneID]++
				order = append(order, laneID)
				mu.Unlock()
			}()
		}
	}

	enqueue("priority", 14)
	enqueue("batch", 4)
	wg.Wait()

	require.Equal(t, 14, counts["priority"])
	require.Equal(t, 4, counts["batch"])

	// With weights 0.7 vs 0.2 the batch lane should have been interleaved
	// rather than starved until the end: at least one batch admission must
	// appear in the first half of the order.
	firstHalf := order[:len(order)/2]
	var batchEarly bool
	for _, id := range firstHalf {
		if id == "batch" {
			batchEarly = true
			break
		}
	}
	assert.True(t, batchEarly, "Weighted round-robin must interleave lanes, not starve the lighter one.")
}

// TestLimiter_UnknownLaneFallsBackToDefault verifies costs naming an
// undeclared lane ride the default lane instead of erroring.
func TestLimiter_UnknownLaneFallsBackToDefault(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("q", Config{
		MessagesPerSecond: 100,
		Lanes:             []Lane{{ID: "priority", Weight: 0.9}},
	})

	_, err := l.Acquire(context.Background(), "q", ports.Cost{Lane: "nope"})
	assert.NoError(t, err)
}

// TestLimiter_IndependentQueues verifies one saturated queue does not
// delay admissions on another.
func TestLimiter_IndependentQueues(t *testing.T) {
	l := New()
	defer l.Close()
	l.Register("slow", Config{MessagesPerSecond: 1})
	l.Register("fast", Config{MessagesPerSecond: 1000})

	ctx := context.Background()
	_, err := l.Acquire(ctx, "slow", ports.Cost{})
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "fast", ports.Cost{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"Queues must be mutually independent.")
}
