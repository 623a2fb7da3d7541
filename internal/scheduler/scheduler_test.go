package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/store"
)

// fakePlanStore is a hand-written in-memory PlanStore fake, following
// SPEC_FULL.md's test-tooling preference for fakes over a mocking framework.
type fakePlanStore struct {
	mu    sync.Mutex
	plans map[string]*store.Plan
}

func newFakePlanStore(plans ...*store.Plan) *fakePlanStore {
	m := map[string]*store.Plan{}
	for _, p := range plans {
		cp := *p
		m[p.ID] = &cp
	}
	return &fakePlanStore{plans: m}
}

func (f *fakePlanStore) CreatePlan(ctx context.Context, p *store.Plan) error { return nil }

func (f *fakePlanStore) GetPlan(ctx context.Context, id string) (*store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlanStore) UpdatePlan(ctx context.Context, p *store.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.plans[p.ID] = &cp
	return nil
}

func (f *fakePlanStore) LeaseDuePlans(ctx context.Context, now time.Time, limit int, leaseDuration time.Duration) ([]*store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*store.Plan
	for _, p := range f.plans {
		if p.Status == store.PlanActive && p.NextExecutionAt != nil && !p.NextExecutionAt.After(now) {
			cp := *p
			due = append(due, &cp)
			if len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakePlanStore) ReleaseLease(ctx context.Context, planID string) error { return nil }

func (f *fakePlanStore) CreateExecution(ctx context.Context, e *store.Execution) error { return nil }

func (f *fakePlanStore) GetVaultHolding(ctx context.Context, userAddress, vaultAddress string) (*store.VaultHolding, error) {
	return nil, fmt.Errorf("not found")
}

func (f *fakePlanStore) UpsertVaultHoldingAdd(ctx context.Context, userAddress, vaultAddress, tokenSymbol, deltaShares string) (*store.VaultHolding, error) {
	return nil, nil
}

func (f *fakePlanStore) setStatus(id string, status store.PlanStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[id].Status = status
}

type countingExecutor struct {
	mu       sync.Mutex
	executed []string
	failN    map[string]int // number of times to fail before succeeding, by plan ID
	calls    map[string]int
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{failN: map[string]int{}, calls: map[string]int{}}
}

func (e *countingExecutor) Execute(ctx context.Context, plan *store.Plan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[plan.ID]++
	if e.calls[plan.ID] <= e.failN[plan.ID] {
		return fmt.Errorf("simulated failure")
	}
	e.executed = append(e.executed, plan.ID)
	return nil
}

func testPlan(id string, due time.Time) *store.Plan {
	return &store.Plan{
		ID:              id,
		UserAddress:     "0xabc",
		FromToken:       "USDC",
		ToToken:         "WETH",
		Amount:          "100",
		IntervalMinutes: 60,
		DurationWeeks:   4,
		SlippagePercent: "1",
		Status:          store.PlanActive,
		TotalExecutions: 10,
		NextExecutionAt: &due,
	}
}

func TestSchedulerRefusesWithoutSigningKey(t *testing.T) {
	s := New(newFakePlanStore(), newCountingExecutor(), Config{HasSigningKey: false}, &logger.EmptyLogger{})
	err := s.Start(t.Context())
	require.Error(t, err)
}

func TestSchedulerExecutesDuePlan(t *testing.T) {
	now := time.Now().Add(-time.Minute)
	st := newFakePlanStore(testPlan("p1", now))
	exec := newCountingExecutor()

	s := New(st, exec, Config{IntervalSeconds: 60, MaxConcurrentExecutions: 10, HasSigningKey: true}, &logger.EmptyLogger{})
	s.tick(t.Context())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Contains(t, exec.executed, "p1")

	status := s.Status()
	assert.EqualValues(t, 1, status.TotalExecutions)
	assert.EqualValues(t, 1, status.SuccessfulExecutions)
}

func TestSchedulerSkipsPlanNoLongerActive(t *testing.T) {
	now := time.Now().Add(-time.Minute)
	st := newFakePlanStore(testPlan("p1", now))
	st.setStatus("p1", store.PlanPaused)
	exec := newCountingExecutor()

	s := New(st, exec, Config{IntervalSeconds: 60, MaxConcurrentExecutions: 10, HasSigningKey: true}, &logger.EmptyLogger{})

	// LeaseDuePlans in the fake filters on ACTIVE already, so manufacture the
	// due-but-then-paused race directly through executeOne.
	plan, err := st.GetPlan(t.Context(), "p1")
	require.NoError(t, err)
	plan.Status = store.PlanActive // pretend it was ACTIVE at selection time
	s.executeOne(t.Context(), plan)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Empty(t, exec.executed)
}

func TestSchedulerRetriesFailedPlan(t *testing.T) {
	now := time.Now().Add(-time.Minute)
	st := newFakePlanStore(testPlan("p1", now))
	exec := newCountingExecutor()
	exec.failN["p1"] = 2 // fails twice, succeeds on the third attempt

	s := New(st, exec, Config{IntervalSeconds: 60, MaxConcurrentExecutions: 10, RetryAttempts: 5, RetryDelay: time.Millisecond, HasSigningKey: true}, &logger.EmptyLogger{})
	s.tick(t.Context())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Contains(t, exec.executed, "p1")
	assert.Equal(t, 3, exec.calls["p1"])
}

func TestSchedulerBatchesConcurrency(t *testing.T) {
	now := time.Now().Add(-time.Minute)
	plans := make([]*store.Plan, 0, 5)
	for i := 0; i < 5; i++ {
		plans = append(plans, testPlan(fmt.Sprintf("p%d", i), now))
	}
	st := newFakePlanStore(plans...)
	exec := newCountingExecutor()

	var maxConcurrent int32
	var current int32
	wrapped := &concurrencyTrackingExecutor{inner: exec, current: &current, max: &maxConcurrent}

	s := New(st, wrapped, Config{IntervalSeconds: 60, MaxConcurrentExecutions: 2, HasSigningKey: true}, &logger.EmptyLogger{})
	s.tick(t.Context())

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(2))
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Len(t, exec.executed, 5)
}

type concurrencyTrackingExecutor struct {
	inner   Executor
	current *int32
	max     *int32
}

func (c *concurrencyTrackingExecutor) Execute(ctx context.Context, plan *store.Plan) error {
	n := atomic.AddInt32(c.current, 1)
	defer atomic.AddInt32(c.current, -1)
	for {
		m := atomic.LoadInt32(c.max)
		if n <= m || atomic.CompareAndSwapInt32(c.max, m, n) {
			break
		}
	}
	return c.inner.Execute(ctx, plan)
}

func TestSchedulerStartStop(t *testing.T) {
	now := time.Now().Add(-time.Minute)
	st := newFakePlanStore(testPlan("p1", now))
	exec := newCountingExecutor()

	s := New(st, exec, Config{IntervalSeconds: 1, MaxConcurrentExecutions: 10, HasSigningKey: true}, &logger.EmptyLogger{})
	require.NoError(t, s.Start(t.Context()))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.False(t, s.Status().IsRunning)
}
