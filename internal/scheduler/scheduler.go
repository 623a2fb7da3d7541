// Package scheduler is the Scheduler (spec.md §4.1): a periodic driver that
// selects due plans, batches them under a concurrency cap, invokes the Swap
// Pipeline with per-plan retry, and isolates per-plan failures so a crash in
// one plan never affects another. Grounded on pkg/fulfiller/service.go's
// polling-loop-plus-worker-pool shape (sync.WaitGroup per batch, a ticker
// driving the outer loop), retargeted from an external-API poll to a Plan
// Store due-plan query.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/metrics"
	"github.com/arbidca/dca-engine/internal/retry"
	"github.com/arbidca/dca-engine/internal/store"
)

const (
	// dueBatchFetchLimit bounds how many due plans one tick pulls from the
	// store before chunking them into concurrency-capped batches; generous
	// enough that a single tick drains the backlog rather than trickling it
	// out across many ticks under normal load.
	dueBatchFetchLimit = 5000
	interBatchCooldown = 1 * time.Second
)

// Executor is the Swap Pipeline's interface as the scheduler consumes it.
type Executor interface {
	Execute(ctx context.Context, plan *store.Plan) error
}

// Config configures tick cadence, batching, and retry.
type Config struct {
	IntervalSeconds         int
	MaxConcurrentExecutions int
	RetryAttempts           int
	RetryDelay              time.Duration
	LeaseDuration           time.Duration
	HasSigningKey           bool
}

// Status is the read-only metrics/status snapshot spec.md §6 exposes.
type Status struct {
	IsRunning               bool          `json:"isRunning"`
	TotalExecutions         int64         `json:"totalExecutions"`
	SuccessfulExecutions    int64         `json:"successfulExecutions"`
	FailedExecutions        int64         `json:"failedExecutions"`
	LastExecutionTime       *time.Time    `json:"lastExecutionTime,omitempty"`
	AverageExecutionTimeMs  float64       `json:"averageExecutionTimeMs"`
	ActivePlansCount        int           `json:"activePlansCount"`
	IntervalSeconds         int           `json:"intervalSeconds"`
	MaxConcurrentExecutions int           `json:"maxConcurrentExecutions"`
}

// Scheduler is the tick-driven driver described in spec.md §4.1.
type Scheduler struct {
	store    store.PlanStore
	pipeline Executor
	cfg      Config
	log      logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statusMu             sync.Mutex
	totalExecutions      int64
	successfulExecutions int64
	failedExecutions     int64
	lastExecutionTime    *time.Time
	totalExecTimeMs      float64
	activePlansCount     int
}

// New builds a Scheduler. It does not start ticking until Start is called.
func New(planStore store.PlanStore, pipeline Executor, cfg Config, log logger.Logger) *Scheduler {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 60
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 50
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Duration(cfg.IntervalSeconds) * time.Second
	}
	return &Scheduler{store: planStore, pipeline: pipeline, cfg: cfg, log: log}
}

// Start begins ticking every IntervalSeconds, running an immediate tick
// first. It refuses to start if no signing key is configured (spec.md
// §4.1) and returns immediately; callers run it in a goroutine for a
// long-lived process.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.HasSigningKey {
		return fmt.Errorf("scheduler: cannot start without a configured signing key")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(tickCtx)
	return nil
}

// Stop halts the ticker. In-flight executions run to completion; no new
// ticks begin after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick implements spec.md §4.1's algorithm: lease due plans, chunk into
// concurrency-capped batches, run each batch in parallel with a cooldown
// between batches.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()

	due, err := s.store.LeaseDuePlans(ctx, start, dueBatchFetchLimit, s.cfg.LeaseDuration)
	if err != nil {
		s.log.ErrorWithComponent(logger.Scheduler, "tick: lease due plans: %v", err)
		return
	}

	s.setActivePlansCount(len(due))
	if len(due) == 0 {
		return
	}

	s.log.InfoWithComponent(logger.Scheduler, "tick: %d due plans selected", len(due))

	batches := chunk(due, s.cfg.MaxConcurrentExecutions)
	for i, batch := range batches {
		// Executions already dispatched are not cancelled by Stop; only the
		// cooldown before the next batch observes ctx.
		s.runBatch(context.WithoutCancel(ctx), batch)
		if i < len(batches)-1 {
			select {
			case <-time.After(interBatchCooldown):
			case <-ctx.Done():
				return
			}
		}
	}

	metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*store.Plan) {
	var wg sync.WaitGroup
	for _, plan := range batch {
		wg.Add(1)
		go func(p *store.Plan) {
			defer wg.Done()
			s.executeOne(ctx, p)
		}(plan)
	}
	wg.Wait()
}

// executeOne re-checks the plan's status (catching a pause/cancel that
// landed between selection and execution), then runs the pipeline with
// per-plan retry, isolating any panic or error so it cannot affect sibling
// plans in the same batch.
func (s *Scheduler) executeOne(ctx context.Context, plan *store.Plan) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorWithComponent(logger.Scheduler, "panic executing plan %s: %v", plan.ID, r)
			s.recordOutcome(false, time.Now())
			_ = s.store.ReleaseLease(ctx, plan.ID)
		}
	}()

	current, err := s.store.GetPlan(ctx, plan.ID)
	if err != nil {
		s.log.ErrorWithComponent(logger.Scheduler, "re-reading plan %s: %v", plan.ID, err)
		return
	}
	if current.Status != store.PlanActive {
		s.log.DebugWithComponent(logger.Scheduler, "plan %s is no longer ACTIVE (now %s), skipping", plan.ID, current.Status)
		_ = s.store.ReleaseLease(ctx, plan.ID)
		return
	}

	attemptStart := time.Now()
	err = retry.Do(ctx, "scheduler.executePlan", func(ctx context.Context) error {
		return s.pipeline.Execute(ctx, current)
	}, s.cfg.RetryAttempts, s.cfg.RetryDelay, func(error) bool {
		metrics.RetryCount.WithLabelValues("pipeline_error").Inc()
		return true // every pipeline error is retried up to RetryAttempts per spec.md §4.1
	})

	s.recordOutcome(err == nil, attemptStart)

	if err != nil {
		s.log.ErrorWithComponent(logger.Scheduler, "plan %s failed after retries: %v", plan.ID, err)
	}
}

func (s *Scheduler) recordOutcome(success bool, startedAt time.Time) {
	elapsedMs := float64(time.Since(startedAt).Milliseconds())

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.totalExecutions++
	if success {
		s.successfulExecutions++
	} else {
		s.failedExecutions++
	}
	now := time.Now()
	s.lastExecutionTime = &now

	// Running average: newAvg = oldAvg + (x - oldAvg) / n
	n := float64(s.totalExecutions)
	s.totalExecTimeMs += (elapsedMs - s.totalExecTimeMs) / n
}

func (s *Scheduler) setActivePlansCount(n int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.activePlansCount = n
	metrics.ActivePlans.Set(float64(n))
}

// Status returns the current metrics/status snapshot (spec.md §6).
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return Status{
		IsRunning:               running,
		TotalExecutions:         s.totalExecutions,
		SuccessfulExecutions:    s.successfulExecutions,
		FailedExecutions:        s.failedExecutions,
		LastExecutionTime:       s.lastExecutionTime,
		AverageExecutionTimeMs:  s.totalExecTimeMs,
		ActivePlansCount:        s.activePlansCount,
		IntervalSeconds:         s.cfg.IntervalSeconds,
		MaxConcurrentExecutions: s.cfg.MaxConcurrentExecutions,
	}
}

func chunk(plans []*store.Plan, size int) [][]*store.Plan {
	if size <= 0 {
		size = len(plans)
	}
	var batches [][]*store.Plan
	for i := 0; i < len(plans); i += size {
		end := i + size
		if end > len(plans) {
			end = len(plans)
		}
		batches = append(batches, plans[i:end])
	}
	return batches
}
