package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/tkodaira/pipeflow/internal/events"
	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/sched"
)

// HealthGate is the only admission signal the engine consults. The health
// monitor provides the concrete gate; it never touches scheduler state.
type HealthGate interface {
	Admitting() bool
}

// Stats is the engine's contribution to a health sample.
type Stats struct {
	RunningSlots     int64
	Dispatched       uint64
	Completed        uint64
	Failed           uint64
	TimedOut         uint64
	Overdue          int64
	QueueWaitSeconds float64
}

var errDeadline = errors.New("task deadline exceeded")

// Engine owns the run loop and the concurrency budget. Slot accounting is
// exclusively its own: slots are acquired at admission and released exactly
// once when the outcome has been reported back to the scheduler.
type Engine struct {
	scheduler *sched.Scheduler
	registry  *Registry
	breakers  *BreakerRegistry
	cfg       model.EngineConfig
	clock     model.Clock
	logger    *logutil.Logger

	health HealthGate
	bus    *events.Bus

	sem           *semaphore.Weighted
	runningWeight atomic.Int64
	wg            sync.WaitGroup

	mu          sync.Mutex
	inflight    map[string]int64
	queueWait   float64
	overdueSeen map[string]bool

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	overdueNow atomic.Int64
}

func New(s *sched.Scheduler, registry *Registry, cfg model.EngineConfig, clock model.Clock, logger *logutil.Logger) *Engine {
	if clock == nil {
		clock = model.SystemClock()
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Engine{
		scheduler:   s,
		registry:    registry,
		breakers:    NewBreakerRegistry(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSec)*time.Second, logger),
		cfg:         cfg,
		clock:       clock,
		logger:      logger.WithComponent("engine"),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight:    make(map[string]int64),
		overdueSeen: make(map[string]bool),
	}
}

// SetHealthGate wires the admission signal. Optional; without it the engine
// always admits.
func (e *Engine) SetHealthGate(h HealthGate) { e.health = h }

// SetEventBus wires event publication. Optional.
func (e *Engine) SetEventBus(b *events.Bus) { e.bus = b }

// Run polls the scheduler and dispatches ready tasks until ctx is cancelled,
// then drains in-flight work within the grace period. The poll interval backs
// off while the queue is idle and resets as soon as work is admitted.
func (e *Engine) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = e.cfg.PollInterval()
	idle.MaxInterval = e.cfg.IdleMaxInterval()
	idle.Multiplier = 2.0
	idle.MaxElapsedTime = 0
	idle.Reset()

	e.logger.Infof("engine_started budget=%d poll=%s", e.cfg.MaxConcurrent, e.cfg.PollInterval())

	for {
		select {
		case <-ctx.Done():
			return e.drain()
		default:
		}

		admitted := e.admitCycle(ctx)
		e.scanOverdue()

		if admitted > 0 {
			idle.Reset()
			continue
		}

		timer := time.NewTimer(idle.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.drain()
		case <-timer.C:
		}
	}
}

// admitCycle performs one admission pass: consult the health gate, compute
// available slots, take that many ready tasks and dispatch them.
func (e *Engine) admitCycle(ctx context.Context) int {
	if e.health != nil && !e.health.Admitting() {
		e.logger.Debugf("admission_paused reason=health")
		return 0
	}

	available := int64(e.cfg.MaxConcurrent) - e.runningWeight.Load()
	if available <= 0 {
		return 0
	}

	admitted := 0
	for _, t := range e.scheduler.ReadyTasks(int(available)) {
		slots := t.SlotCost()
		if slots > int64(e.cfg.MaxConcurrent) {
			if err := e.scheduler.Cancel(t.ID, "slot cost exceeds concurrency budget"); err != nil {
				e.logger.Errorf("cancel_oversized id=%s error=%v", t.ID, err)
			}
			continue
		}
		if !e.sem.TryAcquire(slots) {
			if err := e.scheduler.Requeue(t.ID); err != nil {
				e.logger.Errorf("requeue id=%s error=%v", t.ID, err)
			}
			continue
		}
		if err := e.scheduler.Start(t.ID); err != nil {
			e.sem.Release(slots)
			e.logger.Errorf("start id=%s error=%v", t.ID, err)
			continue
		}

		e.runningWeight.Add(slots)
		e.trackAdmission(t)
		e.dispatched.Add(1)

		e.wg.Add(1)
		go e.dispatch(ctx, t, slots)
		admitted++
	}
	return admitted
}

func (e *Engine) trackAdmission(t *model.Task) {
	now := e.clock.Now()
	readyAt := t.CreatedAt
	if t.ScheduledFor != nil && t.ScheduledFor.After(readyAt) {
		readyAt = *t.ScheduledFor
	}
	wait := now.Sub(readyAt).Seconds()
	if wait < 0 {
		wait = 0
	}

	e.mu.Lock()
	if e.queueWait == 0 {
		e.queueWait = wait
	} else {
		e.queueWait = 0.8*e.queueWait + 0.2*wait
	}
	e.inflight[t.ID] = t.SlotCost()
	e.mu.Unlock()
}

func (e *Engine) dispatch(ctx context.Context, t *model.Task, slots int64) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, t.ID)
		e.mu.Unlock()
		e.runningWeight.Add(-slots)
		e.sem.Release(slots)
		e.wg.Done()
	}()

	e.publish(events.EventTaskStarted, t, map[string]any{})

	outcome := e.route(ctx, t)

	if outcome.Success {
		result := model.TaskResult{Payload: outcome.Result, Quality: outcome.Quality}
		if err := e.scheduler.Complete(t.ID, result, outcome.Cost); err != nil {
			e.logFinalizeErr("complete", t.ID, err)
			return
		}
		e.completed.Add(1)
		e.publish(events.EventTaskCompleted, t, map[string]any{
			"cost":    outcome.Cost,
			"quality": outcome.Quality,
		})
		return
	}

	retried, err := e.scheduler.Fail(t.ID, outcome.Err)
	if err != nil {
		e.logFinalizeErr("fail", t.ID, err)
		return
	}
	if !retried {
		e.failed.Add(1)
	}
	e.publish(events.EventTaskFailed, t, map[string]any{
		"error":   outcome.Err,
		"retried": retried,
	})
}

// logFinalizeErr downgrades the expected drain race (the grace-period sweep
// finalized the task first) to debug.
func (e *Engine) logFinalizeErr(op, id string, err error) {
	if errors.Is(err, model.ErrAlreadyFinalized) {
		e.logger.Debugf("%s_after_finalize id=%s", op, id)
		return
	}
	e.logger.Errorf("%s id=%s error=%v", op, id, err)
}

// route runs the task's handler under its type's circuit breaker and the
// task deadline. A handler that does not return before the deadline yields a
// failure with reason "timeout", subject to the normal retry policy.
func (e *Engine) route(ctx context.Context, t *model.Task) Outcome {
	handler, ok := e.registry.Route(t.Type)
	if !ok {
		// Startup validation makes this unreachable for pipeline tasks;
		// directly submitted tasks can still hit it.
		return Failf("no handler registered for task type %q", t.Type)
	}

	timeout := e.cfg.TaskTimeout()
	if t.Deadline != nil {
		remaining := t.Deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			e.timedOut.Add(1)
			return Failf("timeout")
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := e.breakers.Get(t.Type)
	result, err := cb.Execute(func() (any, error) {
		done := make(chan Outcome, 1)
		go func() { done <- handler(cctx, t) }()
		select {
		case out := <-done:
			if out.Success {
				return out, nil
			}
			return out, errors.New(out.Err)
		case <-cctx.Done():
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return Outcome{}, errDeadline
			}
			return Outcome{}, cctx.Err()
		}
	})

	if err == nil {
		return result.(Outcome)
	}

	switch {
	case errors.Is(err, errDeadline):
		e.timedOut.Add(1)
		return Failf("timeout")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Failf("circuit open for task type %q", t.Type)
	case errors.Is(err, context.Canceled):
		return Failf("cancelled")
	default:
		if out, ok := result.(Outcome); ok && out.Err != "" {
			return out
		}
		return Outcome{Err: err.Error()}
	}
}

func (e *Engine) publish(typ events.EventType, t *model.Task, data map[string]any) {
	if e.bus == nil {
		return
	}
	data["task_id"] = t.ID
	data["type"] = t.Type
	if t.RunID != "" {
		data["run_id"] = t.RunID
	}
	if t.Stage != "" {
		data["stage"] = t.Stage
	}
	e.bus.Publish(typ, data)
}

// scanOverdue logs a warning for each newly overdue queued task. Overdue is
// informational: it feeds the health snapshot, it does not fail anything.
func (e *Engine) scanOverdue() {
	ids := e.scheduler.Overdue()
	e.overdueNow.Store(int64(len(ids)))

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if !e.overdueSeen[id] {
			e.overdueSeen[id] = true
			e.logger.Warnf("task_overdue id=%s", id)
		}
	}
}

// drain waits for in-flight tasks to finish within the grace period, then
// sweeps whatever is left into the failure path.
func (e *Engine) drain() error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Infof("engine_stopped clean=true")
		return nil
	case <-time.After(e.cfg.GracePeriod()):
	}

	e.mu.Lock()
	remaining := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		remaining = append(remaining, id)
	}
	e.mu.Unlock()

	for _, id := range remaining {
		if _, err := e.scheduler.Fail(id, "timeout: shutdown grace period exceeded"); err != nil {
			e.logFinalizeErr("fail", id, err)
		}
	}
	e.logger.Warnf("engine_stopped clean=false stragglers=%d", len(remaining))
	return nil
}

// Stats samples the engine's counters for the health monitor.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	queueWait := e.queueWait
	e.mu.Unlock()
	return Stats{
		RunningSlots:     e.runningWeight.Load(),
		Dispatched:       e.dispatched.Load(),
		Completed:        e.completed.Load(),
		Failed:           e.failed.Load(),
		TimedOut:         e.timedOut.Load(),
		Overdue:          e.overdueNow.Load(),
		QueueWaitSeconds: queueWait,
	}
}
