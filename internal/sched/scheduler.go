// Package sched implements the dependency-aware task scheduler: admission,
// ready-task selection, retry/backoff and lifecycle bookkeeping.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/store"
)

// WorkerDirectory answers whether a named worker pool can currently accept
// work. The health package provides the concrete directory.
type WorkerDirectory interface {
	PoolAvailable(id string) bool
}

// Counters is the scheduler's contribution to a health sample.
type Counters struct {
	Pending   int
	Scheduled int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Scheduler owns all task lifecycle transitions. Every mutating call locks
// one mutex, so there is a single writer by construction even when multiple
// goroutines submit or report outcomes.
type Scheduler struct {
	mu       sync.Mutex
	store    *store.TaskStore
	clock    model.Clock
	defaults model.RetryDefaults
	workers  WorkerDirectory
	logger   *logutil.Logger
}

func New(st *store.TaskStore, clock model.Clock, defaults model.RetryDefaults, logger *logutil.Logger) *Scheduler {
	if clock == nil {
		clock = model.SystemClock()
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Scheduler{
		store:    st,
		clock:    clock,
		defaults: defaults,
		logger:   logger.WithComponent("sched"),
	}
}

// SetWorkerDirectory wires pool availability checks into readiness. Optional;
// without it every pool is assumed available.
func (s *Scheduler) SetWorkerDirectory(d WorkerDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = d
}

// Submit validates and enqueues a batch of tasks. A dependency reference must
// resolve to an already-stored task or to another task in the same batch;
// otherwise the whole batch is rejected and nothing is enqueued.
func (s *Scheduler) Submit(tasks ...*model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	inBatch := make(map[string]bool, len(tasks))

	for _, t := range tasks {
		if t.ID == "" {
			id, err := model.GenerateID(model.IDTypeTask)
			if err != nil {
				return fmt.Errorf("generate task id: %w", err)
			}
			t.ID = id
		}
		if inBatch[t.ID] || s.store.Has(t.ID) {
			return fmt.Errorf("%w: duplicate task id %s", model.ErrInvalidTask, t.ID)
		}
		inBatch[t.ID] = true
	}

	for _, t := range tasks {
		if err := s.validate(t, inBatch); err != nil {
			return err
		}
	}
	if err := validateBatchAcyclic(tasks); err != nil {
		return err
	}

	for _, t := range tasks {
		s.applyDefaults(t, now)
		if err := s.store.Add(t); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidTask, err)
		}
		s.logger.Debugf("task_submitted id=%s type=%s priority=%s deps=%d",
			t.ID, t.Type, t.Priority, len(t.DependsOn))
	}
	return nil
}

func (s *Scheduler) validate(t *model.Task, inBatch map[string]bool) error {
	if t.Type == "" {
		return fmt.Errorf("%w: task %s has no type", model.ErrInvalidTask, t.ID)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: task %s has unrecognized priority %d", model.ErrInvalidTask, t.ID, t.Priority)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: task %s has negative max_retries", model.ErrInvalidTask, t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep.TaskID == t.ID {
			return fmt.Errorf("%w: task %s depends on itself", model.ErrInvalidTask, t.ID)
		}
		if !inBatch[dep.TaskID] && !s.store.Has(dep.TaskID) {
			return fmt.Errorf("%w: task %s references unknown dependency %s",
				model.ErrInvalidTask, t.ID, dep.TaskID)
		}
		if dep.RequiredStatus != "" && !model.IsTerminal(dep.RequiredStatus) {
			return fmt.Errorf("%w: task %s requires non-terminal dependency status %q",
				model.ErrInvalidTask, t.ID, dep.RequiredStatus)
		}
	}
	return nil
}

func (s *Scheduler) applyDefaults(t *model.Task, now time.Time) {
	t.CreatedAt = now
	if t.Slots <= 0 {
		t.Slots = 1
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = s.defaults.RetryDelay()
	}
	for i := range t.DependsOn {
		if t.DependsOn[i].RequiredStatus == "" {
			t.DependsOn[i].RequiredStatus = model.StatusCompleted
		}
	}
}

// validateBatchAcyclic rejects dependency cycles within a submission batch.
// References to already-stored tasks cannot form cycles: stored tasks never
// gain new dependencies.
func validateBatchAcyclic(tasks []*model.Task) error {
	inBatch := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inBatch[t.ID] = true
	}
	var edges []toposort.Edge
	for _, t := range tasks {
		batchDeps := 0
		for _, dep := range t.DependsOn {
			if inBatch[dep.TaskID] {
				edges = append(edges, toposort.Edge{dep.TaskID, t.ID})
				batchDeps++
			}
		}
		if batchDeps == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: dependency cycle in batch: %v", model.ErrInvalidTask, err)
	}
	return nil
}

type readyCandidate struct {
	task *model.Task
	at   time.Time
	seq  uint64
}

// ReadyTasks returns, in deterministic order, up to limit pending tasks whose
// earliest-run time has passed and whose every dependency sits in a terminal
// set with the required status. Returned tasks move to the scheduled set; the
// caller must finalize them through Start/Complete/Fail or give them back via
// Requeue. limit <= 0 means no limit.
//
// A task whose dependency reached the wrong terminal status can never become
// ready; it is cancelled here with an explanatory message.
func (s *Scheduler) ReadyTasks(limit int) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var candidates []readyCandidate

	for _, entry := range s.store.PendingEntries() {
		t := entry.Task
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		ready, doomed, reason := s.dependenciesSatisfied(t)
		if doomed {
			if _, err := s.store.MarkCancelled(t.ID); err == nil {
				t.ErrorMessage = reason
				done := now
				t.CompletedAt = &done
				s.logger.Warnf("task_cancelled id=%s reason=%q", t.ID, reason)
			}
			continue
		}
		if !ready {
			continue
		}
		if s.workers != nil && t.Pool != "" && !s.workers.PoolAvailable(t.Pool) {
			s.logger.Debugf("task_held id=%s pool=%s reason=pool_unavailable", t.ID, t.Pool)
			continue
		}
		at := now
		if t.ScheduledFor != nil {
			at = *t.ScheduledFor
		}
		candidates = append(candidates, readyCandidate{task: t, at: at, seq: entry.Seq})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].task.Priority != candidates[j].task.Priority {
			return candidates[i].task.Priority > candidates[j].task.Priority
		}
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.Before(candidates[j].at)
		}
		return candidates[i].seq < candidates[j].seq
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*model.Task, 0, len(candidates))
	for _, c := range candidates {
		if _, err := s.store.MarkScheduled(c.task.ID); err != nil {
			s.logger.Errorf("mark_scheduled id=%s error=%v", c.task.ID, err)
			continue
		}
		out = append(out, c.task)
	}
	return out
}

// dependenciesSatisfied is the single authoritative readiness check: every
// listed dependency must be terminal with its required status. An empty list
// is the trivially satisfied case.
func (s *Scheduler) dependenciesSatisfied(t *model.Task) (ready, doomed bool, reason string) {
	for _, dep := range t.DependsOn {
		status, terminal := s.store.TerminalStatus(dep.TaskID)
		if !terminal {
			return false, false, ""
		}
		if status != dep.RequiredStatus {
			return false, true, fmt.Sprintf("dependency %s is %s, required %s",
				dep.TaskID, status, dep.RequiredStatus)
		}
	}
	return true, false, ""
}

// Requeue gives a scheduled task back to the pending set, preserving its
// submission order. The engine uses it when a slot acquisition falls through
// or admission stops mid-cycle.
func (s *Scheduler) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.store.Requeue(id)
	return err
}

// Start records dispatch: the task moves to running and is stamped. The
// engine calls this while holding the task's concurrency slots.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.MarkRunning(id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	t.StartedAt = &now
	return nil
}

// Complete finalizes a task successfully. Idempotent in effect: a second call
// on the same id returns ErrAlreadyFinalized and changes nothing.
func (s *Scheduler) Complete(id string, result any, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.MarkCompleted(id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	t.CompletedAt = &now
	t.Result = result
	t.ActualCost = cost
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt)
	}
	s.logger.Infof("task_completed id=%s type=%s duration=%s cost=%.4f",
		t.ID, t.Type, t.ActualDuration, cost)
	return nil
}

// Fail reports an execution failure. While retries remain, the retry count is
// incremented and the task re-enters the pending set with its next eligible
// time backed off; once the budget is spent it becomes terminally failed.
// Returns whether the task will be retried.
func (s *Scheduler) Fail(id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.store.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", model.ErrUnknownTask, id)
	}
	if model.IsTerminal(t.Status) {
		return false, fmt.Errorf("%w: %s is %s", model.ErrAlreadyFinalized, id, t.Status)
	}

	now := s.clock.Now()
	t.ErrorMessage = reason

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		next := now.Add(s.backoffDelay(t))
		t.ScheduledFor = &next
		t.LastRetryAt = &now
		t.StartedAt = nil
		if _, err := s.store.Requeue(id); err != nil {
			return false, err
		}
		s.logger.Warnf("task_retrying id=%s attempt=%d/%d next=%s reason=%q",
			t.ID, t.RetryCount, t.MaxRetries, next.Format(time.RFC3339), reason)
		return true, nil
	}

	if _, err := s.store.MarkFailed(id); err != nil {
		return false, err
	}
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt)
	}
	s.logger.Errorf("task_failed id=%s type=%s attempts=%d reason=%q",
		t.ID, t.Type, t.RetryCount, reason)
	return false, nil
}

// backoffDelay computes the wait before the next attempt. The k-th retry of
// an exponential task waits retry_delay * 2^k; flat backoff waits retry_delay
// unconditionally. Called after RetryCount has been incremented.
func (s *Scheduler) backoffDelay(t *model.Task) time.Duration {
	if !t.ExponentialBackoff {
		return t.RetryDelay
	}
	return t.RetryDelay * time.Duration(1<<uint(t.RetryCount))
}

// Cancel terminates a live task without running it.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.MarkCancelled(id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	t.ErrorMessage = reason
	t.CompletedAt = &now
	s.logger.Infof("task_cancelled id=%s reason=%q", id, reason)
	return nil
}

// StatusOf returns the current lifecycle status of a task.
func (s *Scheduler) StatusOf(id string) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.store.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownTask, id)
	}
	return t.Status, nil
}

// Lookup returns the task for inspection. Terminal tasks are no longer
// mutated by the scheduler and are safe to read.
func (s *Scheduler) Lookup(id string) (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// Counts samples the set sizes for the health monitor.
func (s *Scheduler) Counts() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counters
	c.Pending, c.Scheduled, c.Running, c.Completed, c.Failed, c.Cancelled = s.store.Counts()
	return c
}

// Overdue returns ids of queued tasks whose deadline has passed. Informational
// only; overdue tasks are not failed here.
func (s *Scheduler) Overdue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []string
	for _, entry := range s.store.PendingEntries() {
		if entry.Task.IsOverdue(now) {
			out = append(out, entry.Task.ID)
		}
	}
	sort.Strings(out)
	return out
}
