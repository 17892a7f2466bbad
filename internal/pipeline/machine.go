package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/events"
	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/sched"
)

// Machine drives one workflow run at a time through its stages: submit the
// stage's tasks, wait for every one to reach a terminal status, evaluate the
// gate, then advance, retry or fail. It is the only writer of the run it
// drives.
type Machine struct {
	scheduler *sched.Scheduler
	registry  *engine.Registry
	cfg       model.PipelineConfig
	clock     model.Clock
	logger    *logutil.Logger
	bus       *events.Bus
}

func NewMachine(s *sched.Scheduler, reg *engine.Registry, cfg model.PipelineConfig, clock model.Clock, logger *logutil.Logger) *Machine {
	if clock == nil {
		clock = model.SystemClock()
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Machine{
		scheduler: s,
		registry:  reg,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.WithComponent("pipeline"),
	}
}

// SetEventBus wires stage_transition and run_finished publication. Optional.
func (m *Machine) SetEventBus(b *events.Bus) { m.bus = b }

// Run prepares and executes the template to completion and returns the run
// summary. The returned error is non-nil only for preflight failures, context
// cancellation and budget exhaustion; a run that fails a gate still yields a
// summary with Success=false and a nil error.
func (m *Machine) Run(ctx context.Context, tpl *WorkflowTemplate, params map[string]any) (*model.RunSummary, error) {
	run, err := m.Prepare(tpl)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, run, tpl, params)
}

// Prepare validates the template against the handler registry and builds the
// initialized run.
func (m *Machine) Prepare(tpl *WorkflowTemplate) (*model.WorkflowRun, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if err := m.registry.Validate(tpl.TaskTypes()...); err != nil {
		return nil, fmt.Errorf("template %q: %w", tpl.Name, err)
	}
	return m.newRun(tpl)
}

// Execute drives a prepared run through every stage.
func (m *Machine) Execute(ctx context.Context, run *model.WorkflowRun, tpl *WorkflowTemplate, params map[string]any) (*model.RunSummary, error) {
	if err := m.transitionRun(run, model.RunStatusRunning); err != nil {
		return nil, err
	}
	m.logger.Infof("run_started id=%s template=%s stages=%d budget=%.2f",
		run.ID, tpl.Name, len(tpl.Stages), run.CostBudget)

	for i := range tpl.Stages {
		run.Current = i
		if err := m.runStage(ctx, run, &tpl.Stages[i], params); err != nil {
			return m.finish(run, run.Status, err)
		}
		if run.Stages[i].Status != model.StageStatusPassed {
			return m.finish(run, model.RunStatusFailed, nil)
		}
	}
	return m.finish(run, model.RunStatusFinalized, nil)
}

func (m *Machine) newRun(tpl *WorkflowTemplate) (*model.WorkflowRun, error) {
	id, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	maxRetries := tpl.MaxStageRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.MaxStageRetries
	}
	budget := tpl.CostBudget
	if budget <= 0 {
		budget = m.cfg.CostBudget
	}

	stages := make([]model.StageState, len(tpl.Stages))
	for i, st := range tpl.Stages {
		stages[i] = model.StageState{Name: st.Name, Status: model.StageStatusPending}
	}

	return &model.WorkflowRun{
		ID:              id,
		Template:        tpl.Name,
		Status:          model.RunStatusInitialized,
		Stages:          stages,
		Artifacts:       make(map[string][]model.Artifact),
		MaxStageRetries: maxRetries,
		CostBudget:      budget,
		StartedAt:       m.clock.Now(),
	}, nil
}

// runStage runs one stage through its attempts until the gate passes, the
// retry budget runs out, or an unrecoverable condition surfaces. A non-nil
// error aborts the run with run.Status already set.
func (m *Machine) runStage(ctx context.Context, run *model.WorkflowRun, spec *StageSpec, params map[string]any) error {
	state := &run.Stages[run.Current]

	for {
		if run.CostBudget > 0 && run.CostSpent >= run.CostBudget {
			m.failStage(run, state, fmt.Sprintf("budget exhausted before stage %s: spent %.2f of %.2f",
				spec.Name, run.CostSpent, run.CostBudget))
			run.Status = model.RunStatusFailed
			return fmt.Errorf("%w: spent %.2f of %.2f", model.ErrBudgetExceeded, run.CostSpent, run.CostBudget)
		}

		state.Attempts++
		attemptStart := m.clock.Now()
		if err := m.transitionStage(run, state, model.StageStatusRunning); err != nil {
			run.Status = model.RunStatusFailed
			return err
		}

		ids, err := m.submitStageTasks(run, spec, params)
		if err != nil {
			run.Errors = append(run.Errors, err.Error())
			run.Status = model.RunStatusFailed
			return err
		}

		tasks, err := m.awaitTerminal(ctx, ids)
		if err != nil {
			m.cancelOutstanding(ids, "run cancelled")
			run.Errors = append(run.Errors, fmt.Sprintf("stage %s interrupted: %v", spec.Name, err))
			run.Status = model.RunStatusCancelled
			return err
		}

		result := m.collect(run, tasks)
		state.Duration += m.clock.Now().Sub(attemptStart)
		if err := m.transitionStage(run, state, model.StageStatusGating); err != nil {
			run.Status = model.RunStatusFailed
			return err
		}

		if run.CostBudget > 0 && run.CostSpent > run.CostBudget {
			m.failStage(run, state, fmt.Sprintf("budget exceeded during stage %s: spent %.2f of %.2f",
				spec.Name, run.CostSpent, run.CostBudget))
			run.Status = model.RunStatusFailed
			return fmt.Errorf("%w: spent %.2f of %.2f", model.ErrBudgetExceeded, run.CostSpent, run.CostBudget)
		}

		outcome, reason := EvaluateGate(spec, result)
		switch outcome {
		case GateContinue:
			state.QualityPassed = true
			run.Artifacts[spec.Name] = result.Artifacts
			if err := m.transitionStage(run, state, model.StageStatusPassed); err != nil {
				run.Status = model.RunStatusFailed
				return err
			}
			m.logger.Infof("stage_passed run=%s stage=%s attempt=%d artifacts=%d",
				run.ID, spec.Name, state.Attempts, len(result.Artifacts))
			return nil

		case GateRetry:
			if run.RetriesSpent() >= run.MaxStageRetries {
				m.failStage(run, state, fmt.Sprintf("stage retry budget exhausted: %s", reason))
				return nil
			}
			run.Warnings = append(run.Warnings,
				fmt.Sprintf("stage %s attempt %d retried: %s", spec.Name, state.Attempts, reason))
			if err := m.transitionStage(run, state, model.StageStatusRetrying); err != nil {
				run.Status = model.RunStatusFailed
				return err
			}
			m.logger.Warnf("stage_retrying run=%s stage=%s attempt=%d reason=%q",
				run.ID, spec.Name, state.Attempts, reason)

		case GateError:
			m.failStage(run, state, reason)
			return nil
		}
	}
}

// submitStageTasks submits one attempt's worth of tasks with fresh ids.
// Run-level params are defaults; stage params override them.
func (m *Machine) submitStageTasks(run *model.WorkflowRun, spec *StageSpec, params map[string]any) ([]string, error) {
	merged := make(map[string]any, len(params)+len(spec.Params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range spec.Params {
		merged[k] = v
	}

	count := spec.taskCount()
	tasks := make([]*model.Task, count)
	for i := 0; i < count; i++ {
		tasks[i] = &model.Task{
			Type:          spec.TaskType,
			Params:        merged,
			RunID:         run.ID,
			Stage:         spec.Name,
			Priority:      spec.Priority,
			Pool:          spec.Pool,
			EstimatedCost: spec.EstimatedCost,
			MaxRetries:    spec.MaxRetries,
		}
	}
	if err := m.scheduler.Submit(tasks...); err != nil {
		return nil, fmt.Errorf("submit stage %s: %w", spec.Name, err)
	}
	ids := make([]string, count)
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// awaitTerminal polls until every id has reached a terminal status.
func (m *Machine) awaitTerminal(ctx context.Context, ids []string) ([]*model.Task, error) {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	for {
		tasks := make([]*model.Task, 0, len(ids))
		allDone := true
		for _, id := range ids {
			t, ok := m.scheduler.Lookup(id)
			if !ok || !model.IsTerminal(t.Status) {
				allDone = false
				break
			}
			tasks = append(tasks, t)
		}
		if allDone {
			return tasks, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Machine) cancelOutstanding(ids []string, reason string) {
	for _, id := range ids {
		t, ok := m.scheduler.Lookup(id)
		if !ok || model.IsTerminal(t.Status) {
			continue
		}
		if err := m.scheduler.Cancel(id, reason); err != nil {
			m.logger.Debugf("cancel_outstanding id=%s error=%v", id, err)
		}
	}
}

// collect folds the terminal tasks of one attempt into the run totals and the
// gate's input.
func (m *Machine) collect(run *model.WorkflowRun, tasks []*model.Task) StageResult {
	var result StageResult
	for _, t := range tasks {
		run.CostSpent += t.ActualCost
		switch t.Status {
		case model.StatusCompleted:
			run.TasksCompleted++
			artifact := model.Artifact{
				TaskID:   t.ID,
				Payload:  t.Result,
				Cost:     t.ActualCost,
				Duration: t.ActualDuration,
			}
			if tr, ok := t.Result.(model.TaskResult); ok {
				artifact.Payload = tr.Payload
				artifact.Quality = tr.Quality
			}
			result.Artifacts = append(result.Artifacts, artifact)
		default:
			run.TasksFailed++
			result.HardErrors = append(result.HardErrors,
				fmt.Sprintf("%s: %s", t.ID, t.ErrorMessage))
		}
	}
	return result
}

func (m *Machine) failStage(run *model.WorkflowRun, state *model.StageState, reason string) {
	run.Errors = append(run.Errors, reason)
	if err := m.transitionStage(run, state, model.StageStatusFailed); err != nil {
		m.logger.Errorf("stage_transition run=%s stage=%s error=%v", run.ID, state.Name, err)
	}
	m.logger.Errorf("stage_failed run=%s stage=%s attempts=%d reason=%q",
		run.ID, state.Name, state.Attempts, reason)
}

func (m *Machine) transitionStage(run *model.WorkflowRun, state *model.StageState, to model.StageStatus) error {
	if err := model.ValidateStageTransition(state.Status, to); err != nil {
		return err
	}
	from := state.Status
	state.Status = to
	if m.bus != nil {
		m.bus.Publish(events.EventStageTransition, map[string]any{
			"run_id":  run.ID,
			"stage":   state.Name,
			"from":    string(from),
			"to":      string(to),
			"attempt": state.Attempts,
		})
	}
	return nil
}

func (m *Machine) transitionRun(run *model.WorkflowRun, to model.RunStatus) error {
	if err := model.ValidateRunTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return nil
}

// finish stamps the run terminal, publishes run_finished and builds the
// summary. A runErr of ErrBudgetExceeded (or ctx cancellation) is passed
// through to the caller alongside the summary.
func (m *Machine) finish(run *model.WorkflowRun, to model.RunStatus, runErr error) (*model.RunSummary, error) {
	if run.Status != to && !model.IsRunTerminal(run.Status) {
		if err := m.transitionRun(run, to); err != nil {
			m.logger.Errorf("run_transition id=%s error=%v", run.ID, err)
		}
	}
	now := m.clock.Now()
	run.FinishedAt = &now

	summary := model.Summarize(run, now)
	if m.bus != nil {
		m.bus.Publish(events.EventRunFinished, map[string]any{
			"run_id":   run.ID,
			"template": run.Template,
			"status":   string(run.Status),
			"success":  summary.Success,
			"cost":     run.CostSpent,
		})
	}
	m.logger.Infof("run_finished id=%s status=%s stages=%d/%d cost=%.2f duration=%s",
		run.ID, run.Status, summary.StagesCompleted, len(run.Stages), run.CostSpent, summary.TotalDuration)
	return summary, runErr
}
