// Package pipeline implements the staged workflow state machine: templates,
// quality gates and the run registry that drives stages through the scheduler.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tkodaira/pipeflow/internal/model"
)

// GateSpec is the quality gate evaluated when every task of a stage attempt
// has reached a terminal status.
type GateSpec struct {
	// MinSuccess is the number of completed tasks the stage needs. Zero
	// means all of them.
	MinSuccess int `yaml:"min_success"`
	// MinQuality is the minimum mean quality score across completed tasks.
	// Zero disables the quality check.
	MinQuality float64 `yaml:"min_quality"`
	// ZeroHardErrors makes any terminally failed task an unrecoverable gate
	// violation instead of a retryable one.
	ZeroHardErrors bool `yaml:"zero_hard_errors"`
}

// StageSpec describes one stage of a workflow template.
type StageSpec struct {
	Name          string         `yaml:"name"`
	TaskType      string         `yaml:"task_type"`
	Count         int            `yaml:"count"`
	Priority      model.Priority `yaml:"priority"`
	Params        map[string]any `yaml:"params,omitempty"`
	Pool          string         `yaml:"pool,omitempty"`
	EstimatedCost float64        `yaml:"estimated_cost,omitempty"`
	MaxRetries    int            `yaml:"max_retries"`
	Gate          GateSpec       `yaml:"gate"`
}

// WorkflowTemplate is the declarative description of a run: an ordered stage
// list plus run-level budgets.
type WorkflowTemplate struct {
	Name            string      `yaml:"name"`
	Description     string      `yaml:"description,omitempty"`
	MaxStageRetries int         `yaml:"max_stage_retries"`
	CostBudget      float64     `yaml:"cost_budget"`
	Stages          []StageSpec `yaml:"stages"`
}

// LoadTemplate reads and validates a single template file.
func LoadTemplate(path string) (*WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var tpl WorkflowTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return &tpl, nil
}

// Validate checks structural soundness. Routability of task types is checked
// separately at run start, against the live handler registry.
func (t *WorkflowTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %q has no stages", t.Name)
	}
	if t.MaxStageRetries < 0 {
		return fmt.Errorf("template %q has negative max_stage_retries", t.Name)
	}
	if t.CostBudget < 0 {
		return fmt.Errorf("template %q has negative cost_budget", t.Name)
	}
	seen := make(map[string]bool, len(t.Stages))
	for i, st := range t.Stages {
		if st.Name == "" {
			return fmt.Errorf("template %q: stage %d has no name", t.Name, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("template %q: duplicate stage name %q", t.Name, st.Name)
		}
		seen[st.Name] = true
		if st.TaskType == "" {
			return fmt.Errorf("template %q: stage %q has no task_type", t.Name, st.Name)
		}
		if st.Count < 0 {
			return fmt.Errorf("template %q: stage %q has negative count", t.Name, st.Name)
		}
		if !st.Priority.Valid() {
			return fmt.Errorf("template %q: stage %q has unrecognized priority", t.Name, st.Name)
		}
		if st.MaxRetries < 0 {
			return fmt.Errorf("template %q: stage %q has negative max_retries", t.Name, st.Name)
		}
		if st.Gate.MinSuccess < 0 || st.Gate.MinQuality < 0 {
			return fmt.Errorf("template %q: stage %q has negative gate thresholds", t.Name, st.Name)
		}
		if count := st.taskCount(); st.Gate.MinSuccess > count {
			return fmt.Errorf("template %q: stage %q gate min_success %d exceeds task count %d",
				t.Name, st.Name, st.Gate.MinSuccess, count)
		}
	}
	return nil
}

// TaskTypes lists the task types the template routes to, in stage order.
func (t *WorkflowTemplate) TaskTypes() []string {
	types := make([]string, 0, len(t.Stages))
	for _, st := range t.Stages {
		types = append(types, st.TaskType)
	}
	return types
}

// taskCount returns the effective task count of a stage; zero means one.
func (s *StageSpec) taskCount() int {
	if s.Count <= 0 {
		return 1
	}
	return s.Count
}

// minSuccess returns the effective success threshold; zero means every task.
func (s *StageSpec) minSuccess() int {
	if s.Gate.MinSuccess <= 0 {
		return s.taskCount()
	}
	return s.Gate.MinSuccess
}
