package model

import "time"

// Artifact is one opaque payload produced by a stage task, kept for later
// stages and the final summary.
type Artifact struct {
	TaskID   string        `yaml:"task_id" json:"task_id"`
	Payload  any           `yaml:"payload,omitempty" json:"payload,omitempty"`
	Quality  float64       `yaml:"quality" json:"quality"`
	Cost     float64       `yaml:"cost" json:"cost"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// StageState tracks one stage of a run across attempts.
type StageState struct {
	Name          string        `yaml:"name" json:"name"`
	Status        StageStatus   `yaml:"status" json:"status"`
	Attempts      int           `yaml:"attempts" json:"attempts"`
	QualityPassed bool          `yaml:"quality_passed" json:"quality_passed"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
}

// WorkflowRun is one pipeline execution: an ordered list of stages, a pointer
// to the current one, and the accumulated totals. The state machine is its
// only writer.
type WorkflowRun struct {
	ID       string    `yaml:"id" json:"id"`
	Template string    `yaml:"template" json:"template"`
	Status   RunStatus `yaml:"status" json:"status"`

	Stages  []StageState `yaml:"stages" json:"stages"`
	Current int          `yaml:"current" json:"current"`

	Artifacts map[string][]Artifact `yaml:"artifacts" json:"artifacts"`

	CostSpent      float64  `yaml:"cost_spent" json:"cost_spent"`
	TasksCompleted int      `yaml:"tasks_completed" json:"tasks_completed"`
	TasksFailed    int      `yaml:"tasks_failed" json:"tasks_failed"`
	Errors         []string `yaml:"errors,omitempty" json:"errors,omitempty"`
	Warnings       []string `yaml:"warnings,omitempty" json:"warnings,omitempty"`

	MaxStageRetries int     `yaml:"max_stage_retries" json:"max_stage_retries"`
	CostBudget      float64 `yaml:"cost_budget" json:"cost_budget"`

	StartedAt  time.Time  `yaml:"started_at" json:"started_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// RetriesSpent sums stage attempts beyond the first, i.e. how much of the
// run-level retry budget has been consumed.
func (r *WorkflowRun) RetriesSpent() int {
	spent := 0
	for _, st := range r.Stages {
		if st.Attempts > 1 {
			spent += st.Attempts - 1
		}
	}
	return spent
}

// StagesCompleted counts stages whose gate returned continue.
func (r *WorkflowRun) StagesCompleted() int {
	n := 0
	for _, st := range r.Stages {
		if st.Status == StageStatusPassed {
			n++
		}
	}
	return n
}
