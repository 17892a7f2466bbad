// Package model defines the data structures shared by pipeflow's scheduler,
// execution engine, health monitor and pipeline state machine.
package model

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority orders tasks in the ready queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the recognized priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Dependency names a task that must reach the required terminal status before
// the dependent task becomes ready.
type Dependency struct {
	TaskID         string `yaml:"task_id"`
	RequiredStatus Status `yaml:"required_status"`
}

// Task is one schedulable, retryable unit of opaque work. The scheduler never
// interprets Type or Params; they exist for the router.
type Task struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params,omitempty"`
	RunID  string         `yaml:"run_id,omitempty"`
	Stage  string         `yaml:"stage,omitempty"`

	Priority     Priority     `yaml:"priority"`
	ScheduledFor *time.Time   `yaml:"scheduled_for,omitempty"`
	DependsOn    []Dependency `yaml:"depends_on,omitempty"`
	Pool         string       `yaml:"pool,omitempty"`

	EstimatedDuration time.Duration `yaml:"estimated_duration,omitempty"`
	EstimatedCost     float64       `yaml:"estimated_cost,omitempty"`
	Slots             int64         `yaml:"slots,omitempty"`
	Deadline          *time.Time    `yaml:"deadline,omitempty"`

	Status      Status     `yaml:"status"`
	CreatedAt   time.Time  `yaml:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	LastRetryAt *time.Time `yaml:"last_retry_at,omitempty"`

	RetryCount         int           `yaml:"retry_count"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`

	Result         any           `yaml:"result,omitempty"`
	ErrorMessage   string        `yaml:"error_message,omitempty"`
	ActualDuration time.Duration `yaml:"actual_duration,omitempty"`
	ActualCost     float64       `yaml:"actual_cost,omitempty"`
}

// TaskResult is the envelope the execution engine stores in Task.Result: the
// handler's payload plus the quality score the pipeline gates evaluate.
type TaskResult struct {
	Payload any     `yaml:"payload,omitempty"`
	Quality float64 `yaml:"quality"`
}

// SlotCost returns the number of concurrency slots the task occupies while
// running. Zero or negative means the default of one.
func (t *Task) SlotCost() int64 {
	if t.Slots <= 0 {
		return 1
	}
	return t.Slots
}

// IsOverdue reports whether the task's deadline has passed while it is still
// waiting to run. Overdue is informational: it surfaces as a warning and a
// health signal, it does not fail the task.
func (t *Task) IsOverdue(now time.Time) bool {
	if t.Deadline == nil || IsTerminal(t.Status) || t.Status == StatusRunning {
		return false
	}
	return now.After(*t.Deadline)
}
