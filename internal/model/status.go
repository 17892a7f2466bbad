package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type RunStatus string

const (
	RunStatusInitialized RunStatus = "initialized"
	RunStatusRunning     RunStatus = "running"
	RunStatusFinalized   RunStatus = "finalized"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
)

type StageStatus string

const (
	StageStatusPending  StageStatus = "pending"
	StageStatusRunning  StageStatus = "running"
	StageStatusGating   StageStatus = "gating"
	StageStatusPassed   StageStatus = "passed"
	StageStatusRetrying StageStatus = "retrying"
	StageStatusFailed   StageStatus = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusFinalized: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// Task lifecycle: pending → scheduled → running → terminal, with retrying
// looping back to pending. scheduled → pending covers slot give-back when the
// engine admits fewer tasks than the scheduler handed out.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusScheduled: true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusRunning:   true,
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusRetrying:  true,
		StatusCancelled: true,
	},
	StatusRetrying: {
		StatusPending:   true,
		StatusCancelled: true,
	},
}

var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusInitialized: {
		RunStatusRunning:   true,
		RunStatusCancelled: true,
	},
	RunStatusRunning: {
		RunStatusFinalized: true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
	},
}

// Stage lifecycle: the gate decides passed/retrying/failed; retrying re-enters
// running for the same stage. Any non-terminal stage can fail directly when
// the run aborts (budget exhausted, cancellation).
var validStageTransitions = map[StageStatus]map[StageStatus]bool{
	StageStatusPending: {
		StageStatusRunning: true,
		StageStatusFailed:  true,
	},
	StageStatusRunning: {
		StageStatusGating: true,
		StageStatusFailed: true,
	},
	StageStatusGating: {
		StageStatusPassed:   true,
		StageStatusRetrying: true,
		StageStatusFailed:   true,
	},
	StageStatusRetrying: {
		StageStatusRunning: true,
		StageStatusFailed:  true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStageTransition(from, to StageStatus) error {
	allowed, ok := validStageTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from stage status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid stage transition: %q → %q", from, to)
	}
	return nil
}
