package model

import "time"

// RunSummary is produced for every run, finalized or failed, with enough
// detail to diagnose without inspecting internal state.
type RunSummary struct {
	RunID           string        `yaml:"run_id" json:"run_id"`
	Template        string        `yaml:"template" json:"template"`
	Success         bool          `yaml:"success" json:"success"`
	StagesCompleted int           `yaml:"stages_completed" json:"stages_completed"`
	TotalCost       float64       `yaml:"total_cost" json:"total_cost"`
	TotalDuration   time.Duration `yaml:"total_duration" json:"total_duration"`

	StageDurations map[string]time.Duration `yaml:"stage_durations,omitempty" json:"stage_durations,omitempty"`
	ArtifactCounts map[string]int           `yaml:"artifact_counts,omitempty" json:"artifact_counts,omitempty"`

	Errors   []string `yaml:"errors,omitempty" json:"errors,omitempty"`
	Warnings []string `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// Summarize folds a finished run into its summary.
func Summarize(run *WorkflowRun, now time.Time) *RunSummary {
	s := &RunSummary{
		RunID:           run.ID,
		Template:        run.Template,
		Success:         run.Status == RunStatusFinalized,
		StagesCompleted: run.StagesCompleted(),
		TotalCost:       run.CostSpent,
		StageDurations:  make(map[string]time.Duration),
		ArtifactCounts:  make(map[string]int),
		Errors:          run.Errors,
		Warnings:        run.Warnings,
	}
	end := now
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	s.TotalDuration = end.Sub(run.StartedAt)
	for _, st := range run.Stages {
		if st.Duration > 0 {
			s.StageDurations[st.Name] = st.Duration
		}
	}
	for stage, arts := range run.Artifacts {
		s.ArtifactCounts[stage] = len(arts)
	}
	return s
}
