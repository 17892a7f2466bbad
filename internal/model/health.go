package model

import "time"

// SystemHealth is the admission signal the execution engine consults. Only
// the health monitor produces it.
type SystemHealth string

const (
	HealthHealthy  SystemHealth = "healthy"
	HealthWarning  SystemHealth = "warning"
	HealthCritical SystemHealth = "critical"
	HealthDown     SystemHealth = "down"
)

// Admitting reports whether new work may be admitted under this
// classification. warning still admits; critical and down pause admission.
func (h SystemHealth) Admitting() bool {
	return h == HealthHealthy || h == HealthWarning
}

// WorkerLoad is the per-pool slice of a health snapshot.
type WorkerLoad struct {
	Status WorkerStatus `yaml:"status" json:"status"`
	Load   int          `yaml:"load" json:"load"`
}

// CostTotals tracks rolling spend windows.
type CostTotals struct {
	Hourly float64 `yaml:"hourly" json:"hourly"`
	Daily  float64 `yaml:"daily" json:"daily"`
}

// HealthSnapshot is the read-only status surface exposed to CLIs and
// dashboards.
type HealthSnapshot struct {
	Health           SystemHealth          `yaml:"health" json:"health"`
	Pending          int                   `yaml:"pending" json:"pending"`
	Running          int                   `yaml:"running" json:"running"`
	Failed           int                   `yaml:"failed" json:"failed"`
	Workers          map[string]WorkerLoad `yaml:"workers" json:"workers"`
	Cost             CostTotals            `yaml:"cost" json:"cost"`
	QueueWaitSeconds float64               `yaml:"queue_wait_seconds" json:"queue_wait_seconds"`
	OverdueTasks     int                   `yaml:"overdue_tasks" json:"overdue_tasks"`
	SampledAt        time.Time             `yaml:"sampled_at" json:"sampled_at"`
}
