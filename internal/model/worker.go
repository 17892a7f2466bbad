package model

import "time"

type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerErrored WorkerStatus = "errored"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerDescriptor describes a named external worker pool: its capacity and
// health as last reported. The health monitor classifies from these, the
// scheduler consults them for pool availability.
type WorkerDescriptor struct {
	ID            string       `yaml:"id" json:"id"`
	Status        WorkerStatus `yaml:"status" json:"status"`
	MaxConcurrent int          `yaml:"max_concurrent" json:"max_concurrent"`
	CurrentTasks  int          `yaml:"current_tasks" json:"current_tasks"`
	RecentErrors  int          `yaml:"recent_errors" json:"recent_errors"`
	LastHeartbeat time.Time    `yaml:"last_heartbeat" json:"last_heartbeat"`
}

// Available reports whether the pool can accept more work.
func (w *WorkerDescriptor) Available() bool {
	if w.Status == WorkerOffline || w.Status == WorkerErrored {
		return false
	}
	return w.MaxConcurrent <= 0 || w.CurrentTasks < w.MaxConcurrent
}
