package health

import (
	"context"
	"sync"
	"time"

	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/events"
	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/sched"
)

// SchedulerSource provides queue set sizes for a sample.
type SchedulerSource interface {
	Counts() sched.Counters
}

// EngineSource provides dispatch counters for a sample.
type EngineSource interface {
	Stats() engine.Stats
}

// Monitor samples the scheduler and engine on an interval and classifies
// system health. Classification is a pure function of the sample; the monitor
// never mutates scheduler or engine state.
type Monitor struct {
	cfg       model.HealthConfig
	clock     model.Clock
	logger    *logutil.Logger
	scheduler SchedulerSource
	engine    EngineSource
	directory *Directory
	cost      *costTracker
	bus       *events.Bus

	mu            sync.RWMutex
	current       model.SystemHealth
	snapshot      model.HealthSnapshot
	lastCompleted uint64
	lastFailed    uint64
}

func NewMonitor(cfg model.HealthConfig, clock model.Clock, dir *Directory, s SchedulerSource, e EngineSource, logger *logutil.Logger) *Monitor {
	if clock == nil {
		clock = model.SystemClock()
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.WithComponent("health"),
		scheduler: s,
		engine:    e,
		directory: dir,
		cost:      newCostTracker(),
		current:   model.HealthHealthy,
	}
}

// SetEventBus wires cost accounting (from task_completed events) and
// health_changed publication. Optional.
func (m *Monitor) SetEventBus(b *events.Bus) {
	m.bus = b
	b.Subscribe(events.EventTaskCompleted, func(e events.Event) {
		if cost, ok := e.Data["cost"].(float64); ok && cost > 0 {
			m.cost.Record(e.Timestamp, cost)
		}
	})
}

// Admitting implements the engine's admission gate.
func (m *Monitor) Admitting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Admitting()
}

// Current returns the latest classification.
func (m *Monitor) Current() model.SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the most recent sample, taking one first if the loop has
// not run yet.
func (m *Monitor) Snapshot() model.HealthSnapshot {
	m.mu.RLock()
	sampled := !m.snapshot.SampledAt.IsZero()
	snap := m.snapshot
	m.mu.RUnlock()
	if sampled {
		return snap
	}
	m.sample()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.SampleIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	now := m.clock.Now()
	counts := m.scheduler.Counts()
	stats := m.engine.Stats()

	m.mu.Lock()

	// Failure rate over the sampling window, not since boot.
	deltaCompleted := stats.Completed - m.lastCompleted
	deltaFailed := stats.Failed - m.lastFailed
	m.lastCompleted = stats.Completed
	m.lastFailed = stats.Failed

	var failureRate float64
	if total := deltaCompleted + deltaFailed; total > 0 {
		failureRate = float64(deltaFailed) / float64(total)
	}

	next := m.classify(failureRate, stats.QueueWaitSeconds)

	m.snapshot = model.HealthSnapshot{
		Health:           next,
		Pending:          counts.Pending + counts.Scheduled,
		Running:          counts.Running,
		Failed:           counts.Failed,
		Workers:          m.directory.Loads(),
		Cost:             m.cost.Totals(now),
		QueueWaitSeconds: stats.QueueWaitSeconds,
		OverdueTasks:     int(stats.Overdue),
		SampledAt:        now,
	}

	prev := m.current
	m.current = next
	m.mu.Unlock()

	if next != prev {
		m.logger.Warnf("health_changed from=%s to=%s failure_rate=%.2f queue_wait=%.1fs",
			prev, next, failureRate, stats.QueueWaitSeconds)
		if m.bus != nil {
			m.bus.Publish(events.EventHealthChanged, map[string]any{
				"from": string(prev),
				"to":   string(next),
			})
		}
	}
}

// classify maps a sample onto the health scale. Worker pools only drag the
// system down when at least one is registered and none is taking work.
func (m *Monitor) classify(failureRate, queueWait float64) model.SystemHealth {
	if m.directory != nil && m.directory.Size() > 0 && m.directory.OnlineCount() == 0 {
		return model.HealthDown
	}
	switch {
	case failureRate >= m.cfg.FailureRateCrit || queueWait >= m.cfg.QueueWaitCritSec:
		return model.HealthCritical
	case failureRate >= m.cfg.FailureRateWarn || queueWait >= m.cfg.QueueWaitWarnSec:
		return model.HealthWarning
	default:
		return model.HealthHealthy
	}
}
