package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/sched"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSched struct{ counts sched.Counters }

func (f *fakeSched) Counts() sched.Counters { return f.counts }

type fakeEngine struct {
	mu    sync.Mutex
	stats engine.Stats
}

func (f *fakeEngine) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeEngine) set(stats engine.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

func testHealthConfig() model.HealthConfig {
	return model.HealthConfig{
		SampleIntervalSec: 1,
		QueueWaitWarnSec:  30,
		QueueWaitCritSec:  120,
		FailureRateWarn:   0.2,
		FailureRateCrit:   0.5,
		HeartbeatStaleSec: 60,
	}
}

func TestDirectoryAvailability(t *testing.T) {
	clock := newFakeClock()
	d := NewDirectory(clock, time.Minute, nil)

	require.NoError(t, d.Register(model.WorkerDescriptor{ID: "gpu", MaxConcurrent: 2}))
	assert.Error(t, d.Register(model.WorkerDescriptor{}))

	// Unregistered pools are unconstrained.
	assert.True(t, d.PoolAvailable("unknown"))
	assert.True(t, d.PoolAvailable("gpu"))

	require.NoError(t, d.Heartbeat("gpu", 2))
	assert.False(t, d.PoolAvailable("gpu"))
	require.NoError(t, d.Heartbeat("gpu", 1))
	assert.True(t, d.PoolAvailable("gpu"))

	assert.Error(t, d.Heartbeat("missing", 0))
}

func TestDirectoryErrorThreshold(t *testing.T) {
	clock := newFakeClock()
	d := NewDirectory(clock, time.Minute, nil)
	require.NoError(t, d.Register(model.WorkerDescriptor{ID: "gpu"}))

	d.ReportError("gpu")
	d.ReportError("gpu")
	assert.True(t, d.PoolAvailable("gpu"))
	d.ReportError("gpu")
	assert.False(t, d.PoolAvailable("gpu"))

	// A clean heartbeat recovers the pool.
	require.NoError(t, d.Heartbeat("gpu", 0))
	assert.True(t, d.PoolAvailable("gpu"))
}

func TestDirectoryStaleHeartbeat(t *testing.T) {
	clock := newFakeClock()
	d := NewDirectory(clock, time.Minute, nil)
	require.NoError(t, d.Register(model.WorkerDescriptor{ID: "gpu"}))

	assert.Equal(t, 1, d.OnlineCount())
	clock.Advance(2 * time.Minute)
	assert.False(t, d.PoolAvailable("gpu"))
	assert.Equal(t, 0, d.OnlineCount())
	assert.Equal(t, model.WorkerOffline, d.Loads()["gpu"].Status)
}

func TestMonitorClassification(t *testing.T) {
	clock := newFakeClock()
	dir := NewDirectory(clock, time.Minute, nil)
	eng := &fakeEngine{}
	m := NewMonitor(testHealthConfig(), clock, dir, &fakeSched{}, eng, nil)

	m.sample()
	assert.Equal(t, model.HealthHealthy, m.Current())
	assert.True(t, m.Admitting())

	// Warning-level failure rate still admits.
	eng.set(engine.Stats{Completed: 7, Failed: 3})
	m.sample()
	assert.Equal(t, model.HealthWarning, m.Current())
	assert.True(t, m.Admitting())

	// Critical queue wait pauses admission.
	eng.set(engine.Stats{Completed: 7, Failed: 3, QueueWaitSeconds: 300})
	m.sample()
	assert.Equal(t, model.HealthCritical, m.Current())
	assert.False(t, m.Admitting())

	// Recovery: a clean window goes back to healthy.
	eng.set(engine.Stats{Completed: 17, Failed: 3})
	m.sample()
	assert.Equal(t, model.HealthHealthy, m.Current())
}

func TestMonitorFailureRateIsWindowed(t *testing.T) {
	clock := newFakeClock()
	dir := NewDirectory(clock, time.Minute, nil)
	eng := &fakeEngine{}
	m := NewMonitor(testHealthConfig(), clock, dir, &fakeSched{}, eng, nil)

	eng.set(engine.Stats{Completed: 100, Failed: 100})
	m.sample()
	assert.Equal(t, model.HealthCritical, m.Current())

	// No new failures in the next window despite the cumulative half rate.
	eng.set(engine.Stats{Completed: 110, Failed: 100})
	m.sample()
	assert.Equal(t, model.HealthHealthy, m.Current())
}

func TestMonitorDownWhenAllPoolsOffline(t *testing.T) {
	clock := newFakeClock()
	dir := NewDirectory(clock, time.Minute, nil)
	require.NoError(t, dir.Register(model.WorkerDescriptor{ID: "gpu"}))
	m := NewMonitor(testHealthConfig(), clock, dir, &fakeSched{}, &fakeEngine{}, nil)

	m.sample()
	assert.Equal(t, model.HealthHealthy, m.Current())

	require.NoError(t, dir.SetStatus("gpu", model.WorkerOffline))
	m.sample()
	assert.Equal(t, model.HealthDown, m.Current())
	assert.False(t, m.Admitting())
}

func TestMonitorSnapshot(t *testing.T) {
	clock := newFakeClock()
	dir := NewDirectory(clock, time.Minute, nil)
	sc := &fakeSched{counts: sched.Counters{Pending: 3, Scheduled: 1, Running: 2, Failed: 4}}
	eng := &fakeEngine{}
	eng.set(engine.Stats{QueueWaitSeconds: 1.5, Overdue: 2})
	m := NewMonitor(testHealthConfig(), clock, dir, sc, eng, nil)

	snap := m.Snapshot()
	assert.Equal(t, model.HealthHealthy, snap.Health)
	assert.Equal(t, 4, snap.Pending)
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, 4, snap.Failed)
	assert.Equal(t, 1.5, snap.QueueWaitSeconds)
	assert.Equal(t, 2, snap.OverdueTasks)
	assert.Equal(t, clock.Now(), snap.SampledAt)
}

func TestCostTrackerWindows(t *testing.T) {
	c := newCostTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Record(now.Add(-30*time.Hour), 100) // beyond the daily window
	c.Record(now.Add(-5*time.Hour), 10)
	c.Record(now.Add(-30*time.Minute), 3)
	c.Record(now.Add(-time.Minute), 2)

	totals := c.Totals(now)
	assert.Equal(t, 5.0, totals.Hourly)
	assert.Equal(t, 15.0, totals.Daily)
}
