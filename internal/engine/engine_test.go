package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/sched"
	"github.com/tkodaira/pipeflow/internal/store"
)

func testConfig() model.EngineConfig {
	return model.EngineConfig{
		MaxConcurrent:      2,
		PollIntervalMs:     5,
		IdleMaxIntervalMs:  20,
		TaskTimeoutSec:     5,
		GracePeriodSec:     1,
		BreakerThreshold:   3,
		BreakerCooldownSec: 1,
	}
}

func startEngine(t *testing.T, reg *Registry, cfg model.EngineConfig, gate HealthGate) (*sched.Scheduler, context.CancelFunc) {
	t.Helper()
	s := sched.New(store.New(), nil, model.RetryDefaults{RetryDelayMs: 1}, nil)
	eng := New(s, reg, cfg, nil, nil)
	if gate != nil {
		eng.SetHealthGate(gate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel
}

func waitStatus(t *testing.T, s *sched.Scheduler, id string, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := s.StatusOf(id)
		return err == nil && status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	assert.Error(t, reg.Register("noop", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	assert.Error(t, reg.Register("", nil))

	_, ok := reg.Route("noop")
	assert.True(t, ok)
	_, ok = reg.Route("ghost")
	assert.False(t, ok)

	assert.NoError(t, reg.Validate("noop"))
	assert.ErrorIs(t, reg.Validate("noop", "ghost"), model.ErrUnroutableType)

	require.NoError(t, reg.Register("alpha", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	assert.Equal(t, []string{"alpha", "noop"}, reg.Types())
}

func TestEngineCompletesTask(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("work", func(_ context.Context, _ *model.Task) Outcome {
		out := Succeed("payload", 2.5)
		out.Quality = 0.9
		return out
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	task := &model.Task{Type: "work"}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusCompleted)

	got, ok := s.Lookup(task.ID)
	require.True(t, ok)
	assert.Equal(t, model.TaskResult{Payload: "payload", Quality: 0.9}, got.Result)
	assert.Equal(t, 2.5, got.ActualCost)
	assert.NotNil(t, got.CompletedAt)
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register("flaky", func(_ context.Context, _ *model.Task) Outcome {
		if attempts.Add(1) == 1 {
			return Failf("transient")
		}
		return Succeed(nil, 0)
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	task := &model.Task{Type: "flaky", MaxRetries: 2, RetryDelay: time.Millisecond}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusCompleted)

	got, _ := s.Lookup(task.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestEngineTerminalFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("broken", func(context.Context, *model.Task) Outcome {
		return Failf("unrecoverable")
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	task := &model.Task{Type: "broken"}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusFailed)

	got, _ := s.Lookup(task.ID)
	assert.Equal(t, "unrecoverable", got.ErrorMessage)
}

func TestEngineConcurrencyBudget(t *testing.T) {
	var mu sync.Mutex
	current, peak := 0, 0

	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", func(_ context.Context, _ *model.Task) Outcome {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return Succeed(nil, 0)
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	tasks := make([]*model.Task, 6)
	for i := range tasks {
		tasks[i] = &model.Task{Type: "slow"}
	}
	require.NoError(t, s.Submit(tasks...))
	for _, task := range tasks {
		waitStatus(t, s, task.ID, model.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestEngineSlotWeights(t *testing.T) {
	var mu sync.Mutex
	current, peak := 0, 0

	reg := NewRegistry()
	require.NoError(t, reg.Register("heavy", func(_ context.Context, _ *model.Task) Outcome {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return Succeed(nil, 0)
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	// Each task weighs the whole budget, so they must serialize.
	a := &model.Task{Type: "heavy", Slots: 2}
	b := &model.Task{Type: "heavy", Slots: 2}
	require.NoError(t, s.Submit(a, b))
	waitStatus(t, s, a.ID, model.StatusCompleted)
	waitStatus(t, s, b.ID, model.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

func TestEngineCancelsOversizedTask(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("huge", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	task := &model.Task{Type: "huge", Slots: 10}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusCancelled)

	got, _ := s.Lookup(task.ID)
	assert.Contains(t, got.ErrorMessage, "slot cost")
}

func TestEngineDeadlineTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("sleepy", func(ctx context.Context, _ *model.Task) Outcome {
		select {
		case <-ctx.Done():
			return Failf("interrupted")
		case <-time.After(2 * time.Second):
			return Succeed(nil, 0)
		}
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	deadline := time.Now().Add(50 * time.Millisecond)
	task := &model.Task{Type: "sleepy", Deadline: &deadline}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusFailed)

	got, _ := s.Lookup(task.ID)
	assert.Equal(t, "timeout", got.ErrorMessage)
}

type boolGate struct{ open atomic.Bool }

func (g *boolGate) Admitting() bool { return g.open.Load() }

func TestEngineHealthGatePausesAdmission(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("work", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))

	gate := &boolGate{}
	s, _ := startEngine(t, reg, testConfig(), gate)

	task := &model.Task{Type: "work"}
	require.NoError(t, s.Submit(task))

	time.Sleep(50 * time.Millisecond)
	status, err := s.StatusOf(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	gate.open.Store(true)
	waitStatus(t, s, task.ID, model.StatusCompleted)
}

func TestEngineUnroutableTaskFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("known", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	s, _ := startEngine(t, reg, testConfig(), nil)

	task := &model.Task{Type: "ghost"}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusFailed)

	got, _ := s.Lookup(task.ID)
	assert.Contains(t, got.ErrorMessage, "no handler")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("down", func(context.Context, *model.Task) Outcome {
		return Failf("backend unavailable")
	}))

	cfg := testConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldownSec = 60
	s, _ := startEngine(t, reg, cfg, nil)

	// Two terminal failures trip the breaker; the third fails fast without
	// reaching the handler.
	for i := 0; i < 2; i++ {
		task := &model.Task{Type: "down"}
		require.NoError(t, s.Submit(task))
		waitStatus(t, s, task.ID, model.StatusFailed)
	}

	task := &model.Task{Type: "down"}
	require.NoError(t, s.Submit(task))
	waitStatus(t, s, task.ID, model.StatusFailed)

	got, _ := s.Lookup(task.ID)
	assert.Contains(t, got.ErrorMessage, "circuit open")
}

func TestEngineStatsCounters(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("work", func(context.Context, *model.Task) Outcome {
		return Succeed(nil, 0)
	}))
	require.NoError(t, reg.Register("broken", func(context.Context, *model.Task) Outcome {
		return Failf("nope")
	}))

	s := sched.New(store.New(), nil, model.RetryDefaults{RetryDelayMs: 1}, nil)
	eng := New(s, reg, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	good := &model.Task{Type: "work"}
	bad := &model.Task{Type: "broken"}
	require.NoError(t, s.Submit(good, bad))
	waitStatus(t, s, good.ID, model.StatusCompleted)
	waitStatus(t, s, bad.ID, model.StatusFailed)

	require.Eventually(t, func() bool {
		stats := eng.Stats()
		return stats.Completed == 1 && stats.Failed == 1 && stats.Dispatched == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, eng.Stats().RunningSlots)
}
