// Package health tracks worker pools and periodically classifies overall
// system health from scheduler and engine samples. The classification is the
// single admission signal the engine consults.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
)

// errorThreshold is the consecutive-error count at which a pool is marked
// errored and stops accepting work until a clean heartbeat arrives.
const errorThreshold = 3

// Directory is the registry of named worker pools. It implements the
// scheduler's pool-availability check and feeds pool state into health
// snapshots.
type Directory struct {
	mu         sync.RWMutex
	workers    map[string]*model.WorkerDescriptor
	clock      model.Clock
	staleAfter time.Duration
	logger     *logutil.Logger
}

func NewDirectory(clock model.Clock, staleAfter time.Duration, logger *logutil.Logger) *Directory {
	if clock == nil {
		clock = model.SystemClock()
	}
	if logger == nil {
		logger = logutil.Discard()
	}
	return &Directory{
		workers:    make(map[string]*model.WorkerDescriptor),
		clock:      clock,
		staleAfter: staleAfter,
		logger:     logger.WithComponent("workers"),
	}
}

// Register adds or replaces a pool. A zero MaxConcurrent means unbounded.
func (d *Directory) Register(desc model.WorkerDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("worker pool has no id")
	}
	if desc.Status == "" {
		desc.Status = model.WorkerOnline
	}
	desc.LastHeartbeat = d.clock.Now()

	d.mu.Lock()
	d.workers[desc.ID] = &desc
	d.mu.Unlock()

	d.logger.Infof("pool_registered id=%s max_concurrent=%d", desc.ID, desc.MaxConcurrent)
	return nil
}

// Heartbeat refreshes a pool's liveness and load. A clean heartbeat clears the
// errored state.
func (d *Directory) Heartbeat(id string, currentTasks int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[id]
	if !ok {
		return fmt.Errorf("unknown worker pool %q", id)
	}
	w.LastHeartbeat = d.clock.Now()
	w.CurrentTasks = currentTasks
	w.RecentErrors = 0
	switch {
	case w.MaxConcurrent > 0 && currentTasks >= w.MaxConcurrent:
		w.Status = model.WorkerBusy
	default:
		w.Status = model.WorkerOnline
	}
	return nil
}

// ReportError counts a failure against a pool. Crossing the threshold marks
// the pool errored until its next clean heartbeat.
func (d *Directory) ReportError(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[id]
	if !ok {
		return
	}
	w.RecentErrors++
	if w.RecentErrors >= errorThreshold && w.Status != model.WorkerErrored {
		w.Status = model.WorkerErrored
		d.logger.Warnf("pool_errored id=%s recent_errors=%d", id, w.RecentErrors)
	}
}

// SetStatus force-sets a pool's status, for operator intervention.
func (d *Directory) SetStatus(id string, status model.WorkerStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[id]
	if !ok {
		return fmt.Errorf("unknown worker pool %q", id)
	}
	w.Status = status
	return nil
}

// PoolAvailable reports whether the named pool can accept work right now. An
// unregistered pool is assumed available: the directory only constrains pools
// it knows about. A pool whose heartbeat has gone stale counts as offline.
func (d *Directory) PoolAvailable(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.workers[id]
	if !ok {
		return true
	}
	if d.staleAfter > 0 && d.clock.Now().Sub(w.LastHeartbeat) > d.staleAfter {
		return false
	}
	return w.Available()
}

// OnlineCount returns the number of pools currently able to take work.
func (d *Directory) OnlineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock.Now()
	n := 0
	for _, w := range d.workers {
		if d.staleAfter > 0 && now.Sub(w.LastHeartbeat) > d.staleAfter {
			continue
		}
		if w.Status == model.WorkerOnline || w.Status == model.WorkerBusy {
			n++
		}
	}
	return n
}

// Size returns the number of registered pools.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.workers)
}

// Loads snapshots per-pool status and load for a health snapshot.
func (d *Directory) Loads() map[string]model.WorkerLoad {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock.Now()
	out := make(map[string]model.WorkerLoad, len(d.workers))
	for id, w := range d.workers {
		status := w.Status
		if d.staleAfter > 0 && now.Sub(w.LastHeartbeat) > d.staleAfter {
			status = model.WorkerOffline
		}
		out[id] = model.WorkerLoad{Status: status, Load: w.CurrentTasks}
	}
	return out
}

// Descriptors returns a sorted copy of all pool descriptors.
func (d *Directory) Descriptors() []model.WorkerDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.WorkerDescriptor, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
