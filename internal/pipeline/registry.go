package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tkodaira/pipeflow/internal/lock"
	"github.com/tkodaira/pipeflow/internal/logutil"
	"github.com/tkodaira/pipeflow/internal/model"
	"github.com/tkodaira/pipeflow/internal/yamlio"
)

// RunInfo is the coarse, race-free view of a run the registry exposes while
// the machine may still be writing the run itself.
type RunInfo struct {
	ID        string    `json:"id" yaml:"id"`
	Template  string    `json:"template" yaml:"template"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Done      bool      `json:"done" yaml:"done"`
	Success   bool      `json:"success" yaml:"success"`
}

type runRecord struct {
	info    RunInfo
	summary *model.RunSummary
	err     error
}

// RunRegistry launches runs in the background and tracks their outcomes. Runs
// of the same template are serialized with a per-template mutex so two
// executions of one workflow never interleave their stages.
type RunRegistry struct {
	machine   *Machine
	library   *Library
	locks     *lock.MutexMap
	logger    *logutil.Logger
	exportDir string

	mu   sync.RWMutex
	runs map[string]*runRecord
	wg   sync.WaitGroup
}

func NewRunRegistry(machine *Machine, library *Library, logger *logutil.Logger) *RunRegistry {
	if logger == nil {
		logger = logutil.Discard()
	}
	return &RunRegistry{
		machine: machine,
		library: library,
		locks:   lock.NewMutexMap(),
		logger:  logger.WithComponent("runs"),
		runs:    make(map[string]*runRecord),
	}
}

// SetExportDir makes the registry write each finished run's summary to
// <dir>/<run_id>.yaml. Optional.
func (r *RunRegistry) SetExportDir(dir string) { r.exportDir = dir }

// StartRun prepares a run for the named template and executes it in the
// background. The returned id is immediately queryable.
func (r *RunRegistry) StartRun(ctx context.Context, templateName string, params map[string]any) (string, error) {
	tpl, ok := r.library.Get(templateName)
	if !ok {
		return "", fmt.Errorf("unknown template %q", templateName)
	}
	run, err := r.machine.Prepare(tpl)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.runs[run.ID] = &runRecord{info: RunInfo{
		ID:        run.ID,
		Template:  tpl.Name,
		StartedAt: run.StartedAt,
	}}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.locks.Lock(tpl.Name)
		defer r.locks.Unlock(tpl.Name)

		summary, execErr := r.machine.Execute(ctx, run, tpl, params)

		r.mu.Lock()
		rec := r.runs[run.ID]
		rec.info.Done = true
		rec.summary = summary
		rec.err = execErr
		if summary != nil {
			rec.info.Success = summary.Success
		}
		r.mu.Unlock()

		if execErr != nil {
			r.logger.Errorf("run_error id=%s template=%s error=%v", run.ID, tpl.Name, execErr)
		}
		if r.exportDir != "" && summary != nil {
			path := filepath.Join(r.exportDir, run.ID+".yaml")
			if err := yamlio.AtomicWrite(path, summary); err != nil {
				r.logger.Errorf("summary_export id=%s error=%v", run.ID, err)
			}
		}
	}()
	return run.ID, nil
}

// Summary returns the finished run's summary. ErrRunNotFound covers unknown
// ids; a run still in flight returns done=false with a nil summary.
func (r *RunRegistry) Summary(id string) (*model.RunSummary, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", model.ErrRunNotFound, id)
	}
	return rec.summary, rec.info.Done, nil
}

// List returns run infos, most recent first.
func (r *RunRegistry) List() []RunInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunInfo, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Active counts runs still in flight.
func (r *RunRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.runs {
		if !rec.info.Done {
			n++
		}
	}
	return n
}

// Wait blocks until every launched run has finished.
func (r *RunRegistry) Wait() {
	r.wg.Wait()
}
