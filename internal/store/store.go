// Package store holds the in-memory task collections, partitioned by
// lifecycle state. It is not safe for concurrent use: the scheduler is its
// single owner and serializes access (one writer by construction).
package store

import (
	"fmt"

	"github.com/tkodaira/pipeflow/internal/model"
)

// PendingEntry pairs a queued task with its submission sequence number, the
// FIFO tiebreak for ready-task ordering.
type PendingEntry struct {
	Task *model.Task
	Seq  uint64
}

// TaskStore partitions tasks into pending, scheduled, running and terminal
// sets, and indexes reverse dependencies for cascade cancellation.
type TaskStore struct {
	nextSeq uint64
	seqs    map[string]uint64

	pending   map[string]*model.Task
	scheduled map[string]*model.Task
	running   map[string]*model.Task
	completed map[string]*model.Task
	failed    map[string]*model.Task
	cancelled map[string]*model.Task

	dependents map[string][]string
}

func New() *TaskStore {
	return &TaskStore{
		seqs:       make(map[string]uint64),
		pending:    make(map[string]*model.Task),
		scheduled:  make(map[string]*model.Task),
		running:    make(map[string]*model.Task),
		completed:  make(map[string]*model.Task),
		failed:     make(map[string]*model.Task),
		cancelled:  make(map[string]*model.Task),
		dependents: make(map[string][]string),
	}
}

// Add inserts a new task into the pending set and assigns its FIFO sequence.
func (s *TaskStore) Add(t *model.Task) error {
	if s.Has(t.ID) {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	t.Status = model.StatusPending
	s.nextSeq++
	s.seqs[t.ID] = s.nextSeq
	s.pending[t.ID] = t
	for _, dep := range t.DependsOn {
		s.dependents[dep.TaskID] = append(s.dependents[dep.TaskID], t.ID)
	}
	return nil
}

// Has reports whether any set contains the id.
func (s *TaskStore) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Get finds a task in whichever set currently holds it.
func (s *TaskStore) Get(id string) (*model.Task, bool) {
	for _, set := range []map[string]*model.Task{
		s.pending, s.scheduled, s.running, s.completed, s.failed, s.cancelled,
	} {
		if t, ok := set[id]; ok {
			return t, true
		}
	}
	return nil, false
}

// PendingEntries returns the pending set with sequence numbers. Order is
// unspecified; the scheduler sorts.
func (s *TaskStore) PendingEntries() []PendingEntry {
	entries := make([]PendingEntry, 0, len(s.pending))
	for id, t := range s.pending {
		entries = append(entries, PendingEntry{Task: t, Seq: s.seqs[id]})
	}
	return entries
}

// Seq returns the submission sequence of a known task.
func (s *TaskStore) Seq(id string) uint64 {
	return s.seqs[id]
}

// TerminalStatus returns the status of a task that has reached a terminal
// set, or false if the task is absent or still live. This is the single
// authority the readiness check consults for dependency satisfaction.
func (s *TaskStore) TerminalStatus(id string) (model.Status, bool) {
	if t, ok := s.completed[id]; ok {
		return t.Status, true
	}
	if t, ok := s.failed[id]; ok {
		return t.Status, true
	}
	if t, ok := s.cancelled[id]; ok {
		return t.Status, true
	}
	return "", false
}

// Dependents returns the ids of tasks that declared a dependency on id.
func (s *TaskStore) Dependents(id string) []string {
	return s.dependents[id]
}

func (s *TaskStore) move(id string, to model.Status) (*model.Task, error) {
	t, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownTask, id)
	}
	if model.IsTerminal(t.Status) {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrAlreadyFinalized, id, t.Status)
	}
	if err := model.ValidateTaskTransition(t.Status, to); err != nil {
		return nil, err
	}
	delete(s.setFor(t.Status), id)
	t.Status = to
	s.setFor(to)[id] = t
	return t, nil
}

func (s *TaskStore) setFor(st model.Status) map[string]*model.Task {
	switch st {
	case model.StatusPending, model.StatusRetrying:
		return s.pending
	case model.StatusScheduled:
		return s.scheduled
	case model.StatusRunning:
		return s.running
	case model.StatusCompleted:
		return s.completed
	case model.StatusFailed:
		return s.failed
	default:
		return s.cancelled
	}
}

// MarkScheduled moves a pending task into the scheduled set (taken by
// ReadyTasks, awaiting dispatch).
func (s *TaskStore) MarkScheduled(id string) (*model.Task, error) {
	return s.move(id, model.StatusScheduled)
}

// MarkRunning moves a scheduled task into the running set.
func (s *TaskStore) MarkRunning(id string) (*model.Task, error) {
	return s.move(id, model.StatusRunning)
}

// MarkCompleted moves a task into the completed terminal set.
func (s *TaskStore) MarkCompleted(id string) (*model.Task, error) {
	return s.move(id, model.StatusCompleted)
}

// MarkFailed moves a task into the failed terminal set.
func (s *TaskStore) MarkFailed(id string) (*model.Task, error) {
	return s.move(id, model.StatusFailed)
}

// MarkCancelled moves a live task into the cancelled terminal set.
func (s *TaskStore) MarkCancelled(id string) (*model.Task, error) {
	return s.move(id, model.StatusCancelled)
}

// Requeue returns a scheduled task to the pending set, or re-inserts a
// retrying task. The original sequence number is preserved so FIFO ordering
// stays stable across retries and give-backs.
func (s *TaskStore) Requeue(id string) (*model.Task, error) {
	t, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownTask, id)
	}
	if t.Status == model.StatusRunning {
		// retry path: running → retrying → pending
		if _, err := s.move(id, model.StatusRetrying); err != nil {
			return nil, err
		}
	}
	return s.move(id, model.StatusPending)
}

// Counts returns the size of each live and terminal set.
func (s *TaskStore) Counts() (pending, scheduled, running, completed, failed, cancelled int) {
	return len(s.pending), len(s.scheduled), len(s.running),
		len(s.completed), len(s.failed), len(s.cancelled)
}
