// Package runstate holds the client-side mirror of each watched run: its
// tasks in arrival order, optimistic resolution overlays and the current
// graph layout.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/theirongolddev/runwatch/internal/api"
	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/graph"
	"github.com/theirongolddev/runwatch/internal/task"
	"github.com/theirongolddev/runwatch/internal/wire"
)

var (
	// ErrUnknownRun is returned for runs the store does not track.
	ErrUnknownRun = errors.New("run is not tracked")

	// ErrUnknownTask is returned for task ids absent from a tracked run.
	ErrUnknownTask = errors.New("task not found in run")

	// ErrNoSource is returned by Resync and Resolve when no API is configured.
	ErrNoSource = errors.New("no api configured")
)

// TaskSource fetches the authoritative task list of a run.
type TaskSource interface {
	ListTasks(ctx context.Context, runID string) ([]task.Task, error)
}

// Resolver submits a human resolution and returns the resulting task.
type Resolver interface {
	Resolve(ctx context.Context, runID, taskID string, res api.Resolution) (*task.Task, error)
}

// View is a read-only snapshot of one run.
type View struct {
	RunID     string
	Status    task.RunStatus
	Tasks     []task.Task // effective tasks, optimistic overlay applied
	Layout    graph.Layout
	Human     map[string]wire.HumanNeeded
	Summary   string
	Complete  bool
	Revision  int
	UpdatedAt time.Time
}

// Task returns the effective task with id.
func (v View) Task(id string) (task.Task, bool) {
	for _, t := range v.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return task.Task{}, false
}

type runState struct {
	status   task.RunStatus
	order    []string
	auth     map[string]task.Task
	prev     map[string]task.Task
	pending  map[string]task.Action
	human    map[string]wire.HumanNeeded
	summary  string
	complete bool
	layout   graph.Layout
	revision int
	updated  time.Time
}

func newRunState() *runState {
	return &runState{
		auth:    make(map[string]task.Task),
		prev:    make(map[string]task.Task),
		pending: make(map[string]task.Action),
		human:   make(map[string]wire.HumanNeeded),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLayoutOptions sets the graph footprint and direction.
func WithLayoutOptions(o graph.Options) Option {
	return func(s *Store) { s.layoutOpts = o }
}

// WithTaskSource sets the API used by Resync.
func WithTaskSource(src TaskSource) Option {
	return func(s *Store) { s.source = src }
}

// WithResolver sets the API used by Resolve.
func WithResolver(r Resolver) Option {
	return func(s *Store) { s.resolver = r }
}

// WithChangeListener adds a callback invoked with the run id after every
// change. Listeners run outside the store lock.
func WithChangeListener(fn func(runID string)) Option {
	return func(s *Store) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// Store mirrors the runs it tracks. Envelopes for other runs are ignored.
type Store struct {
	mu         sync.RWMutex
	runs       map[string]*runState
	tracked    []string
	layoutOpts graph.Options
	source     TaskSource
	resolver   Resolver
	listeners  []func(string)
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		runs:       make(map[string]*runState),
		layoutOpts: graph.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track starts mirroring runID and reports whether it was new.
func (s *Store) Track(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok || runID == "" {
		return false
	}
	rs := newRunState()
	rs.layout = graph.Compute(nil, s.layoutOpts)
	s.runs[runID] = rs
	s.tracked = append(s.tracked, runID)
	return true
}

// Tracked returns the tracked run ids in the order they were added.
func (s *Store) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tracked...)
}

// Attach subscribes the store to the run-scoped envelope types.
func (s *Store) Attach(d *events.Dispatcher) events.UnsubscribeFunc {
	unsubs := []events.UnsubscribeFunc{
		d.Subscribe(wire.EventStateUpdate, s.handle),
		d.Subscribe(wire.EventTaskUpdate, s.handle),
		d.Subscribe(wire.EventHumanNeeded, s.handle),
		d.Subscribe(wire.EventRunComplete, s.handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Store) handle(env wire.Envelope) {
	s.Apply(env)
}

// Apply folds one envelope into the mirror and reports whether anything
// changed.
func (s *Store) Apply(env wire.Envelope) bool {
	s.mu.Lock()
	rs, ok := s.runs[env.RunID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	changed := true
	relayout := false
	switch p := env.Payload.(type) {
	case wire.TaskUpdate:
		s.putTaskLocked(env.RunID, rs, p.Task)
		relayout = true
	case wire.StateUpdate:
		if p.Status != "" {
			rs.status = p.Status
		}
		s.replaceTasksLocked(env.RunID, rs, p.Tasks)
		relayout = true
	case wire.HumanNeeded:
		rs.human[p.TaskID] = p
	case wire.RunComplete:
		rs.status = p.Status
		rs.summary = p.Summary
		rs.complete = true
	default:
		changed = false
	}
	if changed {
		s.bumpLocked(rs, relayout)
	}
	s.mu.Unlock()

	if changed {
		s.notify(env.RunID)
	}
	return changed
}

// ReplaceTasks installs an authoritative full task list for runID.
func (s *Store) ReplaceTasks(runID string, tasks []task.Task) error {
	s.mu.Lock()
	rs, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	s.replaceTasksLocked(runID, rs, tasks)
	s.bumpLocked(rs, true)
	s.mu.Unlock()

	s.notify(runID)
	return nil
}

// Resync reloads runID from the task source, covering any envelopes missed
// while disconnected.
func (s *Store) Resync(ctx context.Context, runID string) error {
	if s.source == nil {
		return ErrNoSource
	}
	if !s.isTracked(runID) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	tasks, err := s.source.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("resyncing %s: %w", runID, err)
	}
	return s.ReplaceTasks(runID, tasks)
}

// Resolve marks taskID as pending-<action>, submits the resolution and
// applies the server's answer. On failure the optimistic state is dropped
// and the error returned.
func (s *Store) Resolve(ctx context.Context, runID, taskID string, action task.Action, feedback string) (task.Task, error) {
	if s.resolver == nil {
		return task.Task{}, ErrNoSource
	}
	if !action.Valid() {
		return task.Task{}, fmt.Errorf("unknown action %q", action)
	}

	s.mu.Lock()
	rs, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	submitted, ok := rs.auth[taskID]
	if !ok {
		s.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	rs.pending[taskID] = action
	s.bumpLocked(rs, true)
	s.mu.Unlock()
	s.notify(runID)

	got, err := s.resolver.Resolve(ctx, runID, taskID, api.Resolution{Action: action, Feedback: feedback})
	if err != nil {
		s.mu.Lock()
		if rs, ok := s.runs[runID]; ok {
			if _, still := rs.pending[taskID]; still {
				delete(rs.pending, taskID)
				s.bumpLocked(rs, true)
			}
		}
		s.mu.Unlock()
		s.notify(runID)
		log.Printf("[runstate] resolve %s/%s (%s) failed: %v", runID, taskID, action, err)
		return task.Task{}, err
	}

	s.mu.Lock()
	applied := false
	if rs, ok := s.runs[runID]; ok {
		// an update that arrived while the call was in flight is newer than
		// the response
		if cur, ok := rs.auth[taskID]; ok && reflect.DeepEqual(cur, submitted) {
			s.putTaskLocked(runID, rs, *got)
			s.bumpLocked(rs, true)
			applied = true
		}
	}
	s.mu.Unlock()
	if applied {
		s.notify(runID)
	} else {
		log.Printf("[runstate] resolve %s/%s (%s): task changed in flight, keeping newer state", runID, taskID, action)
	}
	return got.Clone(), nil
}

// Snapshot returns the current view of runID.
func (s *Store) Snapshot(runID string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	if !ok {
		return View{}, false
	}
	human := make(map[string]wire.HumanNeeded, len(rs.human))
	for k, v := range rs.human {
		human[k] = v
	}
	return View{
		RunID:     runID,
		Status:    rs.status,
		Tasks:     effectiveTasks(rs),
		Layout:    rs.layout,
		Human:     human,
		Summary:   rs.summary,
		Complete:  rs.complete,
		Revision:  rs.revision,
		UpdatedAt: rs.updated,
	}, true
}

// Previous returns the authoritative revision of a task before its latest
// update.
func (s *Store) Previous(runID, taskID string) (task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	if !ok {
		return task.Task{}, false
	}
	t, ok := rs.prev[taskID]
	return t.Clone(), ok
}

func (s *Store) isTracked(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// putTaskLocked replaces one task by id, appending unseen ids. Any optimistic
// state for the task is discarded.
func (s *Store) putTaskLocked(runID string, rs *runState, t task.Task) {
	t = t.Clone()
	if old, ok := rs.auth[t.ID]; ok {
		if old.Status != t.Status {
			if err := task.ValidateTransition(old.Status, t.Status); err != nil {
				log.Printf("[runstate] %s/%s: %v", runID, t.ID, err)
			}
		}
		if !reflect.DeepEqual(old, t) {
			rs.prev[t.ID] = old
		}
	} else {
		rs.order = append(rs.order, t.ID)
	}
	rs.auth[t.ID] = t
	delete(rs.pending, t.ID)
	if t.Status != task.StatusWaitingHuman {
		delete(rs.human, t.ID)
	}
}

// replaceTasksLocked installs a full list: known ids keep their position,
// new ids are appended and absent ids removed.
func (s *Store) replaceTasksLocked(runID string, rs *runState, tasks []task.Task) {
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.ID] = true
	}
	kept := rs.order[:0]
	for _, id := range rs.order {
		if present[id] {
			kept = append(kept, id)
			continue
		}
		delete(rs.auth, id)
		delete(rs.prev, id)
		delete(rs.pending, id)
		delete(rs.human, id)
	}
	rs.order = kept
	for _, t := range tasks {
		s.putTaskLocked(runID, rs, t)
	}
}

func (s *Store) bumpLocked(rs *runState, relayout bool) {
	rs.revision++
	rs.updated = time.Now()
	if relayout {
		rs.layout = graph.Compute(effectiveTasks(rs), s.layoutOpts)
	}
}

func effectiveTasks(rs *runState) []task.Task {
	out := make([]task.Task, 0, len(rs.order))
	for _, id := range rs.order {
		t := rs.auth[id].Clone()
		if action, ok := rs.pending[id]; ok {
			t.Status = task.PendingStatus(action)
		}
		out = append(out, t)
	}
	return out
}

func (s *Store) notify(runID string) {
	for _, fn := range s.listeners {
		fn(runID)
	}
}
