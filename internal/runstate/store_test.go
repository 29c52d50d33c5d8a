package runstate

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/runwatch/internal/api"
	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/task"
	"github.com/theirongolddev/runwatch/internal/wire"
)

func tk(id string, status task.Status, deps ...string) task.Task {
	return task.Task{ID: id, Status: status, DependsOn: deps}
}

func taskEnv(run string, t task.Task) wire.Envelope {
	return wire.Envelope{Type: wire.EventTaskUpdate, RunID: run, Payload: wire.TaskUpdate{Task: t}, Timestamp: time.Now()}
}

func stateEnv(run string, status task.RunStatus, tasks ...task.Task) wire.Envelope {
	return wire.Envelope{Type: wire.EventStateUpdate, RunID: run, Payload: wire.StateUpdate{Status: status, Tasks: tasks}, Timestamp: time.Now()}
}

func ids(v View) []string {
	out := make([]string, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		out = append(out, t.ID)
	}
	return out
}

type changeLog struct {
	mu   sync.Mutex
	runs []string
}

func (c *changeLog) record(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, runID)
}

func (c *changeLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func TestStore_TaskUpdateReplacesOrAppends(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("a", task.StatusReady)))
	s.Apply(taskEnv("r1", tk("b", task.StatusPlanned, "a")))
	s.Apply(taskEnv("r1", tk("a", task.StatusActive)))

	v, _ := s.Snapshot("r1")
	if !reflect.DeepEqual(ids(v), []string{"a", "b"}) {
		t.Errorf("order = %v, want [a b]", ids(v))
	}
	a, _ := v.Task("a")
	if a.Status != task.StatusActive {
		t.Errorf("a status = %s", a.Status)
	}
	prev, ok := s.Previous("r1", "a")
	if !ok || prev.Status != task.StatusReady {
		t.Errorf("Previous(a) = %+v, %v", prev, ok)
	}
	if len(v.Layout.Nodes) != 2 || len(v.Layout.Edges) != 1 {
		t.Errorf("layout not recomputed: %+v", v.Layout)
	}
	if v.Revision != 3 {
		t.Errorf("Revision = %d, want 3", v.Revision)
	}
}

func TestStore_StateUpdateKeepsPositions(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Track("r1")
	s.Apply(stateEnv("r1", task.RunRunning, tk("a", task.StatusReady), tk("b", task.StatusReady), tk("c", task.StatusReady)))
	s.Apply(stateEnv("r1", task.RunPaused, tk("d", task.StatusReady), tk("c", task.StatusActive), tk("a", task.StatusReady)))

	v, _ := s.Snapshot("r1")
	if !reflect.DeepEqual(ids(v), []string{"a", "c", "d"}) {
		t.Errorf("order = %v, want [a c d]", ids(v))
	}
	if v.Status != task.RunPaused {
		t.Errorf("status = %s", v.Status)
	}
	if v.Layout.Has("b") {
		t.Error("removed task still in layout")
	}
}

func TestStore_IgnoresUntrackedRuns(t *testing.T) {
	t.Parallel()

	var changes changeLog
	s := NewStore(WithChangeListener(changes.record))
	s.Track("r1")
	if s.Apply(taskEnv("other", tk("a", task.StatusReady))) {
		t.Error("envelope for untracked run should be ignored")
	}
	if s.Apply(wire.Envelope{Type: wire.EventLogMessage, RunID: "r1", Payload: wire.LogMessage{Message: "x"}}) {
		t.Error("log messages do not change run state")
	}
	if changes.count() != 0 {
		t.Errorf("listener called %d times", changes.count())
	}
}

func TestStore_HumanNeededClearedWhenTaskMovesOn(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("a", task.StatusWaitingHuman)))
	s.Apply(wire.Envelope{Type: wire.EventHumanNeeded, RunID: "r1", Payload: wire.HumanNeeded{TaskID: "a", Reason: "ambiguous requirements"}})

	v, _ := s.Snapshot("r1")
	if v.Human["a"].Reason != "ambiguous requirements" {
		t.Fatalf("human = %+v", v.Human)
	}
	s.Apply(taskEnv("r1", tk("a", task.StatusComplete)))
	v, _ = s.Snapshot("r1")
	if _, ok := v.Human["a"]; ok {
		t.Error("human request should clear once the task leaves waiting_human")
	}
}

func TestStore_RunComplete(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Track("r1")
	s.Apply(wire.Envelope{Type: wire.EventRunComplete, RunID: "r1", Payload: wire.RunComplete{Status: task.RunComplete, Summary: "done"}})
	v, _ := s.Snapshot("r1")
	if !v.Complete || v.Status != task.RunComplete || v.Summary != "done" {
		t.Errorf("view = %+v", v)
	}
}

func TestStore_AttachToDispatcher(t *testing.T) {
	t.Parallel()

	var changes changeLog
	s := NewStore(WithChangeListener(changes.record))
	s.Track("r1")
	d := events.NewDispatcher(10)
	unsub := s.Attach(d)

	d.Dispatch(taskEnv("r1", tk("a", task.StatusReady)))
	unsub()
	d.Dispatch(taskEnv("r1", tk("b", task.StatusReady)))

	v, _ := s.Snapshot("r1")
	if !reflect.DeepEqual(ids(v), []string{"a"}) {
		t.Errorf("tasks = %v", ids(v))
	}
	if changes.count() != 1 {
		t.Errorf("changes = %d, want 1", changes.count())
	}
}

type fakeAPI struct {
	tasks     []task.Task
	listErr   error
	resolved  *task.Task
	err       error
	block     chan struct{}
	gotAction task.Action
}

func (f *fakeAPI) ListTasks(context.Context, string) ([]task.Task, error) {
	return f.tasks, f.listErr
}

func (f *fakeAPI) Resolve(_ context.Context, _, _ string, res api.Resolution) (*task.Task, error) {
	f.gotAction = res.Action
	if f.block != nil {
		<-f.block
	}
	return f.resolved, f.err
}

func TestStore_Resync(t *testing.T) {
	t.Parallel()

	src := &fakeAPI{tasks: []task.Task{tk("a", task.StatusReady), tk("b", task.StatusReady, "a")}}
	s := NewStore(WithTaskSource(src))
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("stale", task.StatusReady)))

	if err := s.Resync(context.Background(), "r1"); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	v, _ := s.Snapshot("r1")
	if !reflect.DeepEqual(ids(v), []string{"a", "b"}) {
		t.Errorf("tasks = %v", ids(v))
	}

	if err := s.Resync(context.Background(), "nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("untracked resync = %v", err)
	}
	src.listErr = api.NewAPIError("list_tasks", 503, api.ErrServerUnavailable)
	if err := s.Resync(context.Background(), "r1"); !api.IsServerUnavailable(err) {
		t.Errorf("error = %v", err)
	}
}

func TestStore_ResolveOptimisticThenAuthoritative(t *testing.T) {
	t.Parallel()

	done := tk("a", task.StatusComplete)
	fake := &fakeAPI{resolved: &done, block: make(chan struct{})}
	s := NewStore(WithResolver(fake))
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("a", task.StatusWaitingHuman)))

	result := make(chan error, 1)
	go func() {
		_, err := s.Resolve(context.Background(), "r1", "a", task.ActionApprove, "")
		result <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		v, _ := s.Snapshot("r1")
		if a, _ := v.Task("a"); a.Status == task.PendingStatus(task.ActionApprove) {
			n, _ := v.Layout.Node("a")
			if n.Task.Status != a.Status {
				t.Error("layout should carry the optimistic status")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("optimistic status never appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(fake.block)
	if err := <-result; err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	v, _ := s.Snapshot("r1")
	if a, _ := v.Task("a"); a.Status != task.StatusComplete {
		t.Errorf("status = %s, want complete", a.Status)
	}
	if fake.gotAction != task.ActionApprove {
		t.Errorf("action = %s", fake.gotAction)
	}
}

func TestStore_ResolveFailureRollsBack(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{err: api.NewAPIError("resolve", 409, api.ErrInvalidRequest)}
	s := NewStore(WithResolver(fake))
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("a", task.StatusWaitingHuman)))

	_, err := s.Resolve(context.Background(), "r1", "a", task.ActionReject, "no")
	if !api.IsInvalidRequest(err) {
		t.Fatalf("error = %v", err)
	}
	v, _ := s.Snapshot("r1")
	if a, _ := v.Task("a"); a.Status != task.StatusWaitingHuman {
		t.Errorf("status = %s, want rollback to waiting_human", a.Status)
	}
}

func TestStore_AuthoritativeUpdateWinsOverPending(t *testing.T) {
	t.Parallel()

	fake := &fakeAPI{err: errors.New("network"), block: make(chan struct{})}
	s := NewStore(WithResolver(fake))
	s.Track("r1")
	s.Apply(taskEnv("r1", tk("a", task.StatusWaitingHuman)))

	result := make(chan error, 1)
	go func() {
		_, err := s.Resolve(context.Background(), "r1", "a", task.ActionRetry, "")
		result <- err
	}()
	for {
		v, _ := s.Snapshot("r1")
		if a, _ := v.Task("a"); a.Status.IsPending() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.Apply(taskEnv("r1", tk("a", task.StatusActive)))
	v, _ := s.Snapshot("r1")
	if a, _ := v.Task("a"); a.Status != task.StatusActive {
		t.Fatalf("status = %s, authoritative update should replace pending", a.Status)
	}

	close(fake.block)
	<-result
	v, _ = s.Snapshot("r1")
	if a, _ := v.Task("a"); a.Status != task.StatusActive {
		t.Errorf("status after failed resolve = %s, want active", a.Status)
	}
}

func TestStore_ResolveResponseDoesNotOverwriteNewerUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		inFlight *task.Task
		want     task.Status
	}{
		{"no update in flight", nil, task.StatusActive},
		{"newer update in flight", &task.Task{ID: "a", Status: task.StatusAwaitingQA}, task.StatusAwaitingQA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolved := tk("a", task.StatusActive)
			fake := &fakeAPI{resolved: &resolved, block: make(chan struct{})}
			s := NewStore(WithResolver(fake))
			s.Track("r1")
			s.Apply(taskEnv("r1", tk("a", task.StatusWaitingHuman)))

			result := make(chan error, 1)
			go func() {
				_, err := s.Resolve(context.Background(), "r1", "a", task.ActionRetry, "")
				result <- err
			}()
			for {
				v, _ := s.Snapshot("r1")
				if a, _ := v.Task("a"); a.Status.IsPending() {
					break
				}
				time.Sleep(time.Millisecond)
			}
			if tt.inFlight != nil {
				s.Apply(taskEnv("r1", *tt.inFlight))
			}

			close(fake.block)
			if err := <-result; err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			v, _ := s.Snapshot("r1")
			if a, _ := v.Task("a"); a.Status != tt.want {
				t.Errorf("status = %s, want %s", a.Status, tt.want)
			}
		})
	}
}

func TestStore_ApplyDoesNotAliasEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  func(task.Task) wire.Envelope
	}{
		{"task_update", func(tsk task.Task) wire.Envelope { return taskEnv("r1", tsk) }},
		{"state_update", func(tsk task.Task) wire.Envelope { return stateEnv("r1", task.RunRunning, tk("a", task.StatusReady), tsk) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewStore()
			s.Track("r1")
			env := tt.env(tk("b", task.StatusReady, "a"))
			s.Apply(env)

			// another subscriber holding the same envelope edits it
			switch p := env.Payload.(type) {
			case wire.TaskUpdate:
				p.Task.DependsOn[0] = "mutated"
			case wire.StateUpdate:
				p.Tasks[1].DependsOn[0] = "mutated"
			}

			v, _ := s.Snapshot("r1")
			if b, _ := v.Task("b"); !reflect.DeepEqual(b.DependsOn, []string{"a"}) {
				t.Errorf("DependsOn = %v, want [a]", b.DependsOn)
			}
		})
	}
}

func TestStore_ResolveValidation(t *testing.T) {
	t.Parallel()

	s := NewStore(WithResolver(&fakeAPI{}))
	s.Track("r1")
	if _, err := s.Resolve(context.Background(), "r1", "missing", task.ActionApprove, ""); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("missing task = %v", err)
	}
	if _, err := s.Resolve(context.Background(), "zz", "a", task.ActionApprove, ""); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("untracked run = %v", err)
	}
	if _, err := NewStore().Resolve(context.Background(), "r1", "a", task.ActionApprove, ""); !errors.Is(err, ErrNoSource) {
		t.Errorf("no resolver = %v", err)
	}
}

func TestStore_Track(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if !s.Track("a") || s.Track("a") || s.Track("") {
		t.Error("Track should report only new non-empty ids")
	}
	s.Track("b")
	if !reflect.DeepEqual(s.Tracked(), []string{"a", "b"}) {
		t.Errorf("Tracked = %v", s.Tracked())
	}
	if _, ok := s.Snapshot("c"); ok {
		t.Error("untracked run has a snapshot")
	}
}
