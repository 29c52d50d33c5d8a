// Package task defines the run and task records mirrored from the orchestration
// server, and the lifecycle the client expects those tasks to follow.
package task

import (
	"strings"
	"time"
)

// Phase is the orchestration phase a task belongs to.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseBuild        Phase = "build"
	PhaseVerification Phase = "verification"
)

// Status is a task lifecycle status. Values outside the known set are kept
// as-is; the server is authoritative.
type Status string

const (
	StatusPlanned      Status = "planned"
	StatusReady        Status = "ready"
	StatusBlocked      Status = "blocked"
	StatusActive       Status = "active"
	StatusAwaitingQA   Status = "awaiting_qa"
	StatusFailedQA     Status = "failed_qa"
	StatusWaitingHuman Status = "waiting_human"
	StatusComplete     Status = "complete"
	StatusAbandoned    Status = "abandoned"
)

// pendingPrefix marks a synthetic optimistic status.
const pendingPrefix = "pending-"

// Action is a human resolution action for a task.
type Action string

const (
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionModify       Action = "modify"
	ActionRetry        Action = "retry"
	ActionEscalate     Action = "escalate"
	ActionProvideInput Action = "provide_input"
)

// Actions lists every resolution action in display order.
var Actions = []Action{
	ActionApprove,
	ActionReject,
	ActionModify,
	ActionRetry,
	ActionEscalate,
	ActionProvideInput,
}

// Valid reports whether a is a known resolution action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Task is one unit of work inside a run. Updates replace the whole value.
type Task struct {
	ID            string    `json:"id" yaml:"id"`
	Title         string    `json:"title,omitempty" yaml:"title,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	Phase         Phase     `json:"phase" yaml:"phase"`
	Status        Status    `json:"status" yaml:"status"`
	Priority      int       `json:"priority" yaml:"priority"`
	DependsOn     []string  `json:"depends_on" yaml:"depends_on"`
	NeedsHuman    bool      `json:"needs_human" yaml:"needs_human"`
	RetryCount    int       `json:"retry_count" yaml:"retry_count"`
	AssignedAgent string    `json:"assigned_agent,omitempty" yaml:"assigned_agent,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Clone returns a copy that shares no slices with t.
func (t Task) Clone() Task {
	c := t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return c
}

// DisplayName returns the title if set, otherwise the id.
func (t Task) DisplayName() string {
	if strings.TrimSpace(t.Title) != "" {
		return t.Title
	}
	return t.ID
}

// RunStatus is the coarse status of a whole run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunPaused   RunStatus = "paused"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run is one orchestration execution as reported by the query API.
type Run struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Status    RunStatus `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	TaskCount int       `json:"task_count" yaml:"task_count"`
	Tasks     []Task    `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}
