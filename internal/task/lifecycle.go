package task

import (
	"fmt"
	"strings"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPlanned: {
		StatusReady: {},
	},
	StatusReady: {
		StatusBlocked: {},
		StatusActive:  {},
	},
	StatusBlocked: {
		StatusReady: {},
	},
	StatusActive: {
		StatusAwaitingQA:   {},
		StatusWaitingHuman: {},
	},
	StatusAwaitingQA: {
		StatusComplete:     {},
		StatusFailedQA:     {},
		StatusWaitingHuman: {},
	},
	StatusFailedQA: {
		StatusActive:       {},
		StatusWaitingHuman: {},
	},
	StatusWaitingHuman: {
		StatusComplete:  {},
		StatusAbandoned: {},
	},
	StatusComplete:  {},
	StatusAbandoned: {},
}

// Known reports whether s is one of the lifecycle statuses (pending
// sub-states are not).
func (s Status) Known() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are expected from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusAbandoned
}

// IsPending reports whether s is an optimistic pending-<action> sub-state.
func (s Status) IsPending() bool {
	return strings.HasPrefix(string(s), pendingPrefix)
}

// PendingAction returns the action carried by a pending sub-state.
func (s Status) PendingAction() (Action, bool) {
	if !s.IsPending() {
		return "", false
	}
	return Action(strings.TrimPrefix(string(s), pendingPrefix)), true
}

// PendingStatus returns the synthetic status shown while a resolution for
// action is in flight.
func PendingStatus(action Action) Status {
	return Status(pendingPrefix + string(action))
}

// ValidateStatus returns an error for statuses outside the lifecycle.
func ValidateStatus(s Status) error {
	if !s.Known() {
		return fmt.Errorf("invalid task status: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is an expected lifecycle
// step. Staying in the same status is always accepted. The client never
// rejects authoritative updates; callers use this only to flag surprises.
func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("unexpected task transition: %s -> %s", from, to)
	}
	return nil
}
