// Package actions executes the safe admin operations on tasks: cancel, retry
// and requeue. Every action re-checks the task's live status inside the same
// transaction that applies the mutation and writes the audit row, so a racing
// worker or a double-clicked button cannot double-apply an action.
package actions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loopboard/agentd/internal/persistence"
)

// Action is the closed set of admin operations.
type Action string

const (
	ActionCancel  Action = "cancel"
	ActionRetry   Action = "retry"
	ActionRequeue Action = "requeue"
)

// ParseAction validates an action name from the wire.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionCancel:
		return ActionCancel, nil
	case ActionRetry:
		return ActionRetry, nil
	case ActionRequeue:
		return ActionRequeue, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// requiredStates maps each action to the statuses it may be applied from.
// Canceled is terminal: nothing, retry included, applies to it.
var requiredStates = map[Action][]persistence.Status{
	ActionCancel:  {persistence.StatusQueued, persistence.StatusRunning},
	ActionRetry:   {persistence.StatusFailed},
	ActionRequeue: {persistence.StatusRunning},
}

// Allowed reports whether the action may be applied to a task in the given
// status.
func (a Action) Allowed(status persistence.Status) bool {
	for _, s := range requiredStates[a] {
		if s == status {
			return true
		}
	}
	return false
}

// InvalidStateError reports an action applied to a task in the wrong state.
type InvalidStateError struct {
	Action   Action
	Current  persistence.Status
	Required []persistence.Status
}

func (e *InvalidStateError) Error() string {
	names := make([]string, len(e.Required))
	for i, s := range e.Required {
		names[i] = string(s)
	}
	return fmt.Sprintf("cannot %s task in status %q (requires %s)",
		e.Action, e.Current, strings.Join(names, " or "))
}

// ErrReasonRequired is returned when the operator reason is missing or too
// short to be meaningful.
var ErrReasonRequired = errors.New("a reason of at least 3 characters is required")
