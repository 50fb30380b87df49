// Package taskstate implements the task state machine: the canonical
// transitions a Task record may undergo, and the atomic audit-entry write
// that accompanies every one of them.
package taskstate

import (
	"fmt"

	"github.com/steroids-run/steroids/internal/store"
)

// Event names the caller's intent; Apply maps (current status, event) to
// the next status or rejects the transition.
type Event string

const (
	EventCoderStart      Event = "coder_start"
	EventCoderSubmit     Event = "coder_submit"
	EventCoderSkip       Event = "coder_skip"
	EventReviewerApprove Event = "reviewer_approve"
	EventReviewerReject  Event = "reviewer_reject"
	EventReviewerDispute Event = "reviewer_dispute"
	EventReviewerSkip    Event = "reviewer_skip"
	EventOperatorForce   Event = "operator_force"
)

// TerminalStatuses are statuses a task never leaves on its own.
var TerminalStatuses = map[string]bool{
	store.TaskStatusCompleted: true,
	store.TaskStatusSkipped:   true,
	store.TaskStatusFailed:    true,
	store.TaskStatusDisputed:  true,
}

// TransitionError reports an event that is not valid from the given status.
type TransitionError struct {
	From  string
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("taskstate: %s is not valid from status %s", e.Event, e.From)
}

// Result is the outcome of Apply: the task's next status, and whether the
// event counts as a rejection (so the caller knows to also write a
// RejectionEntry).
type Result struct {
	NextStatus  string
	IsRejection bool
}

// Apply computes the next status for a pure (current, event) pair. It does
// not touch storage — rejectionCount bookkeeping and the cap-to-dispute
// rule are handled by Machine.Transition, which has the current count.
//
// operatorTarget is only consulted for EventOperatorForce and must be one of
// pending, failed, skipped.
func Apply(current string, event Event, operatorTarget string) (Result, error) {
	switch event {
	case EventOperatorForce:
		switch operatorTarget {
		case store.TaskStatusPending, store.TaskStatusFailed, store.TaskStatusSkipped:
			if TerminalStatuses[current] {
				return Result{}, &TransitionError{From: current, Event: event}
			}
			return Result{NextStatus: operatorTarget}, nil
		default:
			return Result{}, fmt.Errorf("taskstate: invalid operator_force target %q", operatorTarget)
		}
	}

	switch current {
	case store.TaskStatusPending:
		if event == EventCoderStart {
			return Result{NextStatus: store.TaskStatusInProgress}, nil
		}
	case store.TaskStatusInProgress:
		switch event {
		case EventCoderSubmit:
			return Result{NextStatus: store.TaskStatusReview}, nil
		case EventCoderSkip:
			return Result{NextStatus: store.TaskStatusSkipped}, nil
		}
	case store.TaskStatusReview:
		switch event {
		case EventReviewerApprove:
			return Result{NextStatus: store.TaskStatusCompleted}, nil
		case EventReviewerReject:
			return Result{NextStatus: store.TaskStatusInProgress, IsRejection: true}, nil
		case EventReviewerDispute:
			return Result{NextStatus: store.TaskStatusDisputed}, nil
		case EventReviewerSkip:
			return Result{NextStatus: store.TaskStatusSkipped}, nil
		}
	}
	return Result{}, &TransitionError{From: current, Event: event}
}
