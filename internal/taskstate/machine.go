package taskstate

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

// Machine wraps Apply with the store-backed, transactional side effects a
// real transition requires: the audit entry, the rejection-count cap
// (rejectionCount == 15 forces review -> disputed rather than erroring),
// and the rejection-entry write.
type Machine struct {
	Store *store.ProjectStore
}

// TransitionInput carries everything a caller-initiated transition needs.
type TransitionInput struct {
	TaskID           int64
	Event            Event
	Actor            string
	Notes            string
	OperatorTarget   string // only consulted for EventOperatorForce
	RejectionNotes   string
	ReviewerProvider string
	ReviewerModel    string
}

// Transition loads the task, computes its next status, and atomically
// writes the new status plus the audit entry (and rejection entry, if
// applicable) in one transaction.
func (m *Machine) Transition(ctx context.Context, in TransitionInput) (*store.Task, error) {
	task, err := m.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("taskstate: load task %d: %w", in.TaskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("taskstate: task %d not found", in.TaskID)
	}

	res, err := Apply(task.Status, in.Event, in.OperatorTarget)
	if err != nil {
		return nil, err
	}

	if task.Status == store.TaskStatusReview && task.RejectionCount >= store.MaxRejectionCount {
		// A task already sitting at the rejection cap is disputed on its
		// next review regardless of the decision reached.
		res = Result{NextStatus: store.TaskStatusDisputed}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	fromStatus := task.Status
	nextTask := *task
	nextTask.UpdatedAt = now

	if res.IsRejection {
		if task.RejectionCount+1 > store.MaxRejectionCount {
			// The cap is hard: a 16th rejection is impossible by
			// construction, so the transition becomes review -> disputed
			// instead of a rejection increment.
			res.NextStatus = store.TaskStatusDisputed
			res.IsRejection = false
		} else {
			nextTask.RejectionCount = task.RejectionCount + 1
		}
	}
	nextTask.Status = res.NextStatus

	audit := store.AuditEntry{
		TaskID:     in.TaskID,
		FromStatus: fromStatus,
		ToStatus:   nextTask.Status,
		Actor:      in.Actor,
		Notes:      in.Notes,
		Timestamp:  now,
	}

	if err := m.Store.ApplyTransition(ctx, nextTask, audit); err != nil {
		return nil, fmt.Errorf("taskstate: apply transition for task %d: %w", in.TaskID, err)
	}

	if res.IsRejection {
		rejection := store.RejectionEntry{
			TaskID:           in.TaskID,
			RejectionNumber:  nextTask.RejectionCount,
			Notes:            in.RejectionNotes,
			ReviewerProvider: in.ReviewerProvider,
			ReviewerModel:    in.ReviewerModel,
			CreatedAt:        now,
		}
		if _, err := m.Store.InsertRejection(ctx, rejection); err != nil {
			return nil, fmt.Errorf("taskstate: record rejection for task %d: %w", in.TaskID, err)
		}
	}

	return &nextTask, nil
}

// IsTerminal reports whether status is one the task never leaves on its own.
func IsTerminal(status string) bool { return TerminalStatuses[status] }
