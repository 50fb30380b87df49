package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

// TaskLockManager guards at-most-one runner per task via the task_locks
// table. Acquisition relies on the table's primary key to reject a second
// concurrent holder (store.CategoryConstraint).
type TaskLockManager struct {
	Store *store.ProjectStore
	TTL   time.Duration
}

func (m *TaskLockManager) ttl() time.Duration {
	if m.TTL <= 0 {
		return 10 * time.Minute
	}
	return m.TTL
}

// Acquire takes the lock for taskID, or steals it if the existing lock's
// expiry has already passed.
func (m *TaskLockManager) Acquire(ctx context.Context, taskID int64, runnerID string) error {
	expiresAt := time.Now().Add(m.ttl()).UTC().Format(time.RFC3339)
	err := m.Store.AcquireTaskLock(ctx, store.TaskLock{TaskID: taskID, RunnerID: runnerID, ExpiresAt: expiresAt})
	if err == nil {
		return nil
	}
	storeErr, ok := err.(*store.Error)
	if !ok || storeErr.Category != store.CategoryConstraint {
		return fmt.Errorf("lock: acquiring task lock %d: %w", taskID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	stolen, stealErr := m.Store.StealExpiredTaskLock(ctx, taskID, runnerID, expiresAt, now)
	if stealErr != nil {
		return fmt.Errorf("lock: stealing expired task lock %d: %w", taskID, stealErr)
	}
	if !stolen {
		return fmt.Errorf("lock: task %d is already locked by another live runner", taskID)
	}
	return nil
}

// Release drops the lock unconditionally; called on terminal transition or
// any error path that aborts the task.
func (m *TaskLockManager) Release(ctx context.Context, taskID int64) error {
	return m.Store.ReleaseTaskLock(ctx, taskID)
}

// Refresh extends the lock's TTL, called periodically while the
// Orchestration Loop is still working the task.
func (m *TaskLockManager) Refresh(ctx context.Context, taskID int64, runnerID string) error {
	expiresAt := time.Now().Add(m.ttl()).UTC().Format(time.RFC3339)
	ok, err := m.Store.RefreshTaskLock(ctx, taskID, runnerID, expiresAt)
	if err != nil {
		return fmt.Errorf("lock: refreshing task lock %d: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("lock: task %d is not held by runner %s", taskID, runnerID)
	}
	return nil
}
