// Package lock implements the three locking disciplines of the control
// plane: the per-project exclusive lockfile, the per-task database lock,
// and the per-workstream/per-merge fenced lease. All three share one idea:
// a holder is valid until its TTL lapses or a liveness probe proves it dead,
// whichever a caller notices first.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

// LockFileName is the filesystem artifact described in spec.md §3.
const LockFileName = "steroids.lock"

// ErrLockHeld is returned when the project lock is held by a live process.
var ErrLockHeld = fmt.Errorf("lock: project lock held by a live process")

type lockFileContents struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

// ProjectLock guards at-most-one runner per project: a filesystem lockfile
// plus a mirrored row in the global runners table.
type ProjectLock struct {
	Global      *store.GlobalStore
	ProjectPath string
	RunnerID    string
}

func (l *ProjectLock) lockPath() string {
	return filepath.Join(l.ProjectPath, store.ProjectDBDir, LockFileName)
}

// Acquire creates the lockfile exclusively. If a stale lockfile names a PID
// that is no longer alive, it performs zombie recovery (remove + retry once)
// before giving up with ErrLockHeld.
func (l *ProjectLock) Acquire(ctx context.Context, pid int) error {
	if err := os.MkdirAll(filepath.Dir(l.lockPath()), 0o700); err != nil {
		return fmt.Errorf("lock: creating project lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := l.tryCreate(pid); err == nil {
			now := time.Now().UTC().Format(time.RFC3339)
			return l.Global.UpsertRunner(ctx, store.Runner{
				ID: l.RunnerID, Status: store.RunnerStatusRunning, PID: pid,
				ProjectPath: l.ProjectPath, StartedAt: now, HeartbeatAt: now,
			})
		} else if !os.IsExist(err) {
			return fmt.Errorf("lock: creating lockfile: %w", err)
		}

		held, err := l.readHolder()
		if err != nil {
			return fmt.Errorf("lock: reading existing lockfile: %w", err)
		}
		if processAlive(held.PID) {
			return ErrLockHeld
		}
		// Zombie recovery: the prior holder's process is dead. Remove the
		// stale lockfile and retry the exclusive create once.
		if err := os.Remove(l.lockPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lock: removing zombie lockfile: %w", err)
		}
	}
	return ErrLockHeld
}

func (l *ProjectLock) tryCreate(pid int) error {
	f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	contents := lockFileContents{PID: pid, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	return json.NewEncoder(f).Encode(contents)
}

func (l *ProjectLock) readHolder() (lockFileContents, error) {
	data, err := os.ReadFile(l.lockPath())
	if err != nil {
		return lockFileContents{}, err
	}
	var c lockFileContents
	if err := json.Unmarshal(data, &c); err != nil {
		return lockFileContents{}, err
	}
	return c, nil
}

// Release deletes the lockfile and marks the runner row stopped.
func (l *ProjectLock) Release(ctx context.Context) error {
	if err := os.Remove(l.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: removing lockfile: %w", err)
	}
	runner, err := l.Global.GetRunner(ctx, l.RunnerID)
	if err != nil {
		return fmt.Errorf("lock: loading runner %s: %w", l.RunnerID, err)
	}
	if runner == nil {
		return nil
	}
	runner.Status = store.RunnerStatusStopped
	return l.Global.UpsertRunner(ctx, *runner)
}

// Heartbeat refreshes the runner row's heartbeatAt, keeping it below the
// stale threshold the Wakeup Controller and Stuck-Task Detector use to
// decide a runner is still alive.
func (l *ProjectLock) Heartbeat(ctx context.Context) error {
	runner, err := l.Global.GetRunner(ctx, l.RunnerID)
	if err != nil {
		return fmt.Errorf("lock: loading runner %s: %w", l.RunnerID, err)
	}
	if runner == nil {
		return fmt.Errorf("lock: runner %s has no row to heartbeat", l.RunnerID)
	}
	runner.HeartbeatAt = time.Now().UTC().Format(time.RFC3339)
	return l.Global.UpsertRunner(ctx, *runner)
}

// processAlive probes pid with signal 0, the standard Unix liveness check:
// the kernel validates the target exists and is visible to us without
// actually delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
