// Package supervisor implements the Runner Supervisor: the long-lived,
// one-process-per-project loop that claims the project lock, repeatedly
// picks the next eligible task and delegates it to the Orchestration Loop,
// and heartbeats on a parallel timer. Grounded on
// internal/agent/orchestrator.go's Run method: an independent heartbeat
// goroutine launched before the main loop, and a select over ctx.Done()
// versus a poll timer that lets the loop wake up early when there's
// something to do. Failures inside the loop are logged and the supervisor
// moves on to the next task rather than returning, mirroring that same
// "log and move on" resilience.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/lock"
	"github.com/steroids-run/steroids/internal/orchestration"
	"github.com/steroids-run/steroids/internal/scheduler"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/stuck"
)

// Now is overridable for deterministic tests.
var Now = func() time.Time { return time.Now().UTC() }

// Sleep is overridable so tests don't wait out a real pollInterval.
var Sleep = time.Sleep

const (
	defaultPollInterval      = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Supervisor drives one project's task queue to completion, one task at a
// time, for as long as ctx stays live.
type Supervisor struct {
	Global      *store.GlobalStore
	Project     *store.ProjectStore
	ProjectPath string
	RunnerID    string

	Lock      *lock.ProjectLock
	TaskLocks *lock.TaskLockManager
	Graph     *scheduler.Graph
	Stuck     *stuck.Detector
	Loop      *orchestration.Loop
	Sink      *hooks.Dispatcher

	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// EmptyQueueTimeout, if nonzero, exits Run once the queue has been
	// continuously empty for this long. Zero means run until ctx is
	// cancelled.
	EmptyQueueTimeout time.Duration
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return defaultPollInterval
	}
	return s.PollInterval
}

func (s *Supervisor) heartbeatInterval() time.Duration {
	if s.HeartbeatInterval <= 0 {
		return defaultHeartbeatInterval
	}
	return s.HeartbeatInterval
}

// Run acquires the project lock, writes the runner row, and loops until ctx
// is cancelled or (if configured) the queue has been empty long enough.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Lock.Acquire(ctx, os.Getpid()); err != nil {
		return fmt.Errorf("supervisor: acquiring project lock: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.runHeartbeat(hbCtx)

	var idleSince time.Time
	for {
		if ctx.Err() != nil {
			break
		}

		if _, err := s.Stuck.Run(ctx, Now(), s.ProjectPath); err != nil {
			slog.Error("supervisor: stuck-task recovery pass", "project", s.ProjectPath, "error", err)
		}

		task, err := s.pickTask(ctx)
		if err != nil {
			slog.Error("supervisor: picking next task", "project", s.ProjectPath, "error", err)
		}

		if task == nil {
			if idleSince.IsZero() {
				idleSince = Now()
			}
			if s.EmptyQueueTimeout > 0 && Now().Sub(idleSince) >= s.EmptyQueueTimeout {
				s.emitProjectCompleted(ctx)
				break
			}
			if !s.waitFor(ctx, s.pollInterval()) {
				break
			}
			continue
		}
		idleSince = time.Time{}

		s.runOneTask(ctx, task)
	}

	return s.shutdown()
}

// pickTask runs one eligibility pass: every non-terminal task, grouped by
// section, filtered against whatever task locks are currently live.
func (s *Supervisor) pickTask(ctx context.Context) (*store.Task, error) {
	all, err := s.Project.ListAllTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	bySection := make(map[string][]store.Task)
	for _, t := range all {
		bySection[t.SectionID] = append(bySection[t.SectionID], t)
	}

	locked := make(map[int64]bool)
	now := Now().UTC().Format(time.RFC3339)
	for _, t := range all {
		if t.Status != store.TaskStatusPending && t.Status != store.TaskStatusInProgress {
			continue
		}
		l, err := s.Project.GetTaskLock(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("checking task lock %d: %w", t.ID, err)
		}
		if l != nil && l.ExpiresAt > now {
			locked[t.ID] = true
		}
	}

	return s.Graph.NextTask(bySection, locked), nil
}

// runOneTask acquires the task lock, delegates to the Orchestration Loop,
// and releases the lock, regardless of outcome. An uncaught error is
// recorded as a failed audit entry on the task; the supervisor stays alive
// and moves on to the next cycle.
func (s *Supervisor) runOneTask(ctx context.Context, task *store.Task) {
	if err := s.TaskLocks.Acquire(ctx, task.ID, s.RunnerID); err != nil {
		slog.Error("supervisor: acquiring task lock", "task_id", task.ID, "error", err)
		return
	}
	defer func() {
		if err := s.TaskLocks.Release(ctx, task.ID); err != nil {
			slog.Error("supervisor: releasing task lock", "task_id", task.ID, "error", err)
		}
	}()

	s.setCurrentTask(ctx, task.ID)
	defer s.setCurrentTask(ctx, 0)

	if task.Status == store.TaskStatusPending {
		task.Status = store.TaskStatusInProgress
		task.UpdatedAt = Now().UTC().Format(time.RFC3339)
		if err := s.Project.UpdateTaskFields(ctx, *task); err != nil {
			slog.Error("supervisor: marking task in_progress", "task_id", task.ID, "error", err)
			return
		}
	}

	if _, err := s.Loop.RunTask(ctx, task.ID, s.RunnerID); err != nil {
		slog.Error("supervisor: orchestration loop", "task_id", task.ID, "error", err)
		s.recordFailure(ctx, task.ID, err)
	}
}

// recordFailure writes a failed audit entry without forcing a status
// transition, so a task that erred mid-cycle is retried on the next pick
// rather than stuck on a status the state machine never produced.
func (s *Supervisor) recordFailure(ctx context.Context, taskID int64, cause error) {
	current, err := s.Project.GetTask(ctx, taskID)
	if err != nil || current == nil {
		return
	}
	next := *current
	next.FailureCount++
	next.UpdatedAt = Now().UTC().Format(time.RFC3339)
	audit := store.AuditEntry{
		TaskID:     taskID,
		FromStatus: current.Status,
		ToStatus:   current.Status,
		Actor:      store.ActorRunner,
		Notes:      cause.Error(),
		Timestamp:  next.UpdatedAt,
	}
	if err := s.Project.ApplyTransition(ctx, next, audit); err != nil {
		slog.Error("supervisor: recording failed audit entry", "task_id", taskID, "error", err)
	}
}

func (s *Supervisor) setCurrentTask(ctx context.Context, taskID int64) {
	runner, err := s.Global.GetRunner(ctx, s.RunnerID)
	if err != nil || runner == nil {
		return
	}
	runner.CurrentTaskID = taskID
	if err := s.Global.UpsertRunner(ctx, *runner); err != nil {
		slog.Error("supervisor: updating runner current task", "runner", s.RunnerID, "error", err)
	}
}

// waitFor sleeps for d, waking early on ctx cancellation. It returns false
// if ctx was cancelled, so the caller can break its loop immediately.
func (s *Supervisor) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Lock.Heartbeat(ctx); err != nil {
				slog.Error("supervisor: heartbeat", "runner", s.RunnerID, "error", err)
			}
		}
	}
}

func (s *Supervisor) emitProjectCompleted(ctx context.Context) {
	if s.Sink == nil {
		return
	}
	s.Sink.Dispatch(ctx, hooks.NewEvent(hooks.EventProjectCompleted, s.ProjectPath, Now().UTC().Format(time.RFC3339), nil))
}

// shutdown releases the project lock unconditionally, using a fresh
// background context since the Run context itself is what triggered the
// shutdown and may already be cancelled.
func (s *Supervisor) shutdown() error {
	if err := s.Lock.Release(context.Background()); err != nil {
		return fmt.Errorf("supervisor: releasing project lock: %w", err)
	}
	return nil
}
