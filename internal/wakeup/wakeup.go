// Package wakeup implements the Wakeup Controller: the periodic/ad-hoc
// entry point that cleans stale runner rows, runs a stuck-task recovery
// pass per registered project, and spawns a Runner Supervisor for any
// project with pending work. Grounded on
// internal/gateway/scheduler.go's github.com/robfig/cron/v3 registration —
// a cron schedule and a manually-triggered call both funnel into the same
// Run entrypoint, just as the teacher's Scheduler.runSchedule and its
// manual TriggerNow path share one underlying call.
package wakeup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steroids-run/steroids/internal/scheduler"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/stuck"
)

// Action is the fixed outcome taxonomy spec.md §4.10 names for a project's
// wakeup pass.
type Action string

const (
	ActionStarted    Action = "started"
	ActionWouldStart Action = "would_start"
	ActionNone       Action = "none"
	ActionCleaned    Action = "cleaned"
)

// Result is one project's outcome for a single wakeup sweep.
type Result struct {
	ProjectPath                    string
	Action                         Action
	Reason                         string
	PID                            int
	RecoveredActions               int
	SkippedRecoveryDueToSafetyLimit bool
}

// Spawner launches a detached Runner Supervisor process for a project and
// reports its PID. Implementations belong to the CLI shell, which knows
// how to re-invoke the binary; this package only decides whether to spawn.
type Spawner interface {
	Spawn(ctx context.Context, projectPath string) (pid int, err error)
}

// Now is overridable for deterministic tests.
var Now = func() time.Time { return time.Now().UTC() }

// Controller runs one Wakeup Controller sweep across every registered
// project.
type Controller struct {
	Global *store.GlobalStore

	Thresholds  stuck.Thresholds
	AutoRecover bool

	// ProcessAlive probes whether a runner's recorded PID is still alive;
	// injected so tests don't depend on real process state.
	ProcessAlive stuck.ProcessAlive

	Spawner Spawner

	// DryRun reports would_start instead of actually spawning, for preview
	// invocations (e.g. a CLI "wakeup --dry-run").
	DryRun bool

	// StaleRunnerTimeout is the heartbeat age past which a runner row is
	// considered abandoned and deleted outright.
	StaleRunnerTimeout time.Duration
}

func (c *Controller) staleRunnerTimeout() time.Duration {
	if c.StaleRunnerTimeout <= 0 {
		return 10 * time.Minute
	}
	return c.StaleRunnerTimeout
}

// Run executes one sweep: clean stale runner rows, then visit every
// registered enabled project whose directory still exists.
func (c *Controller) Run(ctx context.Context) ([]Result, error) {
	now := Now()
	cleanedProjects, err := c.cleanStaleRunners(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("wakeup: cleaning stale runners: %w", err)
	}

	projects, err := c.Global.ListEnabledProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("wakeup: listing enabled projects: %w", err)
	}

	results := make([]Result, 0, len(projects))
	for _, project := range projects {
		results = append(results, c.visitProject(ctx, now, project, cleanedProjects[project.Path]))
	}
	return results, nil
}

// cleanStaleRunners deletes every runner row whose heartbeat predates the
// stale threshold, returning which project paths were touched so
// visitProject can report "cleaned" instead of "none" when that's the only
// thing this sweep did for a project.
func (c *Controller) cleanStaleRunners(ctx context.Context, now time.Time) (map[string]bool, error) {
	cutoff := now.Add(-c.staleRunnerTimeout()).Format(time.RFC3339)
	stale, err := c.Global.ListStaleRunners(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	touched := make(map[string]bool, len(stale))
	for _, r := range stale {
		if err := c.Global.DeleteRunner(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("deleting stale runner %s: %w", r.ID, err)
		}
		touched[r.ProjectPath] = true
	}
	return touched, nil
}

func (c *Controller) visitProject(ctx context.Context, now time.Time, project store.Project, alreadyCleaned bool) Result {
	result := Result{ProjectPath: project.Path}

	info, err := os.Stat(project.Path)
	if err != nil || !info.IsDir() {
		result.Action = ActionNone
		result.Reason = "project directory missing"
		return result
	}

	projectStore, err := store.OpenProjectSQLite(ctx, project.Path)
	if err != nil {
		result.Action = ActionNone
		result.Reason = fmt.Sprintf("opening project store: %v", err)
		return result
	}
	defer projectStore.Close()

	detector := &stuck.Detector{
		Project: projectStore, Global: c.Global, Thresholds: c.Thresholds,
		AutoRecover: c.AutoRecover, ProcessAlive: c.ProcessAlive,
	}
	findings, err := detector.Run(ctx, now, project.Path)
	if err != nil {
		result.Action = ActionNone
		result.Reason = fmt.Sprintf("stuck-task recovery pass: %v", err)
		return result
	}
	for _, f := range findings {
		if f.Recovered {
			result.RecoveredActions++
		} else if f.Mode != store.FailureModeDBInconsistency && c.AutoRecover {
			result.SkippedRecoveryDueToSafetyLimit = true
		}
	}

	runner, err := c.Global.ActiveRunnerForProject(ctx, project.Path)
	if err != nil {
		result.Action = ActionNone
		result.Reason = fmt.Sprintf("checking active runner: %v", err)
		return result
	}
	if runner != nil {
		result.Action = ActionNone
		result.Reason = "active runner already covers this project"
		return result
	}

	hasWork, err := c.hasPendingWork(ctx, projectStore)
	if err != nil {
		result.Action = ActionNone
		result.Reason = fmt.Sprintf("checking pending work: %v", err)
		return result
	}
	if !hasWork {
		if alreadyCleaned {
			result.Action = ActionCleaned
		} else {
			result.Action = ActionNone
			result.Reason = "no eligible pending work"
		}
		return result
	}

	if c.DryRun {
		result.Action = ActionWouldStart
		return result
	}
	if c.Spawner == nil {
		result.Action = ActionNone
		result.Reason = "no spawner configured"
		return result
	}
	pid, err := c.Spawner.Spawn(ctx, project.Path)
	if err != nil {
		result.Action = ActionNone
		result.Reason = fmt.Sprintf("spawning runner: %v", err)
		return result
	}
	result.Action = ActionStarted
	result.PID = pid
	return result
}

// hasPendingWork reuses the same scheduler pick the Runner Supervisor
// itself would make: if NextTask would return something, there is work.
func (c *Controller) hasPendingWork(ctx context.Context, projectStore *store.ProjectStore) (bool, error) {
	sections, err := projectStore.ListSections(ctx)
	if err != nil {
		return false, err
	}
	deps, err := projectStore.ListSectionDependencies(ctx)
	if err != nil {
		return false, err
	}
	graph, err := scheduler.NewGraph(sections, deps)
	if err != nil {
		return false, fmt.Errorf("building section graph: %w", err)
	}

	all, err := projectStore.ListAllTasks(ctx)
	if err != nil {
		return false, err
	}
	bySection := make(map[string][]store.Task)
	for _, t := range all {
		bySection[t.SectionID] = append(bySection[t.SectionID], t)
	}

	locked := make(map[int64]bool)
	now := Now().Format(time.RFC3339)
	for _, t := range all {
		if t.Status != store.TaskStatusPending && t.Status != store.TaskStatusInProgress {
			continue
		}
		lock, err := projectStore.GetTaskLock(ctx, t.ID)
		if err != nil {
			return false, err
		}
		if lock != nil && lock.ExpiresAt > now {
			locked[t.ID] = true
		}
	}

	return graph.NextTask(bySection, locked) != nil, nil
}
