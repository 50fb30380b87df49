// Package stuck implements the Stuck-Task Detector & Recoverer. Its
// classification shape is grounded on internal/gateway/heartbeat.go's
// computeStatus: compare time.Since(lastActivity) against named thresholds
// and return a status, generalized from one gateway-wide health value to a
// per-task/per-runner classification evaluated in a fixed order so a single
// finding produces exactly one failure mode.
package stuck

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

// Thresholds bundles the named staleness windows spec.md §4.8 defines.
type Thresholds struct {
	OrphanedTaskTimeout    time.Duration
	MaxCoderDuration       time.Duration
	MaxReviewerDuration    time.Duration
	RunnerHeartbeatTimeout time.Duration
	MaxIncidentsPerHour    int
}

// DefaultThresholds are the concrete values spec.md §4.8 names.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OrphanedTaskTimeout:    600 * time.Second,
		MaxCoderDuration:       1800 * time.Second,
		MaxReviewerDuration:    900 * time.Second,
		RunnerHeartbeatTimeout: 300 * time.Second,
		MaxIncidentsPerHour:    10,
	}
}

// FailureMode mirrors the store's incident failure-mode taxonomy.
type FailureMode = string

// Finding is one anomaly the detector classified, naming the entity and the
// recovery action taken (if any).
type Finding struct {
	Mode       FailureMode
	TaskID     int64
	RunnerID   string
	Phase      string // "coder" | "reviewer", set for hanging_invocation
	Recovered  bool
	Resolution string
}

// ProcessAlive reports whether pid names a live process. Injected so tests
// don't depend on real PIDs; the production wiring passes a syscall-backed
// probe (the same one internal/lock uses for project-lock zombie recovery).
type ProcessAlive func(pid int) bool

// DefaultProcessAlive probes pid with signal 0, the same liveness check
// internal/lock uses for project-lock zombie recovery.
func DefaultProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Detector runs one classification + optional-recovery pass over a
// project's tasks and runners.
type Detector struct {
	Project      *store.ProjectStore
	Global       *store.GlobalStore
	Thresholds   Thresholds
	AutoRecover  bool
	ProcessAlive ProcessAlive
}

// Run performs one sweep: classify every candidate task/runner, and for
// AutoRecover detectors, apply the bounded recovery action for each finding
// until the hourly incident budget for this project is spent.
func (d *Detector) Run(ctx context.Context, now time.Time, projectPath string) ([]Finding, error) {
	var findings []Finding

	recoveryBudget := d.Thresholds.MaxIncidentsPerHour
	if d.AutoRecover {
		used, err := d.incidentsInLastHour(ctx, now)
		if err != nil {
			return nil, err
		}
		recoveryBudget -= used
	}

	runnerByID, err := d.runnersByID(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	deadRunners, zombieRunners := d.classifyRunners(now, runnerByID)
	for _, f := range append(append([]Finding{}, deadRunners...), zombieRunners...) {
		recorded, err := d.recordAndMaybeRecover(ctx, now, f, &recoveryBudget)
		if err != nil {
			return nil, err
		}
		findings = append(findings, recorded)
	}

	tasks, err := d.candidateTasks(ctx)
	if err != nil {
		return nil, err
	}
	runningInvocations, err := d.Project.ListRunningInvocations(ctx)
	if err != nil {
		return nil, err
	}
	runningByTask := make(map[int64]store.Invocation, len(runningInvocations))
	for _, inv := range runningInvocations {
		runningByTask[inv.TaskID] = inv
	}

	for _, task := range tasks {
		f, ok, err := d.classifyTask(ctx, now, task, runningByTask, runnerByID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		recorded, err := d.recordAndMaybeRecover(ctx, now, f, &recoveryBudget)
		if err != nil {
			return nil, err
		}
		findings = append(findings, recorded)
	}

	return findings, nil
}

func (d *Detector) incidentsInLastHour(ctx context.Context, now time.Time) (int, error) {
	unresolved, err := d.Project.ListUnresolvedIncidents(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, inc := range unresolved {
		at, err := time.Parse(time.RFC3339, inc.DetectedAt)
		if err == nil && at.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (d *Detector) runnersByID(ctx context.Context, projectPath string) (map[string]store.Runner, error) {
	runner, err := d.Global.ActiveRunnerForProject(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.Runner)
	if runner != nil {
		out[runner.ID] = *runner
	}
	return out, nil
}

func (d *Detector) classifyRunners(now time.Time, runners map[string]store.Runner) (dead, zombie []Finding) {
	for _, r := range runners {
		alive := d.ProcessAlive != nil && d.ProcessAlive(r.PID)
		if !alive {
			dead = append(dead, Finding{Mode: store.FailureModeDeadRunner, RunnerID: r.ID})
			continue
		}
		heartbeatAt, err := time.Parse(time.RFC3339, r.HeartbeatAt)
		if err == nil && now.Sub(heartbeatAt) > d.Thresholds.RunnerHeartbeatTimeout {
			zombie = append(zombie, Finding{Mode: store.FailureModeZombieRunner, RunnerID: r.ID})
		}
	}
	return dead, zombie
}

func (d *Detector) candidateTasks(ctx context.Context) ([]store.Task, error) {
	var out []store.Task
	for _, status := range []string{store.TaskStatusInProgress, store.TaskStatusReview} {
		tasks, err := d.Project.ListTasksByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (d *Detector) classifyTask(ctx context.Context, now time.Time, task store.Task, runningByTask map[int64]store.Invocation, runners map[string]store.Runner) (Finding, bool, error) {
	updatedAt, err := time.Parse(time.RFC3339, task.UpdatedAt)
	if err != nil {
		return Finding{}, false, nil
	}

	phase := "coder"
	timeout := d.Thresholds.MaxCoderDuration
	if task.Status == store.TaskStatusReview {
		phase = "reviewer"
		timeout = d.Thresholds.MaxReviewerDuration
	}
	staleness := d.Thresholds.OrphanedTaskTimeout
	if timeout > staleness {
		staleness = timeout
	}
	stale := now.Sub(updatedAt) > staleness

	if !stale {
		// db_inconsistency: in_progress recently, but no invocation record
		// ever exists for the task. Reported only, never auto-recovered.
		if task.Status == store.TaskStatusInProgress {
			invs, err := d.Project.ListInvocationsByTask(ctx, task.ID)
			if err != nil {
				return Finding{}, false, err
			}
			if len(invs) == 0 {
				return Finding{Mode: store.FailureModeDBInconsistency, TaskID: task.ID}, true, nil
			}
		}
		return Finding{}, false, nil
	}

	_, hasRunning := runningByTask[task.ID]
	var activeRunnerID string
	for _, r := range runners {
		if r.CurrentTaskID == task.ID {
			activeRunnerID = r.ID
			break
		}
	}

	if hasRunning && activeRunnerID != "" {
		return Finding{Mode: store.FailureModeHangingInvocation, TaskID: task.ID, RunnerID: activeRunnerID, Phase: phase}, true, nil
	}

	return Finding{Mode: store.FailureModeOrphanedTask, TaskID: task.ID, Phase: phase}, true, nil
}

// recordAndMaybeRecover records an incident for f and, if the detector is in
// AutoRecover mode and budget remains, applies the recovery action.
func (d *Detector) recordAndMaybeRecover(ctx context.Context, now time.Time, f Finding, budget *int) (Finding, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	_, err := d.Project.InsertIncident(ctx, store.Incident{
		TaskID:      f.TaskID,
		RunnerID:    f.RunnerID,
		FailureMode: f.Mode,
		DetectedAt:  nowStr,
		CreatedAt:   nowStr,
	})
	if err != nil {
		return f, err
	}

	if f.Mode == store.FailureModeDBInconsistency {
		return f, nil // reported only, never auto-recovered
	}
	if !d.AutoRecover || *budget <= 0 {
		return f, nil
	}

	switch f.Mode {
	case store.FailureModeOrphanedTask, store.FailureModeHangingInvocation:
		if err := d.Project.ReleaseTaskLock(ctx, f.TaskID); err != nil {
			return f, err
		}
		task, err := d.Project.GetTask(ctx, f.TaskID)
		if err != nil {
			return f, err
		}
		if task != nil {
			task.Status = store.TaskStatusPending
			task.FailureCount++
			task.UpdatedAt = nowStr
			if err := d.Project.UpdateTaskFields(ctx, *task); err != nil {
				return f, err
			}
		}
		f.Recovered = true
	case store.FailureModeZombieRunner, store.FailureModeDeadRunner:
		if err := d.Global.DeleteRunner(ctx, f.RunnerID); err != nil {
			return f, err
		}
		f.Recovered = true
	}
	*budget--
	return f, nil
}
