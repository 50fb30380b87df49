package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

const defaultCollectInterval = 15 * time.Second

// ProjectOpener opens the project store at path; injected so the collector
// doesn't hardcode which project paths exist at construction time.
type ProjectOpener func(ctx context.Context, path string) (*store.ProjectStore, error)

// Collector periodically snapshots runner and per-project task/incident
// counts into the package's gauges. Grounded on
// itskum47-FluxForge/control_plane main.go's runMetricsCollector: a ticker
// loop that queries the store for standing counts and sets gauges, rather
// than updating them inline as events occur.
type Collector struct {
	Global   *store.GlobalStore
	Open     ProjectOpener
	Interval time.Duration
	Logger   *slog.Logger
}

func (c *Collector) interval() time.Duration {
	if c.Interval <= 0 {
		return defaultCollectInterval
	}
	return c.Interval
}

func (c *Collector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Run blocks, snapshotting on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	c.snapshot(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.snapshot(ctx)
		}
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	if err := c.snapshotRunners(ctx); err != nil {
		c.logger().Error("observability: snapshotting runners", "error", err)
	}

	projects, err := c.Global.ListEnabledProjects(ctx)
	if err != nil {
		c.logger().Error("observability: listing projects", "error", err)
		return
	}
	for _, project := range projects {
		if err := c.snapshotProject(ctx, project.Path); err != nil {
			c.logger().Error("observability: snapshotting project", "project", project.Path, "error", err)
		}
	}
}

func (c *Collector) snapshotRunners(ctx context.Context) error {
	runners, err := c.Global.ListAllRunners(ctx)
	if err != nil {
		return err
	}
	counts := make(map[string]float64)
	for _, r := range runners {
		counts[r.Status]++
	}
	for _, status := range []string{
		store.RunnerStatusIdle, store.RunnerStatusRunning, store.RunnerStatusStopped,
	} {
		RunnersByStatus.WithLabelValues(status).Set(counts[status])
	}
	return nil
}

func (c *Collector) snapshotProject(ctx context.Context, projectPath string) error {
	projectStore, err := c.Open(ctx, projectPath)
	if err != nil {
		return err
	}
	defer projectStore.Close()

	tasks, err := projectStore.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	counts := make(map[string]float64)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for _, status := range []string{
		store.TaskStatusPending, store.TaskStatusInProgress, store.TaskStatusReview,
		store.TaskStatusCompleted, store.TaskStatusDisputed, store.TaskStatusSkipped,
		store.TaskStatusFailed,
	} {
		TasksByStatus.WithLabelValues(projectPath, status).Set(counts[status])
	}

	incidents, err := projectStore.ListUnresolvedIncidents(ctx)
	if err != nil {
		return err
	}
	UnresolvedIncidents.WithLabelValues(projectPath).Set(float64(len(incidents)))
	return nil
}
