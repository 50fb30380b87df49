package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/creditpause"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/lock"
	"github.com/steroids-run/steroids/internal/observability"
	"github.com/steroids-run/steroids/internal/orchestration"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/scheduler"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/stuck"
	"github.com/steroids-run/steroids/internal/supervisor"
	"github.com/steroids-run/steroids/internal/taskstate"
)

var runProjectPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Runner Supervisor loop for one project",
	Long: `Acquires the project lock, registers a runner row, and repeatedly
picks the next eligible task off the project's work queue — driving each
one through the coder/reviewer/orchestrator-judge cycle until the queue is
empty or the process receives SIGINT/SIGTERM.`,
	RunE: runSupervisor,
}

func init() {
	runCmd.Flags().StringVar(&runProjectPath, "project", "", "path to the project to run (required)")
	_ = runCmd.MarkFlagRequired("project")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down runner gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	projectStore, err := store.OpenProjectSQLite(ctx, runProjectPath)
	if err != nil {
		return fmt.Errorf("opening project store: %w", err)
	}
	defer projectStore.Close()

	globalStore, err := openGlobalStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening global store: %w", err)
	}
	defer globalStore.Close()

	sections, err := projectStore.ListSections(ctx)
	if err != nil {
		return fmt.Errorf("listing sections: %w", err)
	}
	deps, err := projectStore.ListSectionDependencies(ctx)
	if err != nil {
		return fmt.Errorf("listing section dependencies: %w", err)
	}
	graph, err := scheduler.NewGraph(sections, deps)
	if err != nil {
		return fmt.Errorf("building section graph: %w", err)
	}

	runnerID := uuid.NewString()
	sink := hooks.NewDispatcher(slog.Default(), observability.NewSink())

	coder := provider.NewSubprocessInvoker("coder", roleBinary(cfg.AI.Coder, cfg.AI), roleModel(cfg.AI.Coder, cfg.AI), "--resume", nil)
	reviewer := provider.NewSubprocessInvoker("reviewer", roleBinary(cfg.AI.Reviewer, cfg.AI), roleModel(cfg.AI.Reviewer, cfg.AI), "--resume", nil)
	orchestrator := provider.NewSubprocessInvoker("orchestrator", roleBinary(cfg.AI.Orchestrator, cfg.AI), roleModel(cfg.AI.Orchestrator, cfg.AI), "--resume", nil)

	credit := &creditpause.Controller{Store: projectStore, Sink: sink}

	loop := &orchestration.Loop{
		Project:           projectStore,
		Machine:           &taskstate.Machine{Store: projectStore},
		TaskLocks:         &lock.TaskLockManager{Store: projectStore, TTL: cfg.Locking.TaskTimeout.Duration()},
		Sink:              sink,
		ProjectPath:       runProjectPath,
		Coder:             coder,
		CoderModel:        roleModel(cfg.AI.Coder, cfg.AI),
		Reviewers:         []provider.ProviderInvoker{reviewer},
		ReviewerModel:     roleModel(cfg.AI.Reviewer, cfg.AI),
		Orchestrator:      orchestrator,
		OrchestratorModel: roleModel(cfg.AI.Orchestrator, cfg.AI),
		CreditPause: func(ctx context.Context, role string, inv provider.ProviderInvoker, model string) error {
			_, err := credit.Wait(ctx, creditpause.Trigger{
				ProjectPath: runProjectPath, RunnerID: runnerID, Provider: inv.Name(), Model: model, Role: role,
			}, func() bool { return ctx.Err() != nil }, nil, func() string { return supervisor.Now().Format(time.RFC3339) })
			return err
		},
	}

	sup := &supervisor.Supervisor{
		Global:      globalStore,
		Project:     projectStore,
		ProjectPath: runProjectPath,
		RunnerID:    runnerID,
		Lock:        &lock.ProjectLock{Global: globalStore, ProjectPath: runProjectPath, RunnerID: runnerID},
		TaskLocks:   &lock.TaskLockManager{Store: projectStore, TTL: cfg.Locking.TaskTimeout.Duration()},
		Graph:       graph,
		Stuck: &stuck.Detector{
			Project: projectStore,
			Global:  globalStore,
			Thresholds: stuck.Thresholds{
				OrphanedTaskTimeout:    cfg.Health.OrphanedTaskTimeout.Duration(),
				MaxCoderDuration:       cfg.Health.MaxCoderDuration.Duration(),
				MaxReviewerDuration:    cfg.Health.MaxReviewerDuration.Duration(),
				RunnerHeartbeatTimeout: cfg.Health.RunnerHeartbeatTimeout.Duration(),
				MaxIncidentsPerHour:    cfg.Health.MaxIncidentsPerHour,
			},
			AutoRecover:  cfg.Health.AutoRecover,
			ProcessAlive: stuck.DefaultProcessAlive,
		},
		Loop:              loop,
		Sink:              sink,
		PollInterval:      cfg.Locking.PollInterval.Duration(),
		HeartbeatInterval: cfg.Runners.HeartbeatInterval.Duration(),
	}

	slog.Info("starting runner", "project", runProjectPath, "runner_id", runnerID)
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("runner error: %w", err)
	}
	fmt.Println("Runner stopped.")
	return nil
}

// openGlobalStore opens the global runner/project registry on whichever
// backend cfg.Database names, defaulting to the embedded SQLite file.
func openGlobalStore(ctx context.Context, cfg *config.Config) (*store.GlobalStore, error) {
	if cfg.Database.Driver == "mysql" {
		return store.OpenGlobalMySQL(ctx, cfg.Database.DSN)
	}
	return store.OpenGlobalSQLite(ctx, cfg.Database.Path)
}

func roleModel(role config.RoleAIConfig, ai config.AIConfig) string {
	if role.Model != "" {
		return role.Model
	}
	return ai.Model
}

func roleBinary(role config.RoleAIConfig, ai config.AIConfig) string {
	if role.Provider != "" {
		return role.Provider
	}
	if ai.Provider != "" {
		return ai.Provider
	}
	return "claude"
}
