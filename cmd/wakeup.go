package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/stuck"
	"github.com/steroids-run/steroids/internal/wakeup"
)

var (
	wakeupDryRun   bool
	wakeupSchedule string
)

var wakeupCmd = &cobra.Command{
	Use:   "wakeup",
	Short: "Sweep every registered project and spawn runners where there's pending work",
	Long: `Cleans stale runner rows, runs a stuck-task recovery pass per
registered project, and spawns a detached "steroids run" process for any
project with pending work and no active runner.

With --schedule, wakeup stays resident and re-runs the sweep on the given
cron expression instead of exiting after one pass.`,
	RunE: runWakeup,
}

func init() {
	wakeupCmd.Flags().BoolVar(&wakeupDryRun, "dry-run", false, "report what would start without spawning any runner")
	wakeupCmd.Flags().StringVar(&wakeupSchedule, "schedule", "", "cron expression to run the sweep on a recurring basis (e.g. \"*/5 * * * *\")")
}

// execSpawner launches a detached "steroids run --project <path>" process,
// re-invoking the currently running binary.
type execSpawner struct {
	binary  string
	cfgFile string
}

func (s *execSpawner) Spawn(ctx context.Context, projectPath string) (int, error) {
	cmd := exec.Command(s.binary, "run", "--project", projectPath)
	if s.cfgFile != "" {
		cmd.Args = append(cmd.Args, "--config", s.cfgFile)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning runner for %s: %w", projectPath, err)
	}
	go cmd.Wait() // reap the child without blocking the sweep
	return cmd.Process.Pid, nil
}

func runWakeup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	globalStore, err := openGlobalStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening global store: %w", err)
	}
	defer globalStore.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary path: %w", err)
	}

	controller := &wakeup.Controller{
		Global: globalStore,
		Thresholds: stuck.Thresholds{
			OrphanedTaskTimeout:    cfg.Health.OrphanedTaskTimeout.Duration(),
			MaxCoderDuration:       cfg.Health.MaxCoderDuration.Duration(),
			MaxReviewerDuration:    cfg.Health.MaxReviewerDuration.Duration(),
			RunnerHeartbeatTimeout: cfg.Health.RunnerHeartbeatTimeout.Duration(),
			MaxIncidentsPerHour:    cfg.Health.MaxIncidentsPerHour,
		},
		AutoRecover:        cfg.Health.AutoRecover,
		ProcessAlive:       stuck.DefaultProcessAlive,
		Spawner:            &execSpawner{binary: self, cfgFile: cfgFile},
		DryRun:             wakeupDryRun,
		StaleRunnerTimeout: cfg.Runners.StaleTimeout.Duration(),
	}

	if wakeupSchedule == "" {
		return sweepOnce(ctx, controller)
	}

	c := cron.New()
	if _, err := c.AddFunc(wakeupSchedule, func() {
		if err := sweepOnce(ctx, controller); err != nil {
			slog.Error("wakeup sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", wakeupSchedule, err)
	}
	c.Start()
	slog.Info("wakeup controller running on schedule", "schedule", wakeupSchedule)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	fmt.Println("\nShutting down wakeup controller...")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

func sweepOnce(ctx context.Context, controller *wakeup.Controller) error {
	results, err := controller.Run(ctx)
	if err != nil {
		return fmt.Errorf("wakeup sweep: %w", err)
	}
	for _, r := range results {
		switch r.Action {
		case wakeup.ActionStarted:
			fmt.Printf("%-40s started (pid %d)\n", r.ProjectPath, r.PID)
		case wakeup.ActionWouldStart:
			fmt.Printf("%-40s would start\n", r.ProjectPath)
		case wakeup.ActionCleaned:
			fmt.Printf("%-40s cleaned stale runner, no pending work\n", r.ProjectPath)
		case wakeup.ActionNone:
			fmt.Printf("%-40s none (%s)\n", r.ProjectPath, r.Reason)
		}
		if r.RecoveredActions > 0 {
			fmt.Printf("%-40s recovered %d stuck task(s)\n", r.ProjectPath, r.RecoveredActions)
		}
	}
	return nil
}
