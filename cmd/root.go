package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "steroids",
	Short: "Autonomous multi-project LLM task orchestration",
	Long: `steroids drives a fleet of runner processes that pick tasks off a
project's work queue, invoke an external LLM CLI through coder/reviewer/
orchestrator-judge phases, and advance each task through its review state
machine — merging parallel workstreams and recovering stuck work along
the way.

Get started:
  steroids run      Run the Runner Supervisor loop for one project
  steroids wakeup    Sweep every registered project and spawn runners where there's pending work
  steroids doctor    Verify the database, provider CLIs, and git are reachable`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.steroids/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		runCmd,
		wakeupCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
