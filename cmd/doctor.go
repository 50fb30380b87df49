package cmd

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
)

var doctorProjectPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify the database, provider CLIs, and git are reachable",
	Long: `Checks that the global runner registry is reachable, that the
configured coder/reviewer/orchestrator provider CLIs are on PATH, and (with
--project) that a project's own database opens cleanly and its git remote
is configured.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorProjectPath, "project", "", "also check a specific project's database and git remote")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	allOK := true

	fmt.Println("=== steroids doctor ===")
	fmt.Println()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Config .................... FAIL (%s)\n", err)
		return nil
	}
	fmt.Println("Config ..................... OK")

	fmt.Print("Global runner registry ..... ")
	global, err := openGlobalStore(ctx, cfg)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		fmt.Printf("OK (%s, driver=%s)\n", cfg.Database.Path, dbDriverLabel(cfg))
		global.Close()
	}

	fmt.Println()
	fmt.Println("Provider CLIs:")
	roles := []struct {
		label string
		role  config.RoleAIConfig
	}{
		{"coder", cfg.AI.Coder},
		{"reviewer", cfg.AI.Reviewer},
		{"orchestrator", cfg.AI.Orchestrator},
	}
	for _, r := range roles {
		binary := roleBinary(r.role, cfg.AI)
		fmt.Printf("  %-14s ... ", r.label)
		inv := provider.NewSubprocessInvoker(r.label, binary, roleModel(r.role, cfg.AI), "--resume", nil)
		if inv.IsAvailable(ctx) {
			fmt.Printf("OK (%s)\n", binary)
		} else {
			fmt.Printf("MISSING (%s not found on PATH)\n", binary)
			allOK = false
		}
	}

	fmt.Print("\ngit ......................... ")
	if _, err := exec.LookPath("git"); err != nil {
		fmt.Println("MISSING")
		allOK = false
	} else {
		fmt.Println("OK")
	}

	if doctorProjectPath != "" {
		fmt.Println()
		fmt.Printf("Project %s:\n", doctorProjectPath)

		fmt.Print("  database .................. ")
		projectStore, err := store.OpenProjectSQLite(ctx, doctorProjectPath)
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Println("OK")
			projectStore.Close()
		}

		fmt.Print("  git remote ................ ")
		remoteCmd := exec.CommandContext(ctx, "git", "-C", doctorProjectPath, "remote", "get-url", cfg.Git.Remote)
		if out, err := remoteCmd.Output(); err != nil {
			fmt.Printf("WARN (remote %q not configured)\n", cfg.Git.Remote)
		} else {
			fmt.Printf("OK (%s)\n", trimNewline(string(out)))
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("Some checks failed — see above.")
	}

	return nil
}

func dbDriverLabel(cfg *config.Config) string {
	if cfg.Database.Driver == "mysql" {
		return "mysql"
	}
	return "sqlite"
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
