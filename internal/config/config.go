package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".steroids"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".steroids/steroids.db"
)

// Load reads the config file (creating it with defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet, defaults apply after unmarshal.
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDir creates ~/.steroids if it doesn't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(home, DefaultConfigDir), 0o700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("ai.provider", "claude")
	v.SetDefault("ai.model", "")

	v.SetDefault("runners.heartbeat_interval", "30s")
	v.SetDefault("runners.stale_timeout", "10m")
	v.SetDefault("runners.subprocess_hang_timeout", "5m")
	v.SetDefault("runners.max_concurrent", 0)
	v.SetDefault("runners.parallel.enabled", false)
	v.SetDefault("runners.parallel.max_clones", 4)
	v.SetDefault("runners.parallel.workspace_root", filepath.Join(home, DefaultConfigDir, "parallel-workspaces"))
	v.SetDefault("runners.parallel.cleanup_on_success", true)
	v.SetDefault("runners.parallel.cleanup_on_failure", false)

	v.SetDefault("locking.task_timeout", "15m")
	v.SetDefault("locking.section_timeout", "30m")
	v.SetDefault("locking.wait_timeout", "1m")
	v.SetDefault("locking.poll_interval", "5s")

	v.SetDefault("health.auto_recover", true)
	v.SetDefault("health.max_recovery_attempts", 3)
	v.SetDefault("health.max_incidents_per_hour", 10)
	v.SetDefault("health.orphaned_task_timeout", "15m")
	v.SetDefault("health.max_coder_duration", "20m")
	v.SetDefault("health.max_reviewer_duration", "10m")
	v.SetDefault("health.runner_heartbeat_timeout", "2m")

	v.SetDefault("git.auto_push", true)
	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.retry_on_failure", true)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
