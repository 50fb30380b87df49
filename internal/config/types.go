package config

// Config is the root configuration structure.
// Serialised to ~/.steroids/config.json.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	AI       AIConfig       `mapstructure:"ai"       json:"ai"`
	Git      GitConfig      `mapstructure:"git"      json:"git"`
	Runners  RunnersConfig  `mapstructure:"runners"  json:"runners"`
	Locking  LockingConfig  `mapstructure:"locking"  json:"locking"`
	Health   HealthConfig   `mapstructure:"health"   json:"health"`
}

// RunnersConfig controls the Runner Supervisor's own loop timing and the
// Parallel Merge Engine's clone fan-out, independent of any one project.
type RunnersConfig struct {
	HeartbeatInterval     Duration `mapstructure:"heartbeat_interval"      json:"heartbeat_interval"`
	StaleTimeout          Duration `mapstructure:"stale_timeout"           json:"stale_timeout"`
	SubprocessHangTimeout Duration `mapstructure:"subprocess_hang_timeout" json:"subprocess_hang_timeout"`
	// MaxConcurrent caps how many Runner Supervisors the Wakeup Controller
	// may have active across all projects at once; 0 means unlimited.
	MaxConcurrent int            `mapstructure:"max_concurrent" json:"max_concurrent"`
	Parallel      ParallelConfig `mapstructure:"parallel"       json:"parallel"`
}

// ParallelConfig controls the Parallel Merge Engine's integration clones.
type ParallelConfig struct {
	Enabled           bool   `mapstructure:"enabled"            json:"enabled"`
	MaxClones         int    `mapstructure:"max_clones"         json:"max_clones"`
	WorkspaceRoot     string `mapstructure:"workspace_root"     json:"workspace_root"`
	ValidationCommand string `mapstructure:"validation_command" json:"validation_command"`
	CleanupOnSuccess  bool   `mapstructure:"cleanup_on_success" json:"cleanup_on_success"`
	CleanupOnFailure  bool   `mapstructure:"cleanup_on_failure" json:"cleanup_on_failure"`
}

// LockingConfig controls the Lock & Lease Manager's timeouts.
type LockingConfig struct {
	TaskTimeout    Duration `mapstructure:"task_timeout"    json:"task_timeout"`
	SectionTimeout Duration `mapstructure:"section_timeout" json:"section_timeout"`
	WaitTimeout    Duration `mapstructure:"wait_timeout"    json:"wait_timeout"`
	PollInterval   Duration `mapstructure:"poll_interval"   json:"poll_interval"`
}

// HealthConfig controls the Stuck-Task Detector & Recoverer.
type HealthConfig struct {
	AutoRecover          bool     `mapstructure:"auto_recover"            json:"auto_recover"`
	MaxRecoveryAttempts  int      `mapstructure:"max_recovery_attempts"   json:"max_recovery_attempts"`
	MaxIncidentsPerHour  int      `mapstructure:"max_incidents_per_hour"  json:"max_incidents_per_hour"`
	OrphanedTaskTimeout  Duration `mapstructure:"orphaned_task_timeout"   json:"orphaned_task_timeout"`
	MaxCoderDuration     Duration `mapstructure:"max_coder_duration"      json:"max_coder_duration"`
	MaxReviewerDuration  Duration `mapstructure:"max_reviewer_duration"   json:"max_reviewer_duration"`
	RunnerHeartbeatTimeout Duration `mapstructure:"runner_heartbeat_timeout" json:"runner_heartbeat_timeout"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// AIConfig controls the default provider CLI and model invoked for the
// coder/reviewer/orchestrator phases, overridable per-phase below.
type AIConfig struct {
	// Provider names the CLI binary to invoke (e.g. "claude", "codex").
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model"    json:"model"`

	// Orchestrator, Coder, and Reviewer override Provider/Model per phase of
	// the review cycle; a zero-value RoleAIConfig falls back to the
	// top-level Provider/Model above.
	Orchestrator RoleAIConfig `mapstructure:"orchestrator" json:"orchestrator"`
	Coder        RoleAIConfig `mapstructure:"coder"        json:"coder"`
	Reviewer     RoleAIConfig `mapstructure:"reviewer"     json:"reviewer"`
}

// RoleAIConfig names the provider CLI and model one phase of the review
// cycle invokes, independent of the other phases.
type RoleAIConfig struct {
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model"    json:"model"`
}

// GitConfig controls the Merge Engine's push of the integration branch
// once all workstreams for a section land.
type GitConfig struct {
	AutoPush       bool   `mapstructure:"auto_push"        json:"auto_push"`
	Remote         string `mapstructure:"remote"           json:"remote"`
	Branch         string `mapstructure:"branch"           json:"branch"`
	RetryOnFailure bool   `mapstructure:"retry_on_failure" json:"retry_on_failure"`
}
