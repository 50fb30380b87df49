// Package store implements the persistence layer: a global store shared by
// every registered project, and a per-project store owned exclusively by
// that project's Runner Supervisor while the project lock is held.
package store

// --- global store rows ---

// Project is a registered repository. Existence in this table is the
// authority for "the system should consider this repository".
type Project struct {
	ID        int64  `db:"id"`
	Path      string `db:"path"`
	Name      string `db:"name"`
	Enabled   bool   `db:"enabled"`
	CreatedAt string `db:"created_at"`
}

// Runner is a long-lived per-project process record.
type Runner struct {
	ID            string `db:"id"`
	Status        string `db:"status"` // idle | running | stopped
	PID           int    `db:"pid"`
	ProjectPath   string `db:"project_path"`
	CurrentTaskID int64  `db:"current_task_id"`
	StartedAt     string `db:"started_at"`
	HeartbeatAt   string `db:"heartbeat_at"`
}

const (
	RunnerStatusIdle    = "idle"
	RunnerStatusRunning = "running"
	RunnerStatusStopped = "stopped"
)

// ParallelSession groups the workstream clones for one parallel merge run.
type ParallelSession struct {
	ID                int64  `db:"id"`
	ProjectPath       string `db:"project_path"`
	IntegrationBranch string `db:"integration_branch"`
	WorkspaceRoot     string `db:"workspace_root"`
	Status            string `db:"status"` // running | completed | blocked_conflict
	CreatedAt         string `db:"created_at"`
	CompletedAt       string `db:"completed_at"`
}

const (
	ParallelSessionStatusRunning         = "running"
	ParallelSessionStatusCompleted       = "completed"
	ParallelSessionStatusBlockedConflict = "blocked_conflict"
)

// Workstream is a lease row: one clone, at most one owning runner.
type Workstream struct {
	ID                  string `db:"id"`
	SessionID           int64  `db:"session_id"`
	ClonePath           string `db:"clone_path"`
	RunnerID            string `db:"runner_id"`
	ClaimGeneration     int64  `db:"claim_generation"`
	Status              string `db:"status"` // pending|running|completed|failed|blocked_conflict
	LeaseExpiresAt      string `db:"lease_expires_at"`
	ConflictAttempts    int    `db:"conflict_attempts"`
	NextRetryAt         string `db:"next_retry_at"`
	LastReconcileAction string `db:"last_reconcile_action"`
	LastReconciledAt    string `db:"last_reconciled_at"`
}

const (
	WorkstreamStatusPending         = "pending"
	WorkstreamStatusRunning         = "running"
	WorkstreamStatusCompleted       = "completed"
	WorkstreamStatusFailed          = "failed"
	WorkstreamStatusBlockedConflict = "blocked_conflict"

	MaxConflictAttempts = 5
)

// --- per-project store rows ---

// Section is a unit of work grouping; ordering is (priority asc, position
// asc, id asc).
type Section struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Position  int    `db:"position"`
	Priority  int    `db:"priority"`
	Skipped   bool   `db:"skipped"`
	CreatedAt string `db:"created_at"`
}

// SectionDependency records that SectionID depends on DependsOnSectionID.
type SectionDependency struct {
	SectionID          string `db:"section_id"`
	DependsOnSectionID string `db:"depends_on_section_id"`
}

// Task statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusCompleted  = "completed"
	TaskStatusDisputed   = "disputed"
	TaskStatusSkipped    = "skipped"
	TaskStatusFailed     = "failed"

	MaxRejectionCount = 15
)

// Task is a single unit of work walked through the coder/reviewer cycle.
type Task struct {
	ID             int64  `db:"id"`
	Title          string `db:"title"`
	Status         string `db:"status"`
	SectionID      string `db:"section_id"`
	Priority       int    `db:"priority"`
	Position       int    `db:"position"`
	RejectionCount int    `db:"rejection_count"`
	FailureCount   int    `db:"failure_count"`
	SourceFile     string `db:"source_file"`
	FilePath       string `db:"file_path"`
	UpdatedAt      string `db:"updated_at"`
	CreatedAt      string `db:"created_at"`
}

// Audit actors.
const (
	ActorCoder        = "coder"
	ActorReviewer     = "reviewer"
	ActorOrchestrator = "orchestrator"
	ActorCoordinator  = "coordinator"
	ActorOperator     = "operator"
	ActorRunner       = "runner"
)

// AuditEntry is an append-only record of one task transition.
type AuditEntry struct {
	ID         int64  `db:"id"`
	TaskID     int64  `db:"task_id"`
	FromStatus string `db:"from_status"`
	ToStatus   string `db:"to_status"`
	Actor      string `db:"actor"`
	Notes      string `db:"notes"`
	Timestamp  string `db:"timestamp"`
}

// RejectionEntry records one reviewer rejection of a task.
type RejectionEntry struct {
	ID               int64  `db:"id"`
	TaskID           int64  `db:"task_id"`
	RejectionNumber  int    `db:"rejection_number"`
	Notes            string `db:"notes"`
	ReviewerProvider string `db:"reviewer_provider"`
	ReviewerModel    string `db:"reviewer_model"`
	CreatedAt        string `db:"created_at"`
}

// SubmissionNote is coder-authored; only the most recent one is used.
type SubmissionNote struct {
	ID        int64  `db:"id"`
	TaskID    int64  `db:"task_id"`
	Notes     string `db:"notes"`
	CreatedAt string `db:"created_at"`
}

// Invocation lifecycle statuses.
const (
	InvocationStatusRunning   = "running"
	InvocationStatusCompleted = "completed"
	InvocationStatusFailed    = "failed"
	InvocationStatusTimeout   = "timeout"

	InvocationModeFresh  = "fresh"
	InvocationModeResume = "resume"
)

// Invocation is one external LLM call; the unit of logging and activity
// tracking. Timestamps are millisecond epoch integers (unlike every other
// table, which uses second-precision RFC3339 strings) because
// lastActivityAtMs is the ground truth for stuck-task detection.
type Invocation struct {
	ID                    string `db:"id"`
	TaskID                int64  `db:"task_id"`
	Role                  string `db:"role"` // coder|reviewer|orchestrator
	Provider              string `db:"provider"`
	Model                 string `db:"model"`
	Prompt                string `db:"prompt"`
	StartedAtMs           int64  `db:"started_at_ms"`
	CompletedAtMs         int64  `db:"completed_at_ms"`
	LastActivityAtMs      int64  `db:"last_activity_at_ms"`
	Status                string `db:"status"`
	ExitCode              int    `db:"exit_code"`
	DurationMs            int64  `db:"duration_ms"`
	Stdout                string `db:"stdout"`
	Stderr                string `db:"stderr"`
	Success               bool   `db:"success"`
	TimedOut              bool   `db:"timed_out"`
	SessionID             string `db:"session_id"`
	ResumedFromSessionID  string `db:"resumed_from_session_id"`
	InvocationMode        string `db:"invocation_mode"`
	TokenUsage            string `db:"token_usage"` // JSON-encoded
	RejectionNumber       int    `db:"rejection_number"`
}

// Incident failure modes.
const (
	FailureModeOrphanedTask      = "orphaned_task"
	FailureModeHangingInvocation = "hanging_invocation"
	FailureModeZombieRunner      = "zombie_runner"
	FailureModeDeadRunner        = "dead_runner"
	FailureModeDBInconsistency   = "db_inconsistency"
	FailureModeCreditExhaustion  = "credit_exhaustion"
)

// Incident is a durably recorded anomaly, optionally resolved.
type Incident struct {
	ID          int64  `db:"id"`
	TaskID      int64  `db:"task_id"`
	RunnerID    string `db:"runner_id"`
	FailureMode string `db:"failure_mode"`
	DetectedAt  string `db:"detected_at"`
	ResolvedAt  string `db:"resolved_at"`
	Resolution  string `db:"resolution"`
	Details     string `db:"details"` // JSON-encoded {"schemaVersion":1,...}
	CreatedAt   string `db:"created_at"`
}

// TaskLock grants at-most-one runner ownership of a task at a time.
type TaskLock struct {
	TaskID    int64  `db:"task_id"`
	RunnerID  string `db:"runner_id"`
	ExpiresAt string `db:"expires_at"`
}

// MergeProgress statuses.
const (
	MergeProgressApplied  = "applied"
	MergeProgressSkipped  = "skipped"
	MergeProgressConflict = "conflict"
)

// MergeProgress is the checkpoint that makes the merge engine resumable.
type MergeProgress struct {
	ID                int64  `db:"id"`
	SessionID         int64  `db:"session_id"`
	WorkstreamID      string `db:"workstream_id"`
	Position          int    `db:"position"`
	CommitSha         string `db:"commit_sha"`
	Status            string `db:"status"`
	ConflictTaskID    int64  `db:"conflict_task_id"`
	AppliedCommitSha  string `db:"applied_commit_sha"`
}
