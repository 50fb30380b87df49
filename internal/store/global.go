package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultGlobalDBFile is the path segment under the user's home directory
// holding the global store, per spec.md §6 "Global layout".
const DefaultGlobalDBFile = ".steroids/steroids.db"

// GlobalStore is the store shared by every registered project: projects,
// runners, parallel_sessions, workstreams.
type GlobalStore struct {
	db DB
}

// OpenGlobalSQLite opens (creating if absent) the global SQLite store and
// applies pending migrations.
func OpenGlobalSQLite(ctx context.Context, path string) (*GlobalStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(home, DefaultGlobalDBFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating global store directory: %w", err)
	}
	db, err := openSQLite(path, globalMigrationsFS, "migrations/global")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating global store: %w", err)
	}
	return &GlobalStore{db: db}, nil
}

// OpenGlobalMySQL opens a MySQL-backed global store (alternate backend for
// deployments where many hosts share one control plane).
func OpenGlobalMySQL(ctx context.Context, dsn string) (*GlobalStore, error) {
	db, err := openMySQL(dsn, globalMigrationsFS, "migrations/global")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating global store: %w", err)
	}
	return &GlobalStore{db: db}, nil
}

func (g *GlobalStore) Close() error { return g.db.Close() }

// DB exposes the raw primitive for components (lock CAS updates) that need
// query shapes this store doesn't wrap directly.
func (g *GlobalStore) DB() DB { return g.db }

// RegisterProject inserts or updates a project row by path.
func (g *GlobalStore) RegisterProject(ctx context.Context, p Project) (int64, error) {
	return g.db.Insert(ctx, "projects", p)
}

// ListEnabledProjects returns every enabled project, ordered by path.
func (g *GlobalStore) ListEnabledProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := g.db.Select(ctx, &out, `SELECT id, path, name, enabled, created_at FROM projects WHERE enabled = 1 ORDER BY path`)
	return out, err
}

// GetProjectByPath looks up a project by its absolute path.
func (g *GlobalStore) GetProjectByPath(ctx context.Context, path string) (*Project, error) {
	var p Project
	err := g.db.Get(ctx, &p, `SELECT id, path, name, enabled, created_at FROM projects WHERE path = ?`, path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertRunner inserts or replaces a runner row.
func (g *GlobalStore) UpsertRunner(ctx context.Context, r Runner) error {
	return g.db.Upsert(ctx, "runners", r, []string{"id"})
}

// GetRunner looks up a runner by id.
func (g *GlobalStore) GetRunner(ctx context.Context, id string) (*Runner, error) {
	var r Runner
	err := g.db.Get(ctx, &r, `SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at FROM runners WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ActiveRunnerForProject returns the runner row covering projectPath whose
// status is not stopped, or nil if none exists.
func (g *GlobalStore) ActiveRunnerForProject(ctx context.Context, projectPath string) (*Runner, error) {
	var r Runner
	err := g.db.Get(ctx, &r,
		`SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at
		 FROM runners WHERE project_path = ? AND status != 'stopped' ORDER BY heartbeat_at DESC LIMIT 1`,
		projectPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListStaleRunners returns runner rows whose heartbeat predates cutoff and
// whose status is not stopped — candidates for the Wakeup Controller's
// zombie-cleanup pass.
func (g *GlobalStore) ListStaleRunners(ctx context.Context, cutoffRFC3339 string) ([]Runner, error) {
	var out []Runner
	err := g.db.Select(ctx, &out,
		`SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at
		 FROM runners WHERE status != 'stopped' AND heartbeat_at < ?`, cutoffRFC3339)
	return out, err
}

// DeleteRunner removes a runner row (used after PID-liveness confirms a
// dead process, or once a stopped runner's bookkeeping is no longer needed).
func (g *GlobalStore) DeleteRunner(ctx context.Context, id string) error {
	return g.db.Exec(ctx, `DELETE FROM runners WHERE id = ?`, id)
}

// ListAllRunners returns every runner row regardless of status, for
// periodic reporting (e.g. the metrics collector's per-status gauge).
func (g *GlobalStore) ListAllRunners(ctx context.Context) ([]Runner, error) {
	var out []Runner
	err := g.db.Select(ctx, &out,
		`SELECT id, status, pid, project_path, current_task_id, started_at, heartbeat_at FROM runners`)
	return out, err
}

// CreateParallelSession inserts a new parallel session row.
func (g *GlobalStore) CreateParallelSession(ctx context.Context, s ParallelSession) (int64, error) {
	return g.db.Insert(ctx, "parallel_sessions", s)
}

// GetParallelSession looks up a session by id.
func (g *GlobalStore) GetParallelSession(ctx context.Context, id int64) (*ParallelSession, error) {
	var s ParallelSession
	err := g.db.Get(ctx, &s,
		`SELECT id, project_path, integration_branch, workspace_root, status, created_at, completed_at
		 FROM parallel_sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetParallelSessionStatus updates a session's status (and completed_at when
// terminal).
func (g *GlobalStore) SetParallelSessionStatus(ctx context.Context, id int64, status, completedAt string) error {
	return g.db.Exec(ctx, `UPDATE parallel_sessions SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id)
}

// CreateWorkstream inserts a new workstream (lease) row.
func (g *GlobalStore) CreateWorkstream(ctx context.Context, w Workstream) error {
	_, err := g.db.Insert(ctx, "workstreams", w)
	return err
}

// ListWorkstreams returns every workstream row for a session, ordered by id
// (insertion order, which the Merge Engine treats as partition order).
func (g *GlobalStore) ListWorkstreams(ctx context.Context, sessionID int64) ([]Workstream, error) {
	var out []Workstream
	err := g.db.Select(ctx, &out,
		`SELECT id, session_id, clone_path, runner_id, claim_generation, status, lease_expires_at,
		        conflict_attempts, next_retry_at, last_reconcile_action, last_reconciled_at
		 FROM workstreams WHERE session_id = ? ORDER BY id`, sessionID)
	return out, err
}

// ClaimWorkstream atomically assigns a pending or expired-lease workstream
// to runnerID, bumping claim_generation so a runner that later wakes up from
// a stall can detect it lost the lease (spec.md §4.4's compare-and-set
// fencing). Returns false (no error) if another runner already holds an
// unexpired lease.
func (g *GlobalStore) ClaimWorkstream(ctx context.Context, workstreamID, runnerID, leaseExpiresAt, nowRFC3339 string) (bool, error) {
	var claimed bool
	err := g.db.WithTx(ctx, func(tx Tx) error {
		var w Workstream
		err := tx.Get(ctx, &w,
			`SELECT id, session_id, clone_path, runner_id, claim_generation, status, lease_expires_at,
			        conflict_attempts, next_retry_at, last_reconcile_action, last_reconciled_at
			 FROM workstreams WHERE id = ?`, workstreamID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if w.Status == WorkstreamStatusRunning && w.LeaseExpiresAt > nowRFC3339 && w.RunnerID != runnerID {
			return nil // held by someone else, lease not yet expired
		}
		res, err := tx.Exec(ctx,
			`UPDATE workstreams SET runner_id = ?, claim_generation = claim_generation + 1,
			        status = ?, lease_expires_at = ?
			 WHERE id = ? AND claim_generation = ?`,
			runnerID, WorkstreamStatusRunning, leaseExpiresAt, workstreamID, w.ClaimGeneration)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// RenewWorkstreamLease extends an already-held lease, verifying the caller
// still owns the generation it last observed.
func (g *GlobalStore) RenewWorkstreamLease(ctx context.Context, workstreamID, runnerID string, claimGeneration int, leaseExpiresAt string) (bool, error) {
	var ok bool
	err := g.db.WithTx(ctx, func(tx Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE workstreams SET lease_expires_at = ? WHERE id = ? AND runner_id = ? AND claim_generation = ?`,
			leaseExpiresAt, workstreamID, runnerID, claimGeneration)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// SetWorkstreamStatus updates status and, for terminal/blocked states, the
// reconcile bookkeeping fields.
func (g *GlobalStore) SetWorkstreamStatus(ctx context.Context, id, status string) error {
	return g.db.Exec(ctx, `UPDATE workstreams SET status = ? WHERE id = ?`, status, id)
}

// RecordWorkstreamConflict increments conflict_attempts and schedules the
// next retry, used by the Parallel Merge Engine's conflict-cycle handling.
func (g *GlobalStore) RecordWorkstreamConflict(ctx context.Context, id, nextRetryAt, reconcileAction, reconciledAt string) error {
	return g.db.Exec(ctx,
		`UPDATE workstreams SET conflict_attempts = conflict_attempts + 1, next_retry_at = ?,
		        last_reconcile_action = ?, last_reconciled_at = ?, status = ?
		 WHERE id = ?`,
		nextRetryAt, reconcileAction, reconciledAt, WorkstreamStatusBlockedConflict, id)
}

// GetWorkstream looks up a workstream by id.
func (g *GlobalStore) GetWorkstream(ctx context.Context, id string) (*Workstream, error) {
	var w Workstream
	err := g.db.Get(ctx, &w,
		`SELECT id, session_id, clone_path, runner_id, claim_generation, status, lease_expires_at,
		        conflict_attempts, next_retry_at, last_reconcile_action, last_reconciled_at
		 FROM workstreams WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
