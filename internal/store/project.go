package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProjectDBDir is the directory, relative to a project's root, holding its
// per-project store. Per spec.md §6 "Project layout", invocation transcripts
// and the lockfile live alongside it.
const ProjectDBDir = ".steroids"

// ProjectDBFile is the SQLite filename under ProjectDBDir.
const ProjectDBFile = "tasks.db"

// ProjectStore is the store owned exclusively by one project's Runner
// Supervisor while the project lock is held: sections, tasks, audit trail,
// invocations, incidents, and merge checkpoints.
type ProjectStore struct {
	db DB
}

// OpenProjectSQLite opens (creating if absent) the per-project SQLite store
// rooted at projectPath/.steroids/tasks.db and applies pending migrations.
func OpenProjectSQLite(ctx context.Context, projectPath string) (*ProjectStore, error) {
	dir := filepath.Join(projectPath, ProjectDBDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating project store directory: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, ProjectDBFile), projectMigrationsFS, "migrations/project")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating project store: %w", err)
	}
	return &ProjectStore{db: db}, nil
}

// OpenProjectMySQL opens a MySQL-backed project store, e.g. when the
// deployment pins every project to one shared MySQL instance keyed by
// project path prefix in a per-project schema.
func OpenProjectMySQL(ctx context.Context, dsn string) (*ProjectStore, error) {
	db, err := openMySQL(dsn, projectMigrationsFS, "migrations/project")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating project store: %w", err)
	}
	return &ProjectStore{db: db}, nil
}

func (p *ProjectStore) Close() error { return p.db.Close() }

// DB exposes the raw primitive for components (taskstate, lock) whose
// transactional writes span more than one typed helper here.
func (p *ProjectStore) DB() DB { return p.db }

// --- sections ---

func (p *ProjectStore) UpsertSection(ctx context.Context, s Section) error {
	return p.db.Upsert(ctx, "sections", s, []string{"id"})
}

func (p *ProjectStore) ListSections(ctx context.Context) ([]Section, error) {
	var out []Section
	err := p.db.Select(ctx, &out, `SELECT id, name, position, priority, skipped, created_at FROM sections ORDER BY position`)
	return out, err
}

func (p *ProjectStore) GetSection(ctx context.Context, id string) (*Section, error) {
	var s Section
	err := p.db.Get(ctx, &s, `SELECT id, name, position, priority, skipped, created_at FROM sections WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *ProjectStore) SetSectionSkipped(ctx context.Context, id string, skipped bool) error {
	return p.db.Exec(ctx, `UPDATE sections SET skipped = ? WHERE id = ?`, skipped, id)
}

// --- section dependencies ---

func (p *ProjectStore) AddSectionDependency(ctx context.Context, d SectionDependency) error {
	_, err := p.db.Insert(ctx, "section_dependencies", d)
	return err
}

// ListSectionDependencies returns every dependency edge, used by the
// Section Graph & Scheduler to build its DAG.
func (p *ProjectStore) ListSectionDependencies(ctx context.Context) ([]SectionDependency, error) {
	var out []SectionDependency
	err := p.db.Select(ctx, &out, `SELECT section_id, depends_on_section_id FROM section_dependencies`)
	return out, err
}

// --- tasks ---

func (p *ProjectStore) InsertTask(ctx context.Context, t Task) (int64, error) {
	return p.db.Insert(ctx, "tasks", t)
}

func (p *ProjectStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := p.db.Get(ctx, &t, taskSelectCols+`FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *ProjectStore) ListTasksBySection(ctx context.Context, sectionID string) ([]Task, error) {
	var out []Task
	err := p.db.Select(ctx, &out, taskSelectCols+`FROM tasks WHERE section_id = ? ORDER BY priority DESC, id`, sectionID)
	return out, err
}

func (p *ProjectStore) ListTasksByStatus(ctx context.Context, status string) ([]Task, error) {
	var out []Task
	err := p.db.Select(ctx, &out, taskSelectCols+`FROM tasks WHERE status = ? ORDER BY priority DESC, id`, status)
	return out, err
}

// ListAllTasks returns every task, used by the Section Graph & Scheduler to
// compute per-section completion and the overall run frontier.
func (p *ProjectStore) ListAllTasks(ctx context.Context) ([]Task, error) {
	var out []Task
	err := p.db.Select(ctx, &out, taskSelectCols+`FROM tasks ORDER BY section_id, priority DESC, id`)
	return out, err
}

const taskSelectCols = `SELECT id, title, status, section_id, priority, position, rejection_count, failure_count,
	source_file, file_path, updated_at, created_at `

// UpdateTaskFields is the generic task row updater; taskstate.Machine uses
// the transactional variant below for transitions that must also append an
// audit entry atomically.
func (p *ProjectStore) UpdateTaskFields(ctx context.Context, t Task) error {
	return p.db.Update(ctx, "tasks", t, "id = ?", t.ID)
}

// ApplyTransition atomically updates a task's status/rejection/failure
// counters and appends the corresponding audit entry, so a crash between
// the two writes is impossible (spec.md §4.2's durability requirement).
func (p *ProjectStore) ApplyTransition(ctx context.Context, t Task, audit AuditEntry) error {
	return p.db.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE tasks SET status = ?, rejection_count = ?, failure_count = ?, updated_at = ? WHERE id = ?`,
			t.Status, t.RejectionCount, t.FailureCount, t.UpdatedAt, t.ID)
		if err != nil {
			return err
		}
		cols, placeholders, vals := structToInsert(audit)
		_, err = tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO audit_entries (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
			vals...)
		return err
	})
}

// --- audit entries ---

func (p *ProjectStore) ListAuditEntries(ctx context.Context, taskID int64) ([]AuditEntry, error) {
	var out []AuditEntry
	err := p.db.Select(ctx, &out,
		`SELECT id, task_id, from_status, to_status, actor, notes, timestamp
		 FROM audit_entries WHERE task_id = ? ORDER BY id`, taskID)
	return out, err
}

// --- rejection entries ---

func (p *ProjectStore) InsertRejection(ctx context.Context, r RejectionEntry) (int64, error) {
	return p.db.Insert(ctx, "rejection_entries", r)
}

func (p *ProjectStore) ListRejections(ctx context.Context, taskID int64) ([]RejectionEntry, error) {
	var out []RejectionEntry
	err := p.db.Select(ctx, &out,
		`SELECT id, task_id, rejection_number, notes, reviewer_provider, reviewer_model, created_at
		 FROM rejection_entries WHERE task_id = ? ORDER BY rejection_number`, taskID)
	return out, err
}

// --- submission notes ---

func (p *ProjectStore) InsertSubmissionNote(ctx context.Context, n SubmissionNote) (int64, error) {
	return p.db.Insert(ctx, "submission_notes", n)
}

func (p *ProjectStore) LatestSubmissionNote(ctx context.Context, taskID int64) (*SubmissionNote, error) {
	var n SubmissionNote
	err := p.db.Get(ctx, &n,
		`SELECT id, task_id, notes, created_at FROM submission_notes WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// --- invocations ---

func (p *ProjectStore) InsertInvocation(ctx context.Context, inv Invocation) error {
	_, err := p.db.Insert(ctx, "invocations", inv)
	return err
}

func (p *ProjectStore) UpdateInvocation(ctx context.Context, inv Invocation) error {
	return p.db.Update(ctx, "invocations", inv, "id = ?", inv.ID)
}

// UpdateInvocationActivity bumps lastActivityAtMs for a running invocation
// without touching any other column, the touch point the Stuck-Task
// Detector's hanging_invocation check relies on.
func (p *ProjectStore) UpdateInvocationActivity(ctx context.Context, id string, lastActivityAtMs int64) error {
	return p.db.Exec(ctx, `UPDATE invocations SET last_activity_at_ms = ? WHERE id = ?`, lastActivityAtMs, id)
}

func (p *ProjectStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	var inv Invocation
	err := p.db.Get(ctx, &inv, invocationSelectCols+`FROM invocations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *ProjectStore) ListInvocationsByTask(ctx context.Context, taskID int64) ([]Invocation, error) {
	var out []Invocation
	err := p.db.Select(ctx, &out, invocationSelectCols+`FROM invocations WHERE task_id = ? ORDER BY started_at_ms`, taskID)
	return out, err
}

// ListRunningInvocations returns every invocation still marked running,
// used by the Stuck-Task Detector's activity-timeout classification.
func (p *ProjectStore) ListRunningInvocations(ctx context.Context) ([]Invocation, error) {
	var out []Invocation
	err := p.db.Select(ctx, &out, invocationSelectCols+`FROM invocations WHERE status = ? ORDER BY started_at_ms`, InvocationStatusRunning)
	return out, err
}

const invocationSelectCols = `SELECT id, task_id, role, provider, model, prompt, started_at_ms, completed_at_ms,
	last_activity_at_ms, status, exit_code, duration_ms, stdout, stderr, success, timed_out, session_id,
	resumed_from_session_id, invocation_mode, token_usage, rejection_number `

// --- incidents ---

func (p *ProjectStore) InsertIncident(ctx context.Context, inc Incident) (int64, error) {
	return p.db.Insert(ctx, "incidents", inc)
}

func (p *ProjectStore) ResolveIncident(ctx context.Context, id int64, resolution, resolvedAt string) error {
	return p.db.Exec(ctx, `UPDATE incidents SET resolution = ?, resolved_at = ? WHERE id = ?`, resolution, resolvedAt, id)
}

func (p *ProjectStore) ListUnresolvedIncidents(ctx context.Context) ([]Incident, error) {
	var out []Incident
	err := p.db.Select(ctx, &out,
		`SELECT id, task_id, runner_id, failure_mode, detected_at, resolved_at, resolution, details, created_at
		 FROM incidents WHERE resolved_at = '' ORDER BY detected_at`)
	return out, err
}

// --- task locks ---

// AcquireTaskLock inserts a task lock row, failing with a constraint error
// (classified store.CategoryConstraint) if the task is already locked.
func (p *ProjectStore) AcquireTaskLock(ctx context.Context, l TaskLock) error {
	_, err := p.db.Insert(ctx, "task_locks", l)
	return err
}

func (p *ProjectStore) GetTaskLock(ctx context.Context, taskID int64) (*TaskLock, error) {
	var l TaskLock
	err := p.db.Get(ctx, &l, `SELECT task_id, runner_id, expires_at FROM task_locks WHERE task_id = ?`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *ProjectStore) ReleaseTaskLock(ctx context.Context, taskID int64) error {
	return p.db.Exec(ctx, `DELETE FROM task_locks WHERE task_id = ?`, taskID)
}

// RefreshTaskLock extends an already-held lock's expiry, verifying the
// caller still owns it.
func (p *ProjectStore) RefreshTaskLock(ctx context.Context, taskID int64, runnerID, expiresAt string) (bool, error) {
	var ok bool
	err := p.db.WithTx(ctx, func(tx Tx) error {
		res, err := tx.Exec(ctx, `UPDATE task_locks SET expires_at = ? WHERE task_id = ? AND runner_id = ?`, expiresAt, taskID, runnerID)
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

// StealExpiredTaskLock atomically replaces an expired lock with a new
// owner, returning false if the lock is no longer expired (lost the race).
func (p *ProjectStore) StealExpiredTaskLock(ctx context.Context, taskID int64, runnerID, expiresAt, nowRFC3339 string) (bool, error) {
	var stolen bool
	err := p.db.WithTx(ctx, func(tx Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE task_locks SET runner_id = ?, expires_at = ? WHERE task_id = ? AND expires_at < ?`,
			runnerID, expiresAt, taskID, nowRFC3339)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stolen = n == 1
		return nil
	})
	return stolen, err
}

// --- merge progress ---

func (p *ProjectStore) InsertMergeProgress(ctx context.Context, m MergeProgress) (int64, error) {
	return p.db.Insert(ctx, "merge_progress", m)
}

func (p *ProjectStore) ListMergeProgress(ctx context.Context, sessionID int64, workstreamID string) ([]MergeProgress, error) {
	var out []MergeProgress
	err := p.db.Select(ctx, &out,
		`SELECT id, session_id, workstream_id, position, commit_sha, status, conflict_task_id, applied_commit_sha
		 FROM merge_progress WHERE session_id = ? AND workstream_id = ? ORDER BY position`, sessionID, workstreamID)
	return out, err
}

// HasMergeProgress reports whether a given (session, workstream, position)
// has already been recorded, making replay of the merge walk idempotent.
func (p *ProjectStore) HasMergeProgress(ctx context.Context, sessionID int64, workstreamID string, position int) (bool, error) {
	var row struct {
		Count int `db:"count"`
	}
	err := p.db.Get(ctx, &row,
		`SELECT COUNT(*) as count FROM merge_progress WHERE session_id = ? AND workstream_id = ? AND position = ?`,
		sessionID, workstreamID, position)
	if err != nil {
		return false, err
	}
	return row.Count > 0, nil
}
