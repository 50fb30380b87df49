package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/global/*.sql
var globalMigrationsFS embed.FS

//go:embed migrations/project/*.sql
var projectMigrationsFS embed.FS

// DB is the generic storage primitive shared by the global and per-project
// stores. Implementations exist for SQLite (default) and MySQL, selected by
// driver name exactly as the teacher's internal/database package does.
type DB interface {
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) error
	Insert(ctx context.Context, table string, record interface{}) (int64, error)
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string

	// WithTx runs fn inside a single transaction, committing on success and
	// rolling back on error. taskstate and lock use this for the atomic
	// audit-entry-plus-status-update / compare-and-set writes.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the subset of DB available inside a WithTx callback.
type Tx interface {
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type txWrapper struct{ tx *sql.Tx }

func (t *txWrapper) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("query: %w", err))
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (t *txWrapper) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := t.tx.QueryRowContext(ctx, query, args...)
	if err := scanRow(row, dest); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return classify(err)
	}
	return nil
}

func (t *txWrapper) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// backend implements DB against a *sql.DB, parameterised by driver name and
// the embedded migration set to apply.
type backend struct {
	db         *sql.DB
	driver     string
	migrations embed.FS
	migDir     string
}

// openSQLite opens (or creates) a SQLite database at path with the
// write-ahead-log pragma string from spec.md §4.1.
func openSQLite(path string, migrations embed.FS, migDir string) (DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	b := &backend{db: db, driver: "sqlite", migrations: migrations, migDir: migDir}
	if err := b.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return b, nil
}

// openMySQL opens a MySQL connection using dsn, appending parseTime=true if
// absent, exactly as the teacher's NewMySQL does.
func openMySQL(dsn string, migrations embed.FS, migDir string) (DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql DSN is required when driver is mysql")
	}
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	b := &backend{db: db, driver: "mysql", migrations: migrations, migDir: migDir}
	if err := b.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return b, nil
}

func (b *backend) Driver() string { return b.driver }

func (b *backend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *backend) Close() error { return b.db.Close() }

// Migrate applies all *.sql files from the embedded migration directory in
// sorted order, tracked by a schema_migrations table, mirroring
// internal/database/sqlite.go's Migrate exactly.
func (b *backend) Migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		filename    TEXT    NOT NULL UNIQUE,
		applied_at  TEXT    NOT NULL
	)`)
	if err != nil {
		return classify(fmt.Errorf("creating schema_migrations table: %w", err))
	}

	entries, err := b.migrations.ReadDir(b.migDir)
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name)
		if err := row.Scan(&count); err != nil {
			return classify(fmt.Errorf("checking migration %s: %w", name, err))
		}
		if count > 0 {
			continue
		}

		data, err := b.migrations.ReadFile(b.migDir + "/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		if _, err := b.db.ExecContext(ctx, string(data)); err != nil {
			return classify(fmt.Errorf("applying migration %s: %w", name, err))
		}

		_, err = b.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return classify(fmt.Errorf("recording migration %s: %w", name, err))
		}
		slog.Info("store: applied migration", "file", name, "driver", b.driver)
	}
	return nil
}

func (b *backend) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("query: %w", err))
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (b *backend) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	row := b.db.QueryRowContext(ctx, query, args...)
	if err := scanRow(row, dest); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return classify(err)
	}
	return nil
}

func (b *backend) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Internal DB helper: table/column names come from trusted application
// code (struct tags); values remain parameterized.
// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
func (b *backend) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, placeholders, vals := structToInsert(record)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := b.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return 0, classify(fmt.Errorf("insert into %s: %w", table, err))
	}
	return res.LastInsertId()
}

// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
func (b *backend) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	allArgs := append(vals, args...)
	_, err := b.db.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return classify(fmt.Errorf("update %s: %w", table, err))
	}
	return nil
}

// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
func (b *backend) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals := structToInsert(record)
	updateCols := make([]string, 0, len(cols))
	for _, c := range cols {
		skip := false
		for _, cc := range conflictCols {
			if c == cc {
				skip = true
				break
			}
		}
		if !skip {
			updateCols = append(updateCols, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
		strings.Join(updateCols, ", "),
	)
	_, err := b.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return classify(fmt.Errorf("upsert %s: %w", table, err))
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Used by taskstate and lock for the atomic
// audit-entry-plus-status-update / compare-and-set writes spec.md §4.2 and
// §4.4 require.
func (b *backend) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err = fn(&txWrapper{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}
