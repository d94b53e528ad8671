package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB is a *sql.DB that knows which placeholder style its driver wants.
type DB struct {
	*sql.DB
	Driver string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'basic'
	)`,
	`CREATE TABLE IF NOT EXISTS columns (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		position INTEGER NOT NULL,
		task_order TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date TEXT,
		priority TEXT NOT NULL DEFAULT 'medium' CHECK (priority IN ('low', 'medium', 'high')),
		assignee_id TEXT REFERENCES users(id) ON DELETE SET NULL,
		column_id TEXT NOT NULL REFERENCES columns(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_tags (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		tag TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_tags_task_id ON task_tags (task_id)`,
}

// DefaultColumns is the fixed column set every board is provisioned with.
var DefaultColumns = []models.Column{
	{ID: models.ColumnTodo, Title: "To Do"},
	{ID: models.ColumnInProgress, Title: "In Progress"},
	{ID: models.ColumnDone, Title: "Done"},
}

// InitDB opens the database, creates the schema and provisions the columns.
func InitDB(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps
		// in-memory databases alive for the life of the pool.
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, Driver: driver}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logging.Logger.WithField("driver", driver).Info("database initialized")
	return db, nil
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	for i, col := range DefaultColumns {
		_, err := d.ExecContext(ctx, d.Rebind(
			`INSERT INTO columns (id, title, position, task_order) VALUES (?, ?, ?, '[]')
			ON CONFLICT (id) DO NOTHING`), col.ID, col.Title, i)
		if err != nil {
			return fmt.Errorf("failed to provision column %s: %w", col.ID, err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders into the driver's native style.
func (d *DB) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=1&_busy_timeout=5000"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner issues statements against either the pool or a transaction.
type runner struct {
	q      querier
	rebind func(string) string
}

func (r runner) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.rebind(query), args...)
}

func (r runner) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.rebind(query), args...)
}

func (r runner) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.rebind(query), args...)
}

func (d *DB) runner() runner {
	return runner{q: d.DB, rebind: d.Rebind}
}

// withTx runs fn inside one transaction; any error rolls every write back.
func (d *DB) withTx(ctx context.Context, fn func(tx runner) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return models.Persistence("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(runner{q: tx, rebind: d.Rebind}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.Persistence("commit transaction", err)
	}
	return nil
}
