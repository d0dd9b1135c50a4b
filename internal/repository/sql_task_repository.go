package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/models"
)

// The full task is persisted as JSON in the record column. The remaining
// columns exist for lookups and are rewritten on every upsert.
const (
	upsertConflictSQL = `INSERT INTO processing_tasks (id, state, owner_key, created_at, updated_at, record)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET state = excluded.state, owner_key = excluded.owner_key,
updated_at = excluded.updated_at, record = excluded.record`

	upsertDuplicateKeySQL = `INSERT INTO processing_tasks (id, state, owner_key, created_at, updated_at, record)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), owner_key = VALUES(owner_key),
updated_at = VALUES(updated_at), record = VALUES(record)`

	selectTaskSQL = `SELECT id, record FROM processing_tasks WHERE id = ?`

	selectOwnerTasksSQL = `SELECT id, record FROM processing_tasks WHERE owner_key = ? ORDER BY created_at DESC, id DESC`

	selectStateTasksSQL = `SELECT id, record FROM processing_tasks WHERE state IN (?) ORDER BY created_at ASC, id ASC`
)

var schemaByDriver = map[string][]string{
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS processing_tasks (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			owner_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_tasks_owner ON processing_tasks (owner_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_tasks_state ON processing_tasks (state)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS processing_tasks (
			id VARCHAR(64) PRIMARY KEY,
			state VARCHAR(32) NOT NULL,
			owner_key VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_tasks_owner ON processing_tasks (owner_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_tasks_state ON processing_tasks (state)`,
	},
	"mysql": {
		`CREATE TABLE IF NOT EXISTS processing_tasks (
			id VARCHAR(64) PRIMARY KEY,
			state VARCHAR(32) NOT NULL,
			owner_key VARCHAR(255) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			record MEDIUMTEXT NOT NULL,
			INDEX idx_processing_tasks_owner (owner_key, created_at),
			INDEX idx_processing_tasks_state (state)
		)`,
	},
}

type taskRow struct {
	ID     string `db:"id"`
	Record string `db:"record"`
}

// SQLTaskRepository persists tasks through sqlx on sqlite3, postgres or mysql.
type SQLTaskRepository struct {
	db     *sqlx.DB
	driver string
}

// NewSQLTaskRepository wraps an open connection. driverName selects the
// placeholder style and upsert dialect.
func NewSQLTaskRepository(db *sql.DB, driverName string) (*SQLTaskRepository, error) {
	if _, ok := schemaByDriver[driverName]; !ok {
		return nil, fmt.Errorf("unsupported task store driver %q", driverName)
	}
	return &SQLTaskRepository{
		db:     sqlx.NewDb(db, driverName),
		driver: driverName,
	}, nil
}

// OpenTaskRepository opens the configured database, applies pool settings and
// ensures the schema exists.
func OpenTaskRepository(ctx context.Context, cfg config.DatabaseConfig) (*SQLTaskRepository, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	repo, err := NewSQLTaskRepository(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// EnsureSchema creates the task table and indexes when missing.
func (r *SQLTaskRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaByDriver[r.driver] {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create task schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *SQLTaskRepository) Close() error {
	return r.db.Close()
}

func (r *SQLTaskRepository) Upsert(ctx context.Context, task *models.ProcessingTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	record, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	query := upsertConflictSQL
	if r.driver == "mysql" {
		query = upsertDuplicateKeySQL
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		task.ID,
		string(task.State),
		OwnerKey(task.Owner()),
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (r *SQLTaskRepository) Get(ctx context.Context, id string) (*models.ProcessingTask, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(selectTaskSQL), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return decodeTask(row)
}

// ListForOwner returns the owner's tasks, newest first.
func (r *SQLTaskRepository) ListForOwner(ctx context.Context, identity string) ([]*models.ProcessingTask, error) {
	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(selectOwnerTasksSQL), OwnerKey(identity)); err != nil {
		return nil, fmt.Errorf("list tasks for owner: %w", err)
	}
	return decodeTasks(rows)
}

// ListByStates returns every task currently in one of states, oldest first.
func (r *SQLTaskRepository) ListByStates(ctx context.Context, states ...models.TaskState) ([]*models.ProcessingTask, error) {
	if len(states) == 0 {
		return []*models.ProcessingTask{}, nil
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	query, args, err := sqlx.In(selectStateTasksSQL, names)
	if err != nil {
		return nil, fmt.Errorf("build state query: %w", err)
	}

	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks by state: %w", err)
	}
	return decodeTasks(rows)
}

func decodeTasks(rows []taskRow) ([]*models.ProcessingTask, error) {
	out := make([]*models.ProcessingTask, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func decodeTask(row taskRow) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	if err := json.Unmarshal([]byte(row.Record), &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", row.ID, err)
	}
	return &task, nil
}

var _ TaskRepository = (*SQLTaskRepository)(nil)
