package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"todo-sync/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const selectColumns = `SELECT id, title, description, completed, created_at, updated_at FROM tasks`

// Storage is the Postgres-backed record store.
type Storage struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, connStr string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, transient("ping", err)
	}
	return &Storage{pool: pool}, nil
}

// Close releases the pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations, including the change trigger.
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping checks the store is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return transient("ping", err)
	}
	return nil
}

// CreateTask inserts a new record. Identifier and timestamps are assigned by the database.
func (s *Storage) CreateTask(ctx context.Context, title string, description *string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO tasks (title, description) VALUES ($1, $2)
RETURNING id, title, description, completed, created_at, updated_at`, title, description)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, classify("insert", err)
	}
	return t, nil
}

// UpdateTask replaces the supplied fields and refreshes updated_at. updated_at
// is bumped by at least one microsecond so it strictly increases even when two
// updates share a transaction timestamp.
func (s *Storage) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE tasks SET
    title       = COALESCE($2, title),
    description = COALESCE($3, description),
    completed   = COALESCE($4, completed),
    updated_at  = GREATEST(now(), updated_at + interval '1 microsecond')
WHERE id = $1
RETURNING id, title, description, completed, created_at, updated_at`,
		id, patch.Title, patch.Description, patch.Completed)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Task{}, classify("update", err)
	}
	return t, nil
}

// DeleteTask removes the record permanently.
func (s *Storage) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return classify("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundError{ID: id}
	}
	return nil
}

// FetchTasks returns every record, oldest first.
func (s *Storage) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("select", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("select", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// classify keeps server-reported errors as they are and marks everything else
// (network, timeouts, closed pool) as transient.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return transient(op, err)
}

func transient(op string, err error) error {
	return domain.TransientStoreError{Op: op, Err: err}
}
