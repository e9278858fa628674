// Package postgres provides the pgx-backed TaskStore.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/OpalDecisionSciences/restaurant-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool behind the task store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists the scraping backlog in Postgres. Status transitions
// are single UPDATE statements so the MarkProcessing claim is atomic at the
// database, satisfying the exclusivity contract without advisory locks.
type TaskStore struct {
	pool  pgxPool
	table string
	clock scraper.Clock
}

// NewTaskStore connects a pgx pool using the provided config.
func NewTaskStore(ctx context.Context, cfg Config, clock scraper.Clock) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool, table: table, clock: clock}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool, primarily
// for tests.
func NewTaskStoreWithPool(pool pgxPool, table string, clock scraper.Clock) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &TaskStore{pool: pool, table: name, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return "scraping_tasks", nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the backlog table when it does not exist yet.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	restaurant_name TEXT NOT NULL,
	task_type       TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 1,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	error_messages  JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create task table: %w", err)
	}
	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_backlog_idx ON %s (status, priority DESC, created_at)`,
		s.table, s.table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create backlog index: %w", err)
	}
	return nil
}

// Save upserts a task by ID.
func (s *TaskStore) Save(ctx context.Context, task scraper.ScrapingTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	messages, err := json.Marshal(append([]string{}, task.ErrorMessages...))
	if err != nil {
		return fmt.Errorf("marshal error messages: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, url, restaurant_name, task_type, priority,
	max_retries, retry_count, status, error_messages,
	created_at, last_attempt_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	restaurant_name = EXCLUDED.restaurant_name,
	task_type = EXCLUDED.task_type,
	priority = EXCLUDED.priority,
	max_retries = EXCLUDED.max_retries,
	retry_count = EXCLUDED.retry_count,
	status = EXCLUDED.status,
	error_messages = EXCLUDED.error_messages,
	last_attempt_at = EXCLUDED.last_attempt_at,
	completed_at = EXCLUDED.completed_at`, s.table)

	_, err = s.pool.Exec(ctx, query,
		task.ID, task.URL, task.RestaurantName, string(task.Type), task.Priority,
		task.MaxRetries, task.RetryCount, string(task.Status), messages,
		task.CreatedAt, task.LastAttemptAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// LoadPending returns eligible tasks in scheduling order.
func (s *TaskStore) LoadPending(ctx context.Context, limit int) ([]scraper.ScrapingTask, error) {
	query := fmt.Sprintf(`
SELECT id, url, restaurant_name, task_type, priority,
	max_retries, retry_count, status, error_messages,
	created_at, last_attempt_at, completed_at
FROM %s
WHERE status = 'pending' AND retry_count < max_retries
ORDER BY priority DESC, created_at ASC
LIMIT $1`, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scraper.ScrapingTask
	for rows.Next() {
		var (
			task     scraper.ScrapingTask
			taskType string
			status   string
			messages []byte
		)
		if err := rows.Scan(
			&task.ID, &task.URL, &task.RestaurantName, &taskType, &task.Priority,
			&task.MaxRetries, &task.RetryCount, &status, &messages,
			&task.CreatedAt, &task.LastAttemptAt, &task.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task.Type = scraper.TaskType(taskType)
		task.Status = scraper.TaskStatus(status)
		if len(messages) > 0 {
			if err := json.Unmarshal(messages, &task.ErrorMessages); err != nil {
				return nil, fmt.Errorf("unmarshal error messages for %s: %w", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

// MarkProcessing claims a pending task. The WHERE clause on status makes the
// transition a compare-and-swap; a concurrent claimer updates zero rows.
func (s *TaskStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'processing', last_attempt_at = $2
WHERE id = $1 AND status = 'pending'`, s.table)

	tag, err := s.pool.Exec(ctx, query, id, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark task processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted transitions the task to its terminal completed state.
func (s *TaskStore) MarkCompleted(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'completed', completed_at = $2
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// MarkFailed consumes one retry and re-queues or terminally fails the task
// in a single statement, so the retry bound holds under concurrency.
func (s *TaskStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s
SET retry_count = retry_count + 1,
	error_messages = error_messages || to_jsonb($2::text),
	last_attempt_at = $3,
	status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
WHERE id = $1`, s.table)

	stamped := fmt.Sprintf("%s: %s", now.Format(time.RFC3339), errMsg)
	tag, err := s.pool.Exec(ctx, query, id, stamped, now)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// MarkFailedPermanent fails the task terminally without consuming budget.
func (s *TaskStore) MarkFailedPermanent(ctx context.Context, id string, reason string) error {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'failed',
	error_messages = error_messages || to_jsonb($2::text),
	last_attempt_at = $3
WHERE id = $1`, s.table)

	stamped := fmt.Sprintf("%s: %s", now.Format(time.RFC3339), reason)
	tag, err := s.pool.Exec(ctx, query, id, stamped, now)
	if err != nil {
		return fmt.Errorf("mark task failed permanently: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// Stats counts tasks by status plus the retried-but-unfinished figure.
func (s *TaskStore) Stats(ctx context.Context) (scraper.Stats, error) {
	var stats scraper.Stats
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return stats, fmt.Errorf("query task stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats row: %w", err)
		}
		switch scraper.TaskStatus(status) {
		case scraper.TaskStatusPending:
			stats.Pending = count
		case scraper.TaskStatusProcessing:
			stats.Processing = count
		case scraper.TaskStatusCompleted:
			stats.Completed = count
		case scraper.TaskStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats rows: %w", err)
	}

	retries := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE retry_count > 0 AND status IN ('pending', 'processing')`,
		s.table)
	if err := s.pool.QueryRow(ctx, retries).Scan(&stats.RetriesPending); err != nil {
		return stats, fmt.Errorf("query retries pending: %w", err)
	}
	return stats, nil
}
