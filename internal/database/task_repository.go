package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/partsbay/harvester/internal/domain"
)

// Task repository constants.
const (
	// DefaultLeaseLimit is the number of tasks leased per producer pass.
	DefaultLeaseLimit = 100
)

// TaskRepository handles the persistent backlog of harvest tasks.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// LeaseBatch claims up to limit tasks in priority order and bumps each one's
// priority, so a task left unfinished sinks behind fresher work on the next
// pass instead of being leased forever. Rows locked by a concurrent producer
// are skipped.
func (r *TaskRepository) LeaseBatch(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultLeaseLimit
	}

	query := `
		UPDATE tasks
		SET priority = priority + 1
		WHERE value IN (
			SELECT value FROM tasks
			ORDER BY priority ASC, value ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING value, priority
	`

	var tasks []domain.Task
	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to lease task batch: %w", err)
	}

	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// Add upserts a task into the backlog. An existing task keeps its priority.
func (r *TaskRepository) Add(ctx context.Context, value string, priority int64) error {
	query := `
		INSERT INTO tasks (value, priority)
		VALUES ($1, $2)
		ON CONFLICT (value) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, value, priority); err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}
	return nil
}

// Remove deletes a task from the backlog. Returns an error if the task does
// not exist.
func (r *TaskRepository) Remove(ctx context.Context, value string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE value = $1`, value)
	return execRequireRows(result, err, fmt.Errorf("task not found: %s", value))
}
