package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CounterRepository handles the per-query cycle counters.
type CounterRepository struct {
	db *sqlx.DB
}

// NewCounterRepository creates a new counter repository.
func NewCounterRepository(db *sqlx.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

// NextCycle atomically increments and returns the cycle counter for a query.
// A query seen for the first time starts at cycle 1.
func (r *CounterRepository) NextCycle(ctx context.Context, queryName string) (int64, error) {
	query := `
		INSERT INTO query_counters (query, value)
		VALUES ($1, 1)
		ON CONFLICT (query) DO UPDATE SET value = query_counters.value + 1
		RETURNING value
	`

	var cycle int64
	if err := r.db.GetContext(ctx, &cycle, query, queryName); err != nil {
		return 0, fmt.Errorf("failed to advance cycle counter: %w", err)
	}

	return cycle, nil
}
