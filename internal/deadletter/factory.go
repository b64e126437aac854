package deadletter

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewQueue returns the Postgres-backed Queue when a pool is provided
// and the in-memory Queue otherwise.
func NewQueue(pool *pgxpool.Pool) (Queue, error) {
	if pool == nil {
		return NewMemoryQueue(), nil
	}
	return NewDBQueue(pool)
}
