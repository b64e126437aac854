package state

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewService returns the Postgres-backed Service when a pool is
// provided and the in-memory Service otherwise. Local runs without a
// database get no crash recovery across restarts.
func NewService(pool *pgxpool.Pool) (Service, error) {
	if pool == nil {
		return NewMemoryService(), nil
	}
	return NewDBService(pool)
}
