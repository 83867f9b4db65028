package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides atomic CRUD over rentals, rental payments, profiles and
// domain events. It holds no business logic beyond referential lookups;
// every status transition is a conditional update keyed on the expected
// prior state.
type Store struct {
	Pool *pgxpool.Pool
}

// New constructs a Store on top of a pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}
