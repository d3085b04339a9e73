// Package store is the persistence layer (§4.2): sessions, items, and the
// durable event log, all backed by one PostgreSQL database. Every mutation
// that must be atomic with an event append runs inside a single
// transaction, so a subscriber never observes a state change whose event
// hasn't landed yet (§4.2).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session or item lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional write's guard clause doesn't
// match the row's current state — someone else already applied this
// transition (§4.4 idempotency, §5 guard-clause convergence).
var ErrConflict = errors.New("store: conflict")

// Store is the persistence store (C2). It holds a plain connection pool;
// no ORM or code-generated client sits between it and SQL.
type Store struct {
	db *sql.DB
}

// New wraps db as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
