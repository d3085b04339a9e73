package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmpty is returned by Claim when the queue has no claimable task.
var ErrEmpty = errors.New("queue: empty")

// Store is the `tasks` table's data-access layer, shared by every named
// queue's worker pool.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Enqueue inserts a new pending task, immediately available.
func (s *Store) Enqueue(ctx context.Context, t Task) error {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	availableAt := t.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, session_id, item_index, stage, payload, status, attempt, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Queue, t.SessionID, t.ItemIndex, nullIfEmpty(t.Stage), payload, StatusPending, t.Attempt, availableAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Claim atomically selects one claimable task on queueName — pending
// and due (available_at <= now), or in_flight past its visibility
// timeout — locks it with FOR UPDATE SKIP LOCKED so concurrent workers
// never race on the same row, and marks it in_flight under workerID
// (§4.4: acquire-before-work).
func (s *Store) Claim(ctx context.Context, queueName, workerID string, visibilityTimeout time.Duration) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, item_index, stage, payload, attempt
		FROM tasks
		WHERE queue = $1
		  AND (
		    (status = $2 AND available_at <= now())
		    OR (status = $3 AND locked_at < now() - $4::interval)
		  )
		ORDER BY available_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, queueName, StatusPending, StatusInFlight, visibilityTimeout.String())

	var (
		t          Task
		itemIndex  sql.NullInt64
		stage      sql.NullString
		rawPayload []byte
	)
	if err := row.Scan(&t.ID, &t.SessionID, &itemIndex, &stage, &rawPayload, &t.Attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("claim scan: %w", err)
	}

	if itemIndex.Valid {
		idx := int(itemIndex.Int64)
		t.ItemIndex = &idx
	}
	t.Stage = stage.String
	t.Queue = queueName
	t.Status = StatusInFlight
	t.LockedBy = workerID
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, locked_at = now(), locked_by = $2, updated_at = now()
		WHERE id = $3
	`, StatusInFlight, workerID, t.ID); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &t, nil
}

// Complete marks a task completed after its executor succeeded.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $2
	`, StatusCompleted, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Retry returns a task to pending, due at availableAt, bumping its
// attempt count and recording the last error (§4.4 retry policy).
func (s *Store) Retry(ctx context.Context, taskID string, attempt int, availableAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, attempt = $2, available_at = $3, last_error = $4,
		    locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $5
	`, StatusPending, attempt, availableAt, lastErr, taskID)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

// DeadLetter marks a task permanently failed after exhausting max_attempts
// or hitting a classified-permanent error (§4.4 dead-letter).
func (s *Store) DeadLetter(ctx context.Context, taskID string, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $3
	`, StatusFailed, lastErr, taskID)
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
