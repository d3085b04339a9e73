package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reaper periodically dead-letters tasks that have been in_flight past
// their visibility timeout and have already exhausted max_attempts.
// Claim's own query already revives ordinary orphans (a worker crashed
// mid-task) back to pending; the Reaper exists for the case an orphan
// keeps getting claimed and keeps failing without anyone's Pool ever
// observing the attempt count pass the ceiling, e.g. if the executor
// panics before runTask can record the failure (§8 property 5: "no
// stage remains in_flight beyond the visibility timeout").
type Reaper struct {
	db                *sql.DB
	queue             string
	visibilityTimeout time.Duration
	maxAttempts       int
	interval          time.Duration
	onDeadLetter      func(ctx context.Context, task Task, cause error) error
}

// NewReaper builds a Reaper for one named queue. onDeadLetter, if set, is
// the same domain callback as the queue's Pool.OnDeadLetter — a task the
// Reaper sweeps up never ran through Pool.deadLetter, so without this the
// owning item's or session's stage column is left stuck at in_flight
// forever even though the task row itself is failed.
func NewReaper(db *sql.DB, queue string, visibilityTimeout time.Duration, maxAttempts int, interval time.Duration, onDeadLetter func(ctx context.Context, task Task, cause error) error) *Reaper {
	return &Reaper{db: db, queue: queue, visibilityTimeout: visibilityTimeout, maxAttempts: maxAttempts, interval: interval, onDeadLetter: onDeadLetter}
}

// Run sweeps on Reaper.interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.sweep(ctx); err != nil {
				slog.Error("queue: reaper sweep failed", "queue", r.queue, "error", err)
			} else if n > 0 {
				slog.Warn("queue: reaper dead-lettered orphaned tasks", "queue", r.queue, "count", n)
			}
		}
	}
}

const reaperCause = "orphaned past visibility timeout with attempts exhausted"

func (r *Reaper) sweep(ctx context.Context) (int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, item_index, stage, payload, attempt
		FROM tasks
		WHERE queue = $1 AND status = $2
		  AND locked_at < now() - $3::interval
		  AND attempt >= $4
	`, r.queue, StatusInFlight, r.visibilityTimeout.String(), r.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reaper select orphans: %w", err)
	}
	defer rows.Close()

	var orphans []Task
	for rows.Next() {
		var (
			t          Task
			itemIndex  sql.NullInt64
			stage      sql.NullString
			rawPayload []byte
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &itemIndex, &stage, &rawPayload, &t.Attempt); err != nil {
			return 0, fmt.Errorf("reaper scan orphan: %w", err)
		}
		if itemIndex.Valid {
			idx := int(itemIndex.Int64)
			t.ItemIndex = &idx
		}
		t.Stage = stage.String
		t.Queue = r.queue
		if len(rawPayload) > 0 {
			if err := json.Unmarshal(rawPayload, &t.Payload); err != nil {
				return 0, fmt.Errorf("reaper unmarshal orphan payload: %w", err)
			}
		}
		orphans = append(orphans, t)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reaper iterate orphans: %w", err)
	}

	var n int64
	for _, t := range orphans {
		res, err := r.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1, last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
			WHERE id = $3 AND status = $4
		`, StatusFailed, reaperCause, t.ID, StatusInFlight)
		if err != nil {
			slog.Error("queue: reaper mark failed", "queue", r.queue, "task_id", t.ID, "error", err)
			continue
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		n++
		if r.onDeadLetter == nil {
			continue
		}
		if err := r.onDeadLetter(ctx, t, errors.New(reaperCause)); err != nil {
			slog.Error("queue: reaper domain callback failed", "queue", r.queue, "task_id", t.ID, "error", err)
		}
	}
	return n, nil
}
