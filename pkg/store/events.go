package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
)

// NotifyChannel is the Postgres LISTEN/NOTIFY channel the event bus's
// fan-out layer listens on (§4.3). Postgres NOTIFY is transactional — it
// is only delivered if the enclosing transaction commits — so emitting it
// inside appendEventTx guarantees the fan-out channel never announces a
// seq that isn't already durable (§4.3's "must already exist in the
// durable log with the same seq").
const NotifyChannel = "menusense_events"

// AppendEvent allocates the next sequence number for sessionID and
// persists the event on its own (not combined with an item mutation).
// Used for session-level events (session_created, items_materialized,
// session_completed, ...).
func (s *Store) AppendEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = appendEventTx(ctx, tx, sessionID, kind, payload)
		return err
	})
	return seq, err
}

// appendEventTx allocates seq = sessions.last_seq + 1 under the row lock
// taken by the UPDATE below, and inserts the event in the same
// transaction (§4.2: atomic sequence allocation).
func appendEventTx(ctx context.Context, tx *sql.Tx, sessionID string, kind models.EventKind, payload map[string]any) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		UPDATE sessions SET last_seq = last_seq + 1, updated_at = now()
		WHERE id = $1
		RETURNING last_seq
	`, sessionID).Scan(&seq)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("allocate seq: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, kind, payload)
		VALUES ($1, $2, $3, $4)
	`, sessionID, seq, kind, raw)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	notifyPayload, err := json.Marshal(map[string]any{"session_id": sessionID, "seq": seq})
	if err != nil {
		return 0, fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(notifyPayload)); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}

	return seq, nil
}

// ReadEvents returns events for sessionID with seq > afterSeq, oldest
// first, capped at limit rows (§4.2, used for cursor catchup in §4.3/4.7).
func (s *Store) ReadEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, kind, payload FROM events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e   models.Event
			raw []byte
		)
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Kind, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		e.SessionID = sessionID
		events = append(events, e)
	}
	return events, rows.Err()
}
