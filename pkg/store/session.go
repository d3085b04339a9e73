package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
)

// CreateSession inserts a new session in the processing state and, in the
// same transaction, appends the session_created event (§6).
func (s *Store) CreateSession(ctx context.Context, id string) (*models.Session, error) {
	var sess *models.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO sessions (id, status)
			VALUES ($1, $2)
			RETURNING `+sessionColumns+`
		`, id, models.SessionProcessing)

		sess = &models.Session{}
		if err := scanSession(row, sess); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		_, err := appendEventTx(ctx, tx, id, models.EventSessionCreated, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id = $1
	`, id)

	sess := &models.Session{}
	if err := scanSession(row, sess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListProcessingSessionIDs returns every session still in processing
// status, for the orchestrator to re-attach a watcher to on startup
// (§4.6 crash recovery).
func (s *Store) ListProcessingSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE status = $1`, models.SessionProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list processing sessions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSessionStatus moves a session to a terminal or transitional
// status and appends the matching event atomically.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, failReason string, kind models.EventKind, payload map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = $1, fail_reason = NULLIF($2, ''), updated_at = now()
			WHERE id = $3
		`, status, failReason, id)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = appendEventTx(ctx, tx, id, kind, payload)
		return err
	})
}

// RequestCancel marks a session cancelled-by-request. Executors observe
// CancelRequested at their next checkpoint (§5).
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET cancel_requested = TRUE, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotalItems sets total_items exactly once (invariant 6: immutable
// once set). A second call is a no-op that returns ErrConflict so callers
// can distinguish "already set" from a real failure.
func (s *Store) SetTotalItems(ctx context.Context, tx *sql.Tx, sessionID string, total int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET total_items = $1, updated_at = now()
		WHERE id = $2 AND total_items IS NULL
	`, total, sessionID)
	if err != nil {
		return fmt.Errorf("set total_items: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

const sessionColumns = `
	id, status, total_items, last_seq, cancel_requested, fail_reason,
	extract_status, extract_attempt, extract_error, full_text, tokens,
	categorize_status, categorize_attempt, categorize_error,
	created_at, updated_at
`

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner, sess *models.Session) error {
	var rawTokens []byte
	if err := row.Scan(
		&sess.ID, &sess.Status, &sess.TotalItems, &sess.LastSeq,
		&sess.CancelRequested, &nullString{&sess.FailReason},
		&sess.ExtractStage.Status, &sess.ExtractStage.Attempt, &nullString{&sess.ExtractStage.Error},
		&nullString{&sess.FullText}, &rawTokens,
		&sess.CategorizeStage.Status, &sess.CategorizeStage.Attempt, &nullString{&sess.CategorizeStage.Error},
		&sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return err
	}
	if len(rawTokens) > 0 {
		if err := json.Unmarshal(rawTokens, &sess.Tokens); err != nil {
			return fmt.Errorf("unmarshal session tokens: %w", err)
		}
	}
	return nil
}

// sessionStageColumn maps a SessionStage to its column-name prefix.
var sessionStageColumn = map[models.SessionStage]string{
	models.SessionStageExtract:    "extract",
	models.SessionStageCategorize: "categorize",
}

// SessionStageTransition is the session-level counterpart of
// StageTransition, used by the extract and categorize executors (§4.5)
// for the same guarded atomic write-plus-event pattern as per-item stages.
type SessionStageTransition struct {
	Stage models.SessionStage

	FromStatuses []models.StageStatus
	FromAttempt  int

	NewStatus models.StageStatus
	Attempt   int
	Error     string

	FullText *string
	Tokens   []models.Token

	EventKind    models.EventKind
	EventPayload map[string]any
}

// MarkSessionStageInFlight records the start of one extract/categorize
// attempt and appends the matching *_in_flight event atomically. Unlike
// ApplySessionStageTransition it doesn't guard on the current attempt
// number, since it runs once per delivery regardless of which retry
// generation this is (§4.5 step 2).
func (s *Store) MarkSessionStageInFlight(ctx context.Context, sessionID string, stage models.SessionStage, attempt int, kind models.EventKind) (int64, error) {
	col := sessionStageColumn[stage]
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE sessions SET %[1]s_status = $1, %[1]s_attempt = $2, updated_at = now()
			WHERE id = $3 AND %[1]s_status IN ($4, $5)
		`, col)
		res, err := tx.ExecContext(ctx, query, models.StageInFlight, attempt, sessionID, models.StagePending, models.StageInFlight)
		if err != nil {
			return fmt.Errorf("mark session stage in_flight: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		var err2 error
		seq, err2 = appendEventTx(ctx, tx, sessionID, kind, map[string]any{"stage": stage})
		return err2
	})
	return seq, err
}

// ApplySessionStageTransition writes the terminal (or skipped) outcome of
// one extract/categorize attempt and its event atomically, guarded by the
// session's current stage status/attempt exactly like ApplyStageTransition.
func (s *Store) ApplySessionStageTransition(ctx context.Context, sessionID string, t SessionStageTransition) (int64, error) {
	col, ok := sessionStageColumn[t.Stage]
	if !ok {
		return 0, fmt.Errorf("apply session stage transition: unknown stage %q", t.Stage)
	}

	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{t.NewStatus, t.Attempt, nullIfEmpty(t.Error), sessionID}
		placeholders := ""
		for i, st := range t.FromStatuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, st)
		}

		setClauses := fmt.Sprintf(`%[1]s_status = $1, %[1]s_attempt = $2, %[1]s_error = $3, updated_at = now()`, col)
		if t.FullText != nil {
			setClauses += fmt.Sprintf(", full_text = $%d", len(args)+1)
			args = append(args, *t.FullText)
		}
		if t.Tokens != nil {
			raw, err := json.Marshal(t.Tokens)
			if err != nil {
				return fmt.Errorf("marshal tokens: %w", err)
			}
			setClauses += fmt.Sprintf(", tokens = $%d", len(args)+1)
			args = append(args, raw)
		}

		query := fmt.Sprintf(`
			UPDATE sessions SET %s
			WHERE id = $4 AND %s_status IN (%s) AND %s_attempt = $%d
		`, setClauses, col, placeholders, col, len(args)+1)
		args = append(args, t.FromAttempt)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply session stage transition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		var err2 error
		seq, err2 = appendEventTx(ctx, tx, sessionID, t.EventKind, t.EventPayload)
		return err2
	})
	return seq, err
}

// FailCategorizeTooManyItems atomically marks the categorize stage failed
// and the session failed, appending a single session_failed event (§6/§8:
// "Session exceeding session.max_items fails with a single
// session_failed{reason=too_many_items} event" — the categorize column
// still needs its own terminal write so invariant 1 holds, but that write
// doesn't get a second event of its own).
func (s *Store) FailCategorizeTooManyItems(ctx context.Context, sessionID string, attempt, itemCount int) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET categorize_status = $1, categorize_attempt = $2, categorize_error = $3,
			    status = $4, fail_reason = $5, updated_at = now()
			WHERE id = $6 AND categorize_status IN ($7, $8)
		`, models.StageFailed, attempt, "too_many_items",
			models.SessionFailed, "too_many_items",
			sessionID, models.StagePending, models.StageInFlight)
		if err != nil {
			return fmt.Errorf("fail categorize too_many_items: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		var err2 error
		seq, err2 = appendEventTx(ctx, tx, sessionID, models.EventSessionFailed,
			map[string]any{"reason": "too_many_items", "item_count": itemCount})
		return err2
	})
	return seq, err
}

// DeleteExpiredSessions deletes every terminal session whose updated_at is
// older than retention and returns how many were removed. Deleting the
// session row cascades to its items, events, and tasks (§4.3's retention
// window applies to the whole session, not individual rows within it).
func (s *Store) DeleteExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN ($1, $2)
		  AND updated_at < now() - make_interval(secs => $3)
	`, models.SessionCompleted, models.SessionFailed, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// nullString scans a nullable text column into a non-pointer string field,
// leaving it "" when the column is NULL.
type nullString struct {
	dst *string
}

func (n *nullString) Scan(src any) error {
	if src == nil {
		*n.dst = ""
		return nil
	}
	switch v := src.(type) {
	case string:
		*n.dst = v
	case []byte:
		*n.dst = string(v)
	default:
		return fmt.Errorf("nullString: unsupported source type %T", src)
	}
	return nil
}
