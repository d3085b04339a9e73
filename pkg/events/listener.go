// Package events is the fan-out layer of the Event Bus (C3, §4.3). The
// durable log itself lives in pkg/store; this package owns the
// LISTEN/NOTIFY channel and the per-session subscriber fan-out, plus the
// catchup-then-live merge that the Session API's stream endpoint needs.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// envelope is the small payload carried on NOTIFY; subscribers use it
// only to learn "something changed for this session at this seq" and
// fetch the full event from the durable log.
type envelope struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Listener holds a dedicated Postgres connection subscribed to
// store.NotifyChannel and fans parsed notifications out to per-session
// subscriber channels. LISTEN/NOTIFY requires a single long-lived
// connection outside the pooled *sql.DB, so this uses pgx directly
// rather than database/sql.
type Listener struct {
	dsn string

	mu   sync.Mutex
	subs map[string][]chan int64
}

// NewListener creates a Listener that will dial dsn when Run starts.
func NewListener(dsn string) *Listener {
	return &Listener{dsn: dsn, subs: make(map[string][]chan int64)}
}

// Subscribe registers a channel that receives the seq of every
// notification for sessionID until ctx is done. The returned channel is
// buffered so a slow consumer doesn't stall the notification loop; if it
// ever fills, the incoming seq is dropped (a missed live
// notification only delays delivery — the durable-log catchup on
// reconnect still guarantees no loss, §4.3).
func (l *Listener) Subscribe(ctx context.Context, sessionID string) <-chan int64 {
	ch := make(chan int64, 32)

	l.mu.Lock()
	l.subs[sessionID] = append(l.subs[sessionID], ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		chans := l.subs[sessionID]
		for i, c := range chans {
			if c == ch {
				l.subs[sessionID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(l.subs[sessionID]) == 0 {
			delete(l.subs, sessionID)
		}
	}()

	return ch
}

func (l *Listener) dispatch(e envelope) {
	l.mu.Lock()
	chans := append([]chan int64(nil), l.subs[e.SessionID]...)
	l.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- e.Seq:
		default:
			slog.Warn("events: dropped slow notification consumer", "session_id", e.SessionID, "seq", e.Seq)
		}
	}
}

// Run connects, issues LISTEN, and blocks dispatching notifications until
// ctx is cancelled. It reconnects with backoff on connection loss.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.runOnce(ctx); err != nil {
			slog.Error("events: listener connection lost, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := conn.Exec(ctx, "LISTEN "+store.NotifyChannel); err != nil {
		return err
	}

	for {
		notif, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var e envelope
		if err := json.Unmarshal([]byte(notif.Payload), &e); err != nil {
			slog.Warn("events: malformed notification payload", "error", err)
			continue
		}
		l.dispatch(e)
	}
}
