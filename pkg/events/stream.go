package events

import (
	"context"
	"log/slog"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// catchupPageSize bounds a single catchup read; the stream loop re-reads in
// pages until caught up, so this only bounds per-query memory.
const catchupPageSize = 200

// Stream drains durable events with seq > cursor, then stays attached to
// the live fan-out channel, deduplicating by seq, until ctx is cancelled
// (§4.3: "first drains durable events with seq > c, then attaches to the
// fan-out channel, deduplicating by seq"). The returned channel is closed
// when ctx is done or the underlying store read fails.
func Stream(ctx context.Context, st *store.Store, listener *Listener, sessionID string, cursor int64) <-chan models.Event {
	out := make(chan models.Event, 64)

	go func() {
		defer close(out)

		// Subscribe before catchup so no notification is missed in the
		// window between the catchup read and attaching live.
		live := listener.Subscribe(ctx, sessionID)

		last := cursor
		if !drainFrom(ctx, st, sessionID, &last, out) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case seq, ok := <-live:
				if !ok {
					return
				}
				if seq <= last {
					continue // already delivered via catchup or a prior notification
				}
				if !drainFrom(ctx, st, sessionID, &last, out) {
					return
				}
			}
		}
	}()

	return out
}

// drainFrom reads and emits every event after *last, advancing *last as
// it goes, paging until the store has nothing further. Returns false if
// ctx was cancelled or the read failed (already logged).
func drainFrom(ctx context.Context, st *store.Store, sessionID string, last *int64, out chan<- models.Event) bool {
	for {
		evs, err := st.ReadEvents(ctx, sessionID, *last, catchupPageSize)
		if err != nil {
			slog.Error("events: catchup read failed", "session_id", sessionID, "error", err)
			return false
		}
		for _, e := range evs {
			select {
			case out <- e:
			case <-ctx.Done():
				return false
			}
			*last = e.Seq
		}
		if len(evs) < catchupPageSize {
			return true
		}
	}
}
