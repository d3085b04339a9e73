package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
)

// streamEventsHandler handles GET /v1/sessions/{id}/events?cursor=N: a
// long-lived SSE stream that replays durable events after cursor, then
// tails the live fan-out channel (§4.7). A reconnect with a stale cursor
// for a session whose retention window has already elapsed gets 410
// instead of an empty stream, so the client knows to stop retrying rather
// than wait forever.
func (s *Server) streamEventsHandler(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	retention := s.cfg.Session.RetentionSeconds
	if retention > 0 && sess.Status != models.SessionProcessing {
		expiresAt := sess.UpdatedAt.Add(time.Duration(retention) * time.Second)
		if time.Now().After(expiresAt) {
			c.JSON(http.StatusGone, gin.H{"error": "session past retention"})
			return
		}
	}

	cursor := int64(0)
	if v := c.Query("cursor"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = parsed
	}

	stream := events.Stream(ctx, s.store, s.listener, sessionID, cursor)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(s.cfg.Stream.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev.Wire())
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{})
			return true
		case <-ctx.Done():
			return false
		}
	})
}
