// Package queue is the Task Queue Runtime (C4, §4.4): named queues backed
// by one `tasks` table, claimed with `SELECT ... FOR UPDATE SKIP LOCKED`
// so multiple worker processes on multiple machines never double-claim a
// row, acquire-before-work visibility timeouts, and exponential-backoff
// retry with dead-lettering.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a task's position in its acquire/retry lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one unit of work on a named queue. ItemIndex is nil for
// session-level tasks (extract, categorize); Stage is empty for those too.
type Task struct {
	ID          string
	Queue       string
	SessionID   string
	ItemIndex   *int
	Stage       string
	Payload     map[string]any
	Status      Status
	Attempt     int
	AvailableAt time.Time
	LockedBy    string
	LastError   string
}

// NewTaskID generates a fresh task identifier.
func NewTaskID() string { return uuid.NewString() }

func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		p = map[string]any{}
	}
	return json.Marshal(p)
}
