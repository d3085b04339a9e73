package models

import "time"

// SessionStatus is the lifecycle state of a pipeline run (§3).
type SessionStatus string

const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// SessionStage names the two session-level (pre-fan-out) pipeline steps,
// kept distinct from the per-item Stage enum since they run once per
// session rather than once per item (§4.5).
type SessionStage string

const (
	SessionStageExtract    SessionStage = "extract"
	SessionStageCategorize SessionStage = "categorize"
)

// Session is one upload-triggered pipeline run. TotalItems is nil until
// categorize completes (invariant 6: immutable once set). FullText and
// Tokens hold extract's output, read back by categorize; they are scratch
// state, not part of the session snapshot.
type Session struct {
	ID              string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	TotalItems      *int          `json:"total_items,omitempty"`
	LastSeq         int64         `json:"last_seq"`
	CancelRequested bool          `json:"-"`
	FailReason      string        `json:"fail_reason,omitempty"`

	ExtractStage    StageState `json:"-"`
	CategorizeStage StageState `json:"-"`
	FullText        string     `json:"-"`
	Tokens          []Token    `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateSessionRequest carries the decoded upload needed to start a session.
// The upload handler in pkg/api reads the multipart file itself and passes
// the image bytes straight to the orchestrator; it does not build this type.
type CreateSessionRequest struct {
	ImageBytes []byte
}

// SessionSnapshot is the §6 GET /v1/sessions/{id} response body.
type SessionSnapshot struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	TotalItems int           `json:"total_items"`
	Items      []ItemView    `json:"items"`
	LastSeq    int64         `json:"last_seq"`
}
