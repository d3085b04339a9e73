// Package orchestrator is the Pipeline Orchestrator (C6, §4.6): the only
// component that decides *when* the next stage's tasks get enqueued. The
// stage executors (C5) perform one unit of work and write its outcome;
// they never enqueue downstream work themselves. The orchestrator learns
// what happened by tailing each session's own event stream (C3) and reacts
// by enqueuing onto the task queue (C4).
package orchestrator

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/notify"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// Config tunes the fan-out behavior described in §4.6.
type Config struct {
	// FanoutChunkSize caps how many stage tasks are enqueued before a
	// pause, smoothing the insert burst for a large menu. 0 disables
	// pausing (enqueue everything in one pass).
	FanoutChunkSize int
	// FanoutChunkPause is how long to pause between chunks.
	FanoutChunkPause time.Duration
	// ImageWaitTimeout bounds how long the image stage waits on translate
	// before running independently off whatever name is available.
	ImageWaitTimeout time.Duration
	// SessionTimeout is the per-session upper bound (§5's three-tier
	// timeout model): a session still processing past this long after
	// creation is force-failed regardless of which stage it's stuck in.
	// 0 disables the force-fail timer.
	SessionTimeout time.Duration
}

// Orchestrator drives every session's pipeline from extract through
// session_completed (or session_cancelled/session_failed).
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Store
	listener *events.Listener
	cancels  *CancelRegistry
	cfg      Config
	notifier *notify.Service

	mu         sync.Mutex
	imageGated map[string]map[int]bool
}

// New builds an Orchestrator. listener must already be running (Run is
// the caller's responsibility, same as any other long-lived background
// loop in this process). notifier may be nil (no outbound webhook
// configured); its methods are nil-safe no-ops.
func New(st *store.Store, qs *queue.Store, listener *events.Listener, notifier *notify.Service, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		queue:      qs,
		listener:   listener,
		notifier:   notifier,
		cfg:        cfg,
		cancels:    NewCancelRegistry(),
		imageGated: make(map[string]map[int]bool),
	}
}

// DeriveContext is wired as every queue.PoolConfig.DeriveContext so a
// stage executor's provider call is automatically scoped to its owning
// session's cancel registry entry (§5).
func (o *Orchestrator) DeriveContext(ctx context.Context, task queue.Task) context.Context {
	return o.cancels.Context(ctx, task.SessionID)
}

// StartSession enqueues the extract task for a freshly created session and
// attaches its watcher goroutine. Session creation itself — the store
// write and its session_created event — is the API handler's job (§6);
// by the time this is called the row and event already exist.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string, imageBytes []byte) error {
	payload := map[string]any{"image_base64": base64.StdEncoding.EncodeToString(imageBytes)}
	if err := o.queue.Enqueue(ctx, queue.Task{Queue: "ocr", SessionID: sessionID, Payload: payload}); err != nil {
		return err
	}
	o.watch(ctx, sessionID)
	return nil
}

// Resume re-attaches a watcher to every session handed to it that isn't
// already in a terminal status, so a restarted process picks every
// in-flight pipeline back up. Each watcher's catchup replay of the
// durable event log re-derives whatever enqueues a crash may have lost:
// idempotent executors (§4.4) and idempotent, status-guarded fan-out make
// re-deriving them safe rather than duplicating work.
func (o *Orchestrator) Resume(ctx context.Context, sessionIDs []string) {
	for _, id := range sessionIDs {
		o.watch(ctx, id)
	}
}

// Cancel marks a session cancel-requested and unblocks any executor
// currently mid-call for it. A task not yet claimed resolves to skipped
// the next time a stage executor checks CancelRequested, without ever
// starting real work (§5).
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	if err := o.store.RequestCancel(ctx, sessionID); err != nil {
		return err
	}
	o.cancels.Cancel(sessionID)
	return nil
}

func (o *Orchestrator) watch(parent context.Context, sessionID string) {
	ctx := o.cancels.Register(parent, sessionID)
	done := make(chan struct{})
	go o.run(ctx, sessionID, done)
	go o.watchTimeout(ctx, sessionID, done)
}
