package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/notify"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
)

// run tails sessionID's own event log from the beginning and reacts to
// each event by enqueuing the next stage's work. Replaying from seq 0 on
// every attach — including a process-restart Resume — is what makes a
// crash between a stage's completion write and its enqueue side effect
// safe to recover from: the side effect simply fires again here, and
// every stage executor and fanOutItems are idempotent against that.
// done is closed on return so a sibling watchTimeout goroutine can stop
// waiting once the pipeline reaches a terminal state on its own.
func (o *Orchestrator) run(ctx context.Context, sessionID string, done chan<- struct{}) {
	defer close(done)
	defer o.cancels.Release(sessionID)

	log := slog.With("session_id", sessionID)
	fannedOut := false

	for ev := range events.Stream(ctx, o.store, o.listener, sessionID, 0) {
		switch ev.Kind {
		case models.EventExtractCompleted:
			if err := o.queue.Enqueue(ctx, queue.Task{Queue: "categorize", SessionID: sessionID}); err != nil {
				log.Error("enqueue categorize failed", "error", err)
			}

		case models.EventCategorizeCompleted, models.EventItemsMaterialized:
			if fannedOut {
				continue
			}
			fannedOut = true
			o.fanOutItems(ctx, sessionID)
			// A zero-item session has nothing left to fan out and will never
			// emit a stage_* event to trigger the check below, so it must be
			// driven to completion here instead (§8: zero items completes
			// immediately).
			o.checkCompletion(ctx, sessionID)

		case models.EventStageCompleted, models.EventStageFailed, models.EventStageSkipped, models.EventStageSkippedDup:
			if stageName(ev.Payload) == string(models.StageTranslate) {
				if idx, ok := itemIndex(ev.Payload); ok {
					o.enqueueImageIfNotGated(ctx, sessionID, idx)
				}
			}
			o.checkCompletion(ctx, sessionID)

		case models.EventSessionCompleted, models.EventSessionFailed, models.EventSessionCancelled:
			o.notifyTerminal(ctx, sessionID, ev)
			return
		}
	}
}

// notifyTerminal fires the outbound completion webhook once a session has
// reached a terminal status. Best-effort: notify.Service is nil-safe and
// swallows its own delivery errors, so this never affects pipeline state.
func (o *Orchestrator) notifyTerminal(ctx context.Context, sessionID string, ev models.Event) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("notify: load session failed", "session_id", sessionID, "error", err)
		return
	}

	totalItems := 0
	if sess.TotalItems != nil {
		totalItems = *sess.TotalItems
	}
	failReason, _ := ev.Payload["reason"].(string)

	o.notifier.NotifySessionCompleted(ctx, notify.SessionCompletedInput{
		SessionID:  sessionID,
		Status:     string(sess.Status),
		TotalItems: totalItems,
		FailReason: failReason,
	})
}

// watchTimeout force-fails sessionID if it is still processing once
// Config.SessionTimeout has elapsed since it was created (§5's per-session
// upper bound, the outermost of the three timeout tiers). The deadline is
// anchored to CreatedAt rather than to this call, so a process restart that
// re-attaches via Resume doesn't hand a long-stuck session a fresh window.
// It exits without acting once done is closed by run, the normal case of a
// pipeline reaching a terminal state well inside its budget.
func (o *Orchestrator) watchTimeout(ctx context.Context, sessionID string, done <-chan struct{}) {
	if o.cfg.SessionTimeout <= 0 {
		return
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("timeout watcher: load session failed", "session_id", sessionID, "error", err)
		return
	}

	wait := time.Until(sess.CreatedAt.Add(o.cfg.SessionTimeout))
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		o.forceTimeout(ctx, sessionID)
	case <-done:
	case <-ctx.Done():
	}
}

// forceTimeout writes session_failed{reason=timeout} for a session still
// processing past its deadline, re-checking status first so a session that
// already resolved normally between the timer firing and this read is left
// alone.
func (o *Orchestrator) forceTimeout(ctx context.Context, sessionID string) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("force timeout: load session failed", "session_id", sessionID, "error", err)
		return
	}
	if sess.Status != models.SessionProcessing {
		return
	}

	if err := o.store.UpdateSessionStatus(ctx, sessionID, models.SessionFailed, "timeout", models.EventSessionFailed, map[string]any{"reason": "timeout"}); err != nil {
		slog.Error("force timeout: update session failed", "session_id", sessionID, "error", err)
	}
}

// fanOutItems enqueues the four independent per-item stages for every
// item, skipping any (item, stage) that isn't currently pending (already
// handled, or already enqueued by a prior pass during catchup replay).
// The image stage is not enqueued here: it waits on translate, handled by
// waitForImageGate below.
func (o *Orchestrator) fanOutItems(ctx context.Context, sessionID string) {
	log := slog.With("session_id", sessionID)

	items, err := o.store.ListItems(ctx, sessionID)
	if err != nil {
		log.Error("fan-out: list items failed", "error", err)
		return
	}

	independent := []models.Stage{models.StageTranslate, models.StageDescribe, models.StageAllergens, models.StageIngredients}

	enqueued := 0
	for _, it := range items {
		for _, stage := range independent {
			if it.Stage(stage).Status != models.StagePending {
				continue
			}
			idx := it.Index
			if err := o.queue.Enqueue(ctx, queue.Task{
				Queue: string(stage), SessionID: sessionID, ItemIndex: &idx, Stage: string(stage),
			}); err != nil {
				log.Error("fan-out: enqueue failed", "item_index", idx, "stage", stage, "error", err)
				continue
			}
			enqueued++
			if o.cfg.FanoutChunkSize > 0 && enqueued%o.cfg.FanoutChunkSize == 0 {
				select {
				case <-time.After(o.cfg.FanoutChunkPause):
				case <-ctx.Done():
					return
				}
			}
		}

		if it.ImageStage.Status == models.StagePending {
			go o.waitForImageGate(ctx, sessionID, it.Index)
		}
	}
}

// waitForImageGate enqueues the image stage as soon as its item's
// translate stage resolves, or after ImageWaitTimeout if translate is
// still running — the image stage captions off whatever name is
// available rather than block the pipeline on a slow translation.
func (o *Orchestrator) waitForImageGate(ctx context.Context, sessionID string, itemIndex int) {
	select {
	case <-time.After(o.cfg.ImageWaitTimeout):
		o.enqueueImageIfNotGated(ctx, sessionID, itemIndex)
	case <-ctx.Done():
	}
}

// enqueueImageIfNotGated enqueues the image stage task exactly once per
// item, even though both the translate-completion event and the wait
// timeout can race to call it.
func (o *Orchestrator) enqueueImageIfNotGated(ctx context.Context, sessionID string, itemIndex int) {
	o.mu.Lock()
	gated, ok := o.imageGated[sessionID]
	if !ok {
		gated = make(map[int]bool)
		o.imageGated[sessionID] = gated
	}
	if gated[itemIndex] {
		o.mu.Unlock()
		return
	}
	gated[itemIndex] = true
	o.mu.Unlock()

	idx := itemIndex
	if err := o.queue.Enqueue(ctx, queue.Task{
		Queue: string(models.StageImage), SessionID: sessionID, ItemIndex: &idx, Stage: string(models.StageImage),
	}); err != nil {
		slog.Error("fan-out: enqueue image failed", "session_id", sessionID, "item_index", itemIndex, "error", err)
	}
}

// checkCompletion re-reads the session and its items and, once every
// item's every stage has reached a terminal state, writes the session's
// own terminal status (§4.6 completion detection). A cancel request
// resolves to failed (§4.6: "Cancellation sets session status to failed,
// emits session_cancelled") rather than a distinct status value.
func (o *Orchestrator) checkCompletion(ctx context.Context, sessionID string) {
	log := slog.With("session_id", sessionID)

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Error("completion check: load session failed", "error", err)
		return
	}
	if sess.Status != models.SessionProcessing || sess.TotalItems == nil {
		return
	}

	items, err := o.store.ListItems(ctx, sessionID)
	if err != nil {
		log.Error("completion check: list items failed", "error", err)
		return
	}
	if len(items) != *sess.TotalItems {
		return
	}
	for _, it := range items {
		if !it.AllStagesTerminal() {
			return
		}
	}

	if sess.CancelRequested {
		err = o.store.UpdateSessionStatus(ctx, sessionID, models.SessionFailed, "cancelled", models.EventSessionCancelled, nil)
	} else {
		err = o.store.UpdateSessionStatus(ctx, sessionID, models.SessionCompleted, "", models.EventSessionCompleted, nil)
	}
	if err != nil {
		log.Error("completion check: write terminal status failed", "error", err)
	}
}

func stageName(payload map[string]any) string {
	v, _ := payload["stage"].(string)
	return v
}

func itemIndex(payload map[string]any) (int, bool) {
	switch v := payload["item_index"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
