// Package stages holds the per-queue stage executors (C5, §4.5): the
// extract and categorize session-level steps, and the five per-item
// steps fanned out after categorize. Every executor follows the same
// skeleton — skip if already terminal, skip if the session was
// cancelled, mark in_flight, call the provider adapter, write the
// terminal outcome atomically with its event — generalized once here
// for the per-item stages and once more for the session-level ones.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// Result is a stage's success output: the fields to persist on the item,
// plus whatever extra event-payload fields the stage wants to record.
type Result struct {
	EnglishText  *string
	FallbackUsed bool
	Description  *string
	Allergens    []models.AllergenEntry
	Ingredients  []models.IngredientEntry
	ImageRef     *string
	ImageSource  *string
	Payload      map[string]any
}

// Work performs one stage's provider call for one item against its
// current state and owning session.
type Work func(ctx context.Context, item *models.Item, session *models.Session) (*Result, error)

// ItemExecutor builds a queue.Executor for one per-item stage queue.
func ItemExecutor(st *store.Store, stage models.Stage, work Work) queue.Executor {
	return func(ctx context.Context, task queue.Task) error {
		if task.ItemIndex == nil {
			return providers.Wrap(fmt.Errorf("%s: task carries no item_index", stage), providers.Permanent)
		}
		idx := *task.ItemIndex

		item, err := st.GetItem(ctx, task.SessionID, idx)
		if err != nil {
			return providers.Wrap(fmt.Errorf("%s: load item: %w", stage, err), providers.Permanent)
		}

		if current := item.Stage(stage); current.Status.Terminal() {
			_, _ = st.AppendEvent(ctx, task.SessionID, models.EventStageSkippedDup, map[string]any{
				"item_index": idx, "stage": stage,
			})
			return nil
		}

		session, err := st.GetSession(ctx, task.SessionID)
		if err != nil {
			return providers.Wrap(fmt.Errorf("%s: load session: %w", stage, err), providers.Permanent)
		}

		if session.CancelRequested {
			return skipItemStage(ctx, st, task.SessionID, idx, stage, item.Stage(stage).Attempt)
		}

		if _, err := st.MarkItemStageInFlight(ctx, task.SessionID, idx, stage, task.Attempt); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return providers.Wrap(fmt.Errorf("%s: mark in_flight: %w", stage, err), providers.Transient)
		}

		result, workErr := work(ctx, item, session)
		if workErr != nil {
			return workErr
		}

		t := store.StageTransition{
			ItemIndex:    idx,
			Stage:        stage,
			FromStatuses: []models.StageStatus{models.StageInFlight},
			FromAttempt:  task.Attempt,
			NewStatus:    models.StageCompleted,
			Attempt:      task.Attempt,
			EventKind:    models.EventStageCompleted,
			EventPayload: map[string]any{"item_index": idx, "stage": stage},
		}
		if result != nil {
			t.EnglishText, t.FallbackUsed = result.EnglishText, result.FallbackUsed
			t.Description = result.Description
			t.Allergens, t.Ingredients = result.Allergens, result.Ingredients
			t.ImageRef, t.ImageSource = result.ImageRef, result.ImageSource
			for k, v := range result.Payload {
				t.EventPayload[k] = v
			}
		}

		if _, err := st.ApplyStageTransition(ctx, task.SessionID, t); err != nil && !errors.Is(err, store.ErrConflict) {
			return providers.Wrap(fmt.Errorf("%s: write completion: %w", stage, err), providers.Transient)
		}
		return nil
	}
}

func skipItemStage(ctx context.Context, st *store.Store, sessionID string, idx int, stage models.Stage, attempt int) error {
	_, err := st.ApplyStageTransition(ctx, sessionID, store.StageTransition{
		ItemIndex:    idx,
		Stage:        stage,
		FromStatuses: []models.StageStatus{models.StagePending, models.StageInFlight},
		FromAttempt:  attempt,
		NewStatus:    models.StageSkipped,
		Attempt:      attempt,
		EventKind:    models.EventStageSkipped,
		EventPayload: map[string]any{"item_index": idx, "stage": stage, "reason": "cancelled"},
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return providers.Wrap(fmt.Errorf("%s: write cancellation skip: %w", stage, err), providers.Transient)
	}
	return nil
}

// DeadLetterItemStage builds a PoolConfig.OnDeadLetter for a per-item
// stage queue: once the runtime gives up retrying, write that item's
// stage_failed terminal outcome. A per-item permanent failure never
// fails the owning session (§4.6): only extract/categorize can do that.
func DeadLetterItemStage(st *store.Store, stage models.Stage) func(context.Context, queue.Task, error) error {
	return func(ctx context.Context, task queue.Task, cause error) error {
		if task.ItemIndex == nil {
			return nil
		}
		idx := *task.ItemIndex
		_, err := st.ApplyStageTransition(ctx, task.SessionID, store.StageTransition{
			ItemIndex:    idx,
			Stage:        stage,
			FromStatuses: []models.StageStatus{models.StageInFlight},
			FromAttempt:  task.Attempt,
			NewStatus:    models.StageFailed,
			Attempt:      task.Attempt,
			Error:        cause.Error(),
			EventKind:    models.EventStageFailed,
			EventPayload: map[string]any{"item_index": idx, "stage": stage, "error": cause.Error()},
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		return nil
	}
}
