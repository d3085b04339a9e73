package stages

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/masking"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

var (
	errNoExtractor   = errors.New("extract: no provider configured")
	errNoCategorizer = errors.New("categorize: no provider configured")
)

// ExtractExecutor builds the ocr queue's executor: the session-scaffold
// OCR step that gates everything downstream (§4.5, §4.6). The uploaded
// image is carried on the task payload as base64 — blob storage for the
// original upload is out of scope (§1) — and extract's output (full text
// plus tokens) is written back onto the session row for categorize to
// read.
func ExtractExecutor(st *store.Store, reg *providers.Registry, masker *masking.Service) queue.Executor {
	return func(ctx context.Context, task queue.Task) error {
		session, err := st.GetSession(ctx, task.SessionID)
		if err != nil {
			return providers.Wrap(fmt.Errorf("extract: load session: %w", err), providers.Permanent)
		}

		if session.ExtractStage.Status.Terminal() {
			_, _ = st.AppendEvent(ctx, task.SessionID, models.EventStageSkippedDup, map[string]any{"stage": models.SessionStageExtract})
			return nil
		}
		if session.CancelRequested {
			return skipSessionStage(ctx, st, task.SessionID, models.SessionStageExtract, session.ExtractStage.Attempt)
		}

		if reg.Extractor == nil {
			return providers.Wrap(errNoExtractor, providers.Permanent)
		}

		if _, err := st.MarkSessionStageInFlight(ctx, task.SessionID, models.SessionStageExtract, task.Attempt, models.EventExtractInFlight); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return providers.Wrap(fmt.Errorf("extract: mark in_flight: %w", err), providers.Transient)
		}

		raw, _ := task.Payload["image_base64"].(string)
		imageBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return providers.Wrap(fmt.Errorf("extract: decode image payload: %w", err), providers.Permanent)
		}

		res, err := reg.Extractor.ExtractText(ctx, imageBytes)
		if err != nil {
			return err
		}

		slog.Debug("extract completed", "session_id", task.SessionID, "text_preview", masker.Preview(res.FullText))

		fullText := res.FullText
		_, err = st.ApplySessionStageTransition(ctx, task.SessionID, store.SessionStageTransition{
			Stage:        models.SessionStageExtract,
			FromStatuses: []models.StageStatus{models.StageInFlight},
			FromAttempt:  task.Attempt,
			NewStatus:    models.StageCompleted,
			Attempt:      task.Attempt,
			FullText:     &fullText,
			Tokens:       res.Tokens,
			EventKind:    models.EventExtractCompleted,
			EventPayload: map[string]any{"token_count": len(res.Tokens)},
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return providers.Wrap(fmt.Errorf("extract: write completion: %w", err), providers.Transient)
		}
		return nil
	}
}

// CategorizeExecutor builds the categorize queue's executor: groups
// extract's output into named categories of items and materializes them
// (§4.5), triggering the per-item fan-out the orchestrator drives off
// items_materialized. maxItems bounds the materialized item count (§8's
// session.max_items edge case); 0 disables the check.
func CategorizeExecutor(st *store.Store, reg *providers.Registry, maxItems int) queue.Executor {
	return func(ctx context.Context, task queue.Task) error {
		session, err := st.GetSession(ctx, task.SessionID)
		if err != nil {
			return providers.Wrap(fmt.Errorf("categorize: load session: %w", err), providers.Permanent)
		}

		if session.CategorizeStage.Status.Terminal() {
			_, _ = st.AppendEvent(ctx, task.SessionID, models.EventStageSkippedDup, map[string]any{"stage": models.SessionStageCategorize})
			return nil
		}
		if session.CancelRequested {
			return skipSessionStage(ctx, st, task.SessionID, models.SessionStageCategorize, session.CategorizeStage.Attempt)
		}

		if reg.Categorizer == nil {
			return providers.Wrap(errNoCategorizer, providers.Permanent)
		}

		if _, err := st.MarkSessionStageInFlight(ctx, task.SessionID, models.SessionStageCategorize, task.Attempt, models.EventCategorizeInFlight); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return providers.Wrap(fmt.Errorf("categorize: mark in_flight: %w", err), providers.Transient)
		}

		cats, err := reg.Categorizer.CategorizeMenu(ctx, session.FullText, session.Tokens)
		if err != nil {
			return err
		}

		items := make([]models.Item, 0, len(cats))
		idx := 0
		for _, cat := range cats {
			for _, ci := range cat.Items {
				items = append(items, models.Item{
					Index:      idx,
					SourceText: ci.Name,
					Category:   cat.Name,
					Price:      ci.Price,
				})
				idx++
			}
		}

		if maxItems > 0 && len(items) > maxItems {
			_, err := st.FailCategorizeTooManyItems(ctx, task.SessionID, task.Attempt, len(items))
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return providers.Wrap(fmt.Errorf("categorize: write too_many_items failure: %w", err), providers.Transient)
			}
			return nil
		}

		if _, err := st.BulkInsertItems(ctx, task.SessionID, items, task.Attempt); err != nil && !errors.Is(err, store.ErrConflict) {
			return providers.Wrap(fmt.Errorf("categorize: write completion: %w", err), providers.Transient)
		}
		return nil
	}
}

func skipSessionStage(ctx context.Context, st *store.Store, sessionID string, stage models.SessionStage, attempt int) error {
	_, err := st.ApplySessionStageTransition(ctx, sessionID, store.SessionStageTransition{
		Stage:        stage,
		FromStatuses: []models.StageStatus{models.StagePending, models.StageInFlight},
		FromAttempt:  attempt,
		NewStatus:    models.StageSkipped,
		Attempt:      attempt,
		EventKind:    models.EventStageSkipped,
		EventPayload: map[string]any{"stage": stage, "reason": "cancelled"},
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return providers.Wrap(fmt.Errorf("%s: write cancellation skip: %w", stage, err), providers.Transient)
	}
	return nil
}

// DeadLetterSessionStage builds a PoolConfig.OnDeadLetter for the ocr or
// categorize queue: once the runtime gives up retrying, write that
// session stage's terminal failure and fail the whole session — the one
// case where a stage failure is fatal to the run (§4.6: "fatal_scaffold").
func DeadLetterSessionStage(st *store.Store, stage models.SessionStage) func(context.Context, queue.Task, error) error {
	failKind := models.EventExtractFailed
	if stage == models.SessionStageCategorize {
		failKind = models.EventCategorizeFailed
	}
	return func(ctx context.Context, task queue.Task, cause error) error {
		_, err := st.ApplySessionStageTransition(ctx, task.SessionID, store.SessionStageTransition{
			Stage:        stage,
			FromStatuses: []models.StageStatus{models.StageInFlight},
			FromAttempt:  task.Attempt,
			NewStatus:    models.StageFailed,
			Attempt:      task.Attempt,
			Error:        cause.Error(),
			EventKind:    failKind,
			EventPayload: map[string]any{"stage": stage, "error": cause.Error()},
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		return st.UpdateSessionStatus(ctx, task.SessionID, models.SessionFailed,
			fmt.Sprintf("fatal_scaffold: %s failed: %s", stage, cause.Error()),
			models.EventSessionFailed, map[string]any{"reason": "fatal_scaffold", "stage": stage})
	}
}
