package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
)

// BulkInsertItems sets the session's total_items (invariant 6), inserts
// every item, marks categorize completed, and appends items_materialized —
// all in one transaction. This is the categorize executor's success write
// (§4.5); attempt is the categorize retry generation being completed.
func (s *Store) BulkInsertItems(ctx context.Context, sessionID string, items []models.Item, attempt int) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.SetTotalItems(ctx, tx, sessionID, len(items)); err != nil {
			return err
		}

		for _, it := range items {
			box, err := json.Marshal(it.Box)
			if err != nil {
				return fmt.Errorf("marshal box: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO items (session_id, item_index, source_text, box, category, price)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, sessionID, it.Index, it.SourceText, box, it.Category, it.Price)
			if err != nil {
				return fmt.Errorf("insert item %d: %w", it.Index, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET categorize_status = $1, categorize_attempt = $2, categorize_error = NULL, updated_at = now()
			WHERE id = $3 AND categorize_status IN ($4, $5)
		`, models.StageCompleted, attempt, sessionID, models.StagePending, models.StageInFlight)
		if err != nil {
			return fmt.Errorf("mark categorize completed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		if _, err := appendEventTx(ctx, tx, sessionID, models.EventCategorizeCompleted, map[string]any{
			"total_items": len(items),
		}); err != nil {
			return err
		}

		seq, err = appendEventTx(ctx, tx, sessionID, models.EventItemsMaterialized, map[string]any{
			"total_items": len(items),
		})
		return err
	})
	return seq, err
}

const itemColumns = `
	item_index, source_text, box, category, price,
	english_text, description, allergens, ingredients, image_ref, image_source, translate_fallback,
	translate_status, translate_attempt, translate_error,
	describe_status, describe_attempt, describe_error,
	allergens_status, allergens_attempt, allergens_error,
	ingredients_status, ingredients_attempt, ingredients_error,
	image_status, image_attempt, image_error,
	created_at, updated_at
`

type itemScanner interface {
	Scan(dest ...any) error
}

func scanItem(row itemScanner, sessionID string) (models.Item, error) {
	it := models.Item{SessionID: sessionID}
	var (
		box, allergens, ingredients                                   []byte
		category, price, englishText, description, imageRef, imageSource sql.NullString
		translateErr, describeErr, allergensErr, ingredientsErr, imageErr sql.NullString
	)
	if err := row.Scan(
		&it.Index, &it.SourceText, &box, &category, &price,
		&englishText, &description, &allergens, &ingredients, &imageRef, &imageSource, &it.TranslateFallback,
		&it.TranslateStage.Status, &it.TranslateStage.Attempt, &translateErr,
		&it.DescribeStage.Status, &it.DescribeStage.Attempt, &describeErr,
		&it.AllergensStage.Status, &it.AllergensStage.Attempt, &allergensErr,
		&it.IngredientsStage.Status, &it.IngredientsStage.Attempt, &ingredientsErr,
		&it.ImageStage.Status, &it.ImageStage.Attempt, &imageErr,
		&it.CreatedAt, &it.UpdatedAt,
	); err != nil {
		return it, err
	}

	it.Category, it.Price, it.EnglishText, it.Description = category.String, price.String, englishText.String, description.String
	it.ImageRef, it.ImageSource = imageRef.String, imageSource.String
	it.TranslateStage.Error, it.DescribeStage.Error = translateErr.String, describeErr.String
	it.AllergensStage.Error, it.IngredientsStage.Error, it.ImageStage.Error = allergensErr.String, ingredientsErr.String, imageErr.String

	if len(box) > 0 {
		var b models.Box
		if err := json.Unmarshal(box, &b); err == nil {
			it.Box = &b
		}
	}
	if len(allergens) > 0 {
		_ = json.Unmarshal(allergens, &it.Allergens)
	}
	if len(ingredients) > 0 {
		_ = json.Unmarshal(ingredients, &it.Ingredients)
	}
	return it, nil
}

// ListItems returns every item of a session, ordered by index.
func (s *Store) ListItems(ctx context.Context, sessionID string) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE session_id = $1 ORDER BY item_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows, sessionID)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetItem loads one item by (session id, index), used by stage executors
// to read the current state before acting (§4.5 step 1).
func (s *Store) GetItem(ctx context.Context, sessionID string, itemIndex int) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE session_id = $1 AND item_index = $2`, sessionID, itemIndex)
	it, err := scanItem(row, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &it, nil
}

// MarkItemStageInFlight records the start of one stage attempt and appends
// the matching stage_in_flight event atomically. It doesn't guard on the
// current attempt number — only on the stage not already having moved to a
// terminal state — since it runs once per delivery regardless of retry
// generation (§4.5 step 2).
func (s *Store) MarkItemStageInFlight(ctx context.Context, sessionID string, itemIndex int, stage models.Stage, attempt int) (int64, error) {
	col, ok := stageColumn[stage]
	if !ok {
		return 0, fmt.Errorf("mark item stage in_flight: unknown stage %q", stage)
	}
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE items SET %[1]s_status = $1, %[1]s_attempt = $2, updated_at = now()
			WHERE session_id = $3 AND item_index = $4 AND %[1]s_status IN ($5, $6)
		`, col)
		res, err := tx.ExecContext(ctx, query, models.StageInFlight, attempt, sessionID, itemIndex, models.StagePending, models.StageInFlight)
		if err != nil {
			return fmt.Errorf("mark item stage in_flight: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		var err2 error
		seq, err2 = appendEventTx(ctx, tx, sessionID, models.EventStageInFlight, map[string]any{
			"item_index": itemIndex, "stage": stage,
		})
		return err2
	})
	return seq, err
}

// StageTransition describes one atomic stage write: the new StageState
// plus whatever stage-specific result columns apply, guarded by the
// item's current status/attempt so concurrent retries converge (§5).
type StageTransition struct {
	ItemIndex int
	Stage     models.Stage

	FromStatuses []models.StageStatus // guard: only apply if current status is one of these
	FromAttempt  int                  // guard: only apply if current attempt equals this (retry generation)

	NewStatus models.StageStatus
	Attempt   int
	Error     string

	EnglishText     *string
	FallbackUsed    bool
	Description     *string
	Allergens       []models.AllergenEntry
	Ingredients     []models.IngredientEntry
	ImageRef        *string
	ImageSource     *string

	EventKind    models.EventKind
	EventPayload map[string]any
}

var stageColumn = map[models.Stage]string{
	models.StageTranslate:   "translate",
	models.StageDescribe:    "describe",
	models.StageAllergens:   "allergens",
	models.StageIngredients: "ingredients",
	models.StageImage:       "image",
}

// ApplyStageTransition updates one item's stage status/result columns and
// appends the matching event in a single transaction (§4.2: "MUST be one
// atomic unit"). If the guard clause doesn't match the row's current
// state, it returns ErrConflict and makes no changes — the no-op path for
// duplicate/idempotent re-execution (§4.4, §4.5 step 1).
func (s *Store) ApplyStageTransition(ctx context.Context, sessionID string, t StageTransition) (int64, error) {
	col, ok := stageColumn[t.Stage]
	if !ok {
		return 0, fmt.Errorf("apply stage transition: unknown stage %q", t.Stage)
	}

	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		guardStatuses := make([]any, len(t.FromStatuses))
		placeholders := ""
		args := []any{t.NewStatus, t.Attempt, nullIfEmpty(t.Error), sessionID, t.ItemIndex}
		for i, st := range t.FromStatuses {
			guardStatuses[i] = st
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, st)
		}

		setClauses := fmt.Sprintf(`%[1]s_status = $1, %[1]s_attempt = $2, %[1]s_error = $3, updated_at = now()`, col)
		extraSet, extraArgs := stageResultSet(col, t, len(args))
		if extraSet != "" {
			setClauses += ", " + extraSet
			args = append(args, extraArgs...)
		}

		query := fmt.Sprintf(`
			UPDATE items SET %s
			WHERE session_id = $4 AND item_index = $5
			  AND %s_status IN (%s) AND %s_attempt = $%d
		`, setClauses, col, placeholders, col, len(args)+1)
		args = append(args, t.FromAttempt)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply stage transition: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrConflict
		}

		var err2 error
		seq, err2 = appendEventTx(ctx, tx, sessionID, t.EventKind, t.EventPayload)
		return err2
	})
	return seq, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stageResultSet(col string, t StageTransition, argOffset int) (string, []any) {
	var set string
	var args []any
	add := func(column string, value any) {
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", column, argOffset+len(args)+1)
		args = append(args, value)
	}

	switch col {
	case "translate":
		if t.EnglishText != nil {
			add("english_text", *t.EnglishText)
			add("translate_fallback", t.FallbackUsed)
		}
	case "describe":
		if t.Description != nil {
			add("description", *t.Description)
		}
	case "allergens":
		if t.Allergens != nil {
			raw, _ := json.Marshal(t.Allergens)
			add("allergens", raw)
		}
	case "ingredients":
		if t.Ingredients != nil {
			raw, _ := json.Marshal(t.Ingredients)
			add("ingredients", raw)
		}
	case "image":
		if t.ImageRef != nil {
			add("image_ref", *t.ImageRef)
		}
		if t.ImageSource != nil {
			add("image_source", *t.ImageSource)
		}
	}
	return set, args
}
