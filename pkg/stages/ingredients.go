package stages

import (
	"context"
	"errors"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

var errNoIngredientDetector = errors.New("ingredients: no provider configured")

// IngredientsExecutor builds the ingredients queue's executor, independent
// of translate like describe and allergens (§4.6).
func IngredientsExecutor(st *store.Store, reg *providers.Registry) queue.Executor {
	return ItemExecutor(st, models.StageIngredients, func(ctx context.Context, item *models.Item, _ *models.Session) (*Result, error) {
		if reg.Ingredients == nil {
			return nil, providers.Wrap(errNoIngredientDetector, providers.Permanent)
		}
		res, err := reg.Ingredients.DetectIngredients(ctx, item.DisplayName(), item.Category)
		if err != nil {
			return nil, err
		}
		return &Result{
			Ingredients: res.Ingredients,
			Payload:     map[string]any{"confidence": res.Confidence},
		}, nil
	})
}
