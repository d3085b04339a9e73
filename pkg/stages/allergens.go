package stages

import (
	"context"
	"errors"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

var errNoAllergenDetector = errors.New("allergens: no provider configured")

// AllergensExecutor builds the allergens queue's executor, independent of
// translate like describe (§4.6).
func AllergensExecutor(st *store.Store, reg *providers.Registry) queue.Executor {
	return ItemExecutor(st, models.StageAllergens, func(ctx context.Context, item *models.Item, _ *models.Session) (*Result, error) {
		if reg.Allergens == nil {
			return nil, providers.Wrap(errNoAllergenDetector, providers.Permanent)
		}
		res, err := reg.Allergens.DetectAllergens(ctx, item.DisplayName(), item.Category)
		if err != nil {
			return nil, err
		}
		return &Result{
			Allergens: res.Entries,
			Payload:   map[string]any{"confidence": res.Confidence},
		}, nil
	})
}
