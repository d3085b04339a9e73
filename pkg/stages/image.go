package stages

import (
	"context"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// ImageExecutor builds the image queue's executor. The orchestrator (C6)
// decides when to enqueue an image task — once the item's translate stage
// reaches a terminal state or a configurable timeout elapses, whichever
// comes first (§4.6) — so by the time
// this runs, translate may or may not have finished; it captions off
// whatever DisplayName/Description are on the item at that moment.
func ImageExecutor(st *store.Store, reg *providers.Registry) queue.Executor {
	return ItemExecutor(st, models.StageImage, func(ctx context.Context, item *models.Item, _ *models.Session) (*Result, error) {
		res, err := providers.FindOrGenerateImage(ctx, reg.ImageSearch, reg.ImageSynthesis, item.DisplayName(), item.Category, item.Description)
		if err != nil {
			return nil, err
		}
		ref := res.URL
		source := res.Source
		return &Result{
			ImageRef:    &ref,
			ImageSource: &source,
			Payload:     map[string]any{"source": res.Source, "attribution": res.Attribution},
		}, nil
	})
}
