package stages

import (
	"context"
	"errors"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

var errNoDescriber = errors.New("describe: no provider configured")

// DescribeExecutor builds the describe queue's executor. It only depends
// on items_materialized, not on translate (§4.6's DAG): it captions off
// whatever name is available at execution time, translated or not.
func DescribeExecutor(st *store.Store, reg *providers.Registry) queue.Executor {
	return ItemExecutor(st, models.StageDescribe, func(ctx context.Context, item *models.Item, _ *models.Session) (*Result, error) {
		if reg.Describer == nil {
			return nil, providers.Wrap(errNoDescriber, providers.Permanent)
		}
		res, err := reg.Describer.Describe(ctx, item.DisplayName(), item.Category)
		if err != nil {
			return nil, err
		}
		return &Result{Description: &res.Description}, nil
	})
}
