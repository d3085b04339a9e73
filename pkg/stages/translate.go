package stages

import (
	"context"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// TranslateExecutor builds the translate queue's executor: the three-tier
// fallback chain of §4.5 (primary → secondary → identity). Because
// TranslateWithFallback always returns a usable result, this stage never
// itself produces a classified error — only ItemExecutor's own steps
// (loading the item/session, the in_flight and completion writes) can
// fail it.
func TranslateExecutor(st *store.Store, reg *providers.Registry) queue.Executor {
	return ItemExecutor(st, models.StageTranslate, func(ctx context.Context, item *models.Item, _ *models.Session) (*Result, error) {
		res, fallback := providers.TranslateWithFallback(ctx, reg.TranslatePrimary, reg.TranslateSecondary, item.SourceText, "ja", "en")
		text := res.Text
		return &Result{
			EnglishText:  &text,
			FallbackUsed: fallback,
			Payload:      map[string]any{"fallback_used": fallback, "detected_lang": res.DetectedLang},
		}, nil
	})
}
