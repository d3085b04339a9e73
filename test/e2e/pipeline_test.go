// Package e2e drives the full pipeline — extract through session_completed
// — against real worker pools and a real Postgres instance, with fake
// provider adapters standing in for the out-of-scope OCR/translation/image
// vendors (§4.1/§9).
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/masking"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/stages"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// newEnv starts a disposable Postgres container with migrations applied
// and returns every handle the pipeline needs, mirroring the shared
// per-package container pattern used by each unit-test suite in this repo.
func newEnv(t *testing.T) (*store.Store, *queue.Store, *events.Listener) {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test"), postgres.WithUsername("test"), postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dbCfg := database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test", SSLMode: "disable",
		MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	}
	client, err := database.NewClient(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	listener := events.NewListener(dbCfg.DSN())
	listenerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = listener.Run(listenerCtx) }()
	time.Sleep(200 * time.Millisecond)

	return store.New(client.DB()), queue.NewStore(client.DB()), listener
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractText(ctx context.Context, imageBytes []byte) (*providers.ExtractResult, error) {
	return &providers.ExtractResult{
		FullText: "ラーメン 950円\nぎょうざ 500円",
		Tokens:   []models.Token{{Text: "ラーメン"}, {Text: "950円"}, {Text: "ぎょうざ"}, {Text: "500円"}},
	}, nil
}

type fakeCategorizer struct{}

func (fakeCategorizer) CategorizeMenu(ctx context.Context, fullText string, tokens []models.Token) ([]providers.Category, error) {
	return []providers.Category{
		{Name: "Noodles", Items: []providers.CategoryItem{{Name: "ラーメン", Price: "950"}}},
		{Name: "Sides", Items: []providers.CategoryItem{{Name: "ぎょうざ", Price: "500"}}},
	}, nil
}

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (*providers.TranslateResult, error) {
	translations := map[string]string{"ラーメン": "Ramen", "ぎょうざ": "Gyoza"}
	out, ok := translations[text]
	if !ok {
		out = text
	}
	return &providers.TranslateResult{Text: out, DetectedLang: "ja"}, nil
}

type fakeDescriber struct{}

func (fakeDescriber) Describe(ctx context.Context, name, category string) (*providers.DescribeResult, error) {
	return &providers.DescribeResult{Description: name + " is a " + category + " dish."}, nil
}

type fakeAllergens struct{}

func (fakeAllergens) DetectAllergens(ctx context.Context, name, category string) (*providers.AllergensResult, error) {
	return &providers.AllergensResult{Entries: []models.AllergenEntry{{Name: "gluten"}}, Confidence: 0.8}, nil
}

type fakeIngredients struct{}

func (fakeIngredients) DetectIngredients(ctx context.Context, name, category string) (*providers.IngredientsResult, error) {
	return &providers.IngredientsResult{Ingredients: []models.IngredientEntry{{Name: "noodles"}}, Confidence: 0.8}, nil
}

type fakeImageFinder struct{}

func (fakeImageFinder) FindOrGenerateImage(ctx context.Context, name, category, description string) (*providers.ImageResult, error) {
	return &providers.ImageResult{URL: "https://example.test/" + name + ".jpg"}, nil
}

// TestE2E_FullPipelineCompletes drives a two-item menu photo from upload
// through every stage's real worker pool and asserts the session reaches
// completed with both items fully enriched.
func TestE2E_FullPipelineCompletes(t *testing.T) {
	st, qs, listener := newEnv(t)

	masker := masking.NewService(masking.Config{})
	reg := &providers.Registry{
		Extractor:        fakeExtractor{},
		Categorizer:      fakeCategorizer{},
		TranslatePrimary: fakeTranslator{},
		Describer:        fakeDescriber{},
		Allergens:        fakeAllergens{},
		Ingredients:      fakeIngredients{},
		ImageSearch:      fakeImageFinder{},
	}

	orch := orchestrator.New(st, qs, listener, nil, orchestrator.Config{ImageWaitTimeout: time.Hour})

	pools := []*queue.Pool{
		queue.NewPool(queue.PoolConfig{Queue: "ocr", Concurrency: 1, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterSessionStage(st, models.SessionStageExtract), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.ExtractExecutor(st, reg, masker)),
		queue.NewPool(queue.PoolConfig{Queue: "categorize", Concurrency: 1, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterSessionStage(st, models.SessionStageCategorize), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.CategorizeExecutor(st, reg, 0)),
		queue.NewPool(queue.PoolConfig{Queue: "translate", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageTranslate), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.TranslateExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "describe", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageDescribe), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.DescribeExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "allergens", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageAllergens), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.AllergensExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "ingredients", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageIngredients), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.IngredientsExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "image", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageImage), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.ImageExecutor(st, reg)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, p := range pools {
		go p.Run(ctx)
	}

	sessionID := "sess-e2e-full"
	_, err := st.CreateSession(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, orch.StartSession(ctx, sessionID, []byte("fake-jpeg-bytes")))

	require.Eventually(t, func() bool {
		sess, err := st.GetSession(ctx, sessionID)
		return err == nil && sess.Status == models.SessionCompleted
	}, 20*time.Second, 50*time.Millisecond, "session never completed")

	items, err := st.ListItems(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	for _, it := range items {
		assert.NotEmpty(t, it.EnglishText)
		assert.Equal(t, models.StageCompleted, it.TranslateStage.Status)
		assert.Equal(t, models.StageCompleted, it.DescribeStage.Status)
		assert.Equal(t, models.StageCompleted, it.AllergensStage.Status)
		assert.Equal(t, models.StageCompleted, it.IngredientsStage.Status)
		assert.Equal(t, models.StageCompleted, it.ImageStage.Status)
		assert.NotEmpty(t, it.Description)
		assert.NotEmpty(t, it.ImageRef)
	}
}

// TestE2E_CancelMidPipelineStopsBeforeCompletion requests cancellation
// right after the fan-out starts and asserts the session settles into
// cancelled rather than completed, without panicking any in-flight
// executor.
func TestE2E_CancelMidPipelineStopsBeforeCompletion(t *testing.T) {
	st, qs, listener := newEnv(t)

	masker := masking.NewService(masking.Config{})
	reg := &providers.Registry{
		Extractor:        fakeExtractor{},
		Categorizer:      fakeCategorizer{},
		TranslatePrimary: fakeTranslator{},
		Describer:        fakeDescriber{},
		Allergens:        fakeAllergens{},
		Ingredients:      fakeIngredients{},
		ImageSearch:      fakeImageFinder{},
	}

	orch := orchestrator.New(st, qs, listener, nil, orchestrator.Config{ImageWaitTimeout: time.Hour})

	pools := []*queue.Pool{
		queue.NewPool(queue.PoolConfig{Queue: "ocr", Concurrency: 1, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterSessionStage(st, models.SessionStageExtract), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.ExtractExecutor(st, reg, masker)),
		queue.NewPool(queue.PoolConfig{Queue: "categorize", Concurrency: 1, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterSessionStage(st, models.SessionStageCategorize), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.CategorizeExecutor(st, reg, 0)),
		queue.NewPool(queue.PoolConfig{Queue: "translate", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageTranslate), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.TranslateExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "describe", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageDescribe), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.DescribeExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "allergens", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageAllergens), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.AllergensExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "ingredients", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageIngredients), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.IngredientsExecutor(st, reg)),
		queue.NewPool(queue.PoolConfig{Queue: "image", Concurrency: 2, PollInterval: 20 * time.Millisecond, VisibilityTimeout: time.Minute, MaxAttempts: 3,
			OnDeadLetter: stages.DeadLetterItemStage(st, models.StageImage), DeriveContext: orch.DeriveContext, MaskError: masker.Mask,
		}, qs, stages.ImageExecutor(st, reg)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, p := range pools {
		go p.Run(ctx)
	}

	sessionID := "sess-e2e-cancel"
	_, err := st.CreateSession(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, orch.StartSession(ctx, sessionID, []byte("fake-jpeg-bytes")))
	require.NoError(t, orch.Cancel(ctx, sessionID))

	require.Eventually(t, func() bool {
		sess, err := st.GetSession(ctx, sessionID)
		return err == nil && sess.Status != models.SessionProcessing
	}, 20*time.Second, 50*time.Millisecond, "session never reached a terminal status")

	sess, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, sess.CancelRequested)
	assert.Equal(t, models.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled", sess.FailReason)
}
