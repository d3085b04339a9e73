package orchestrator

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
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

func newTestEnv(t *testing.T) (*store.Store, *queue.Store, *events.Listener) {
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

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test", SSLMode: "disable",
		MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	listener := events.NewListener(dsn)
	listenerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = listener.Run(listenerCtx) }()
	time.Sleep(200 * time.Millisecond)

	return store.New(client.DB()), queue.NewStore(client.DB()), listener
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.Fail(t, "condition never became true within "+timeout.String())
}

// TestOrchestrator_FanOutAfterCategorize drives a session from
// categorize_completed through its per-item fan-out, asserting every
// independent stage gets a claimable task and the image stage is not
// enqueued until its gate resolves.
func TestOrchestrator_FanOutAfterCategorize(t *testing.T) {
	st, qs, listener := newTestEnv(t)

	o := New(st, qs, listener, nil, Config{ImageWaitTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := "sess-fanout"
	_, err := st.CreateSession(ctx, sessionID)
	require.NoError(t, err)

	o.watch(ctx, sessionID)

	items := []models.Item{
		{Index: 0, SourceText: "rice", Category: "mains"},
		{Index: 1, SourceText: "soup", Category: "sides"},
	}
	_, err = st.BulkInsertItems(ctx, sessionID, items, 0)
	require.NoError(t, err)

	for _, stage := range []string{"translate", "describe", "allergens", "ingredients"} {
		waitFor(t, 5*time.Second, func() bool {
			task, err := qs.Claim(ctx, stage, "test-worker", time.Minute)
			return err == nil && task != nil
		})
	}

	// image waits on translate; it should not be claimable immediately...
	_, err = qs.Claim(ctx, "image", "test-worker", time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	// ...but becomes claimable once ImageWaitTimeout elapses.
	waitFor(t, 5*time.Second, func() bool {
		task, err := qs.Claim(ctx, "image", "test-worker", time.Minute)
		return err == nil && task != nil
	})
}

// TestOrchestrator_CompletesWhenAllStagesTerminal drives every item's
// every stage to a terminal state and asserts the session transitions to
// completed.
func TestOrchestrator_CompletesWhenAllStagesTerminal(t *testing.T) {
	st, qs, listener := newTestEnv(t)

	o := New(st, qs, listener, nil, Config{ImageWaitTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := "sess-complete"
	_, err := st.CreateSession(ctx, sessionID)
	require.NoError(t, err)

	o.watch(ctx, sessionID)

	items := []models.Item{{Index: 0, SourceText: "rice", Category: "mains"}}
	_, err = st.BulkInsertItems(ctx, sessionID, items, 0)
	require.NoError(t, err)

	for _, stage := range []models.Stage{models.StageTranslate, models.StageDescribe, models.StageAllergens, models.StageIngredients, models.StageImage} {
		_, err := st.ApplyStageTransition(ctx, sessionID, store.StageTransition{
			ItemIndex:    0,
			Stage:        stage,
			FromStatuses: []models.StageStatus{models.StagePending, models.StageInFlight},
			FromAttempt:  0,
			NewStatus:    models.StageCompleted,
			Attempt:      0,
			EventKind:    models.EventStageCompleted,
			EventPayload: map[string]any{"item_index": 0, "stage": stage},
		})
		require.NoError(t, err)
	}

	waitFor(t, 5*time.Second, func() bool {
		sess, err := st.GetSession(ctx, sessionID)
		return err == nil && sess.Status == models.SessionCompleted
	})
}

// TestCancelRegistry_ScopesContextPerSession asserts that cancelling one
// session's context leaves another session's untouched.
func TestCancelRegistry_ScopesContextPerSession(t *testing.T) {
	reg := NewCancelRegistry()
	parent := context.Background()

	ctxA := reg.Register(parent, "a")
	ctxB := reg.Register(parent, "b")

	reg.Cancel("a")

	select {
	case <-ctxA.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session a's context to be cancelled")
	}

	select {
	case <-ctxB.Done():
		t.Fatal("session b's context should not be cancelled")
	default:
	}
}
