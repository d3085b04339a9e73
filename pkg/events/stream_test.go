package events

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
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

func newTestEnv(t *testing.T) (*store.Store, *Listener, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test"), postgres.WithUsername("test"), postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test", SSLMode: "disable",
		MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	}
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	listener := NewListener(dsn)
	listenerCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = listener.Run(listenerCtx) }()

	// give the listener a moment to establish LISTEN before the test proceeds
	time.Sleep(200 * time.Millisecond)

	cleanup := func() {
		cancel()
		_ = client.Close()
		_ = testcontainers.TerminateContainer(pgContainer)
	}
	return store.New(client.DB()), listener, cleanup
}

func TestStream_CatchupThenLive(t *testing.T) {
	st, listener, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1")
	require.NoError(t, err)

	_, err = st.AppendEvent(ctx, "sess-1", models.EventItemsMaterialized, map[string]any{"total_items": 1})
	require.NoError(t, err)

	streamCtx, streamCancel := context.WithTimeout(ctx, 5*time.Second)
	defer streamCancel()

	out := Stream(streamCtx, st, listener, "sess-1", 0)

	// Catchup delivers both pre-existing events: session_created (seq 1)
	// and items_materialized (seq 2).
	first, ok := <-out
	require.True(t, ok)
	second, ok := <-out
	require.True(t, ok)

	_, err = st.AppendEvent(ctx, "sess-1", models.EventSessionCompleted, nil)
	require.NoError(t, err)

	third, ok := <-out
	require.True(t, ok)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, models.EventSessionCreated, first.Kind)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, models.EventItemsMaterialized, second.Kind)
	assert.Equal(t, int64(3), third.Seq)
	assert.Equal(t, models.EventSessionCompleted, third.Kind)
}
