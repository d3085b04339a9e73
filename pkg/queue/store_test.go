package queue

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
)

func newTestStore(t *testing.T) (*Store, *database.Client) {
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

	_, err = client.DB().ExecContext(ctx, `INSERT INTO sessions (id, status) VALUES ('sess-1', 'processing')`)
	require.NoError(t, err)

	return NewStore(client.DB()), client
}

func TestStore_ClaimSkipsLockedRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, Task{Queue: "ocr", SessionID: "sess-1", Payload: map[string]any{"x": 1}}))

	task, err := s.Claim(ctx, "ocr", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", task.SessionID)

	_, err = s.Claim(ctx, "ocr", "worker-2", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestStore_RetryMakesTaskClaimableAgain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, Task{Queue: "translate", SessionID: "sess-1"}))
	task, err := s.Claim(ctx, "translate", "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Retry(ctx, task.ID, 1, time.Now().Add(-time.Second), "transient blip"))

	retried, err := s.Claim(ctx, "translate", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempt)
}

func TestStore_ExpiredInFlightTaskIsReclaimed(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, Task{Queue: "describe", SessionID: "sess-1"}))
	task, err := s.Claim(ctx, "describe", "worker-1", 10*time.Millisecond)
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx, `UPDATE tasks SET locked_at = now() - interval '1 second' WHERE id = $1`, task.ID)
	require.NoError(t, err)

	reclaimed, err := s.Claim(ctx, "describe", "worker-2", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
}

func TestStore_DeadLetter(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, Task{Queue: "allergens", SessionID: "sess-1"}))
	task, err := s.Claim(ctx, "allergens", "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.DeadLetter(ctx, task.ID, "permanent failure"))

	var status string
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, task.ID).Scan(&status))
	assert.Equal(t, string(StatusFailed), status)
}
