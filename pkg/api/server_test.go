package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/config"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// pngMagic is enough of a PNG header for http.DetectContentType to
// classify the upload as image/png without needing a decodable image.
var pngMagic = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func newTestServer(t *testing.T) *Server {
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
		MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	}
	client, err := database.NewClient(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	listener := events.NewListener(dsn)
	listenerCtx, cancelListener := context.WithCancel(context.Background())
	t.Cleanup(cancelListener)
	go func() { _ = listener.Run(listenerCtx) }()
	time.Sleep(200 * time.Millisecond)

	st := store.New(client.DB())
	qs := queue.NewStore(client.DB())
	orch := orchestrator.New(st, qs, listener, nil, orchestrator.Config{})
	cfg := config.DefaultConfig()

	return NewServer(cfg, client, st, listener, orch)
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.StartWithListener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func TestCreateGetCancelSession_RoundTrip(t *testing.T) {
	srv := newTestServer(t)
	baseURL := startServer(t, srv)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "menu.png")
	require.NoError(t, err)
	_, err = part.Write(pngMagic)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/sessions", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)

	snapResp, err := http.Get(baseURL + "/v1/sessions/" + created.SessionID)
	require.NoError(t, err)
	defer snapResp.Body.Close()
	assert.Equal(t, http.StatusOK, snapResp.StatusCode)

	cancelReq, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/sessions/"+created.SessionID, nil)
	require.NoError(t, err)
	cancelResp, err := http.DefaultClient.Do(cancelReq)
	require.NoError(t, err)
	defer cancelResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
}

func TestGetSession_NotFound(t *testing.T) {
	srv := newTestServer(t)
	baseURL := startServer(t, srv)

	resp, err := http.Get(baseURL + "/v1/sessions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSession_ReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t)
	baseURL := startServer(t, srv)

	ctx := context.Background()
	_, err := srv.store.CreateSession(ctx, "sess-snapshot")
	require.NoError(t, err)

	resp, err := http.Get(baseURL + "/v1/sessions/sess-snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "sess-snapshot", body["session_id"])
	assert.Equal(t, "processing", body["status"])
}

func TestCancelSession_NotFound(t *testing.T) {
	srv := newTestServer(t)
	baseURL := startServer(t, srv)

	req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/sessions/does-not-exist", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelSession_Accepted(t *testing.T) {
	srv := newTestServer(t)
	baseURL := startServer(t, srv)

	ctx := context.Background()
	_, err := srv.store.CreateSession(ctx, "sess-cancel")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/sessions/sess-cancel", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	sess, err := srv.store.GetSession(ctx, "sess-cancel")
	require.NoError(t, err)
	assert.True(t, sess.CancelRequested)
}
