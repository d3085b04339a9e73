package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	assert.NotPanics(t, func() {
		s.NotifySessionCompleted(context.Background(), SessionCompletedInput{SessionID: "sess-1", Status: "completed"})
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when URL empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{}))
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{URL: "https://example.com/hook"})
		assert.NotNil(t, svc)
	})
}

func TestService_NotifySessionCompleted_PostsPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(ServiceConfig{URL: srv.URL})
	svc.NotifySessionCompleted(context.Background(), SessionCompletedInput{
		SessionID:  "sess-1",
		Status:     "completed",
		TotalItems: 5,
	})

	select {
	case p := <-received:
		assert.Equal(t, "sess-1", p.SessionID)
		assert.Equal(t, "completed", p.Status)
		assert.Equal(t, 5, p.TotalItems)
	default:
		t.Fatal("webhook was not called")
	}
}

func TestService_NotifySessionCompleted_SwallowsUnreachableEndpoint(t *testing.T) {
	svc := NewService(ServiceConfig{URL: "http://127.0.0.1:0"})
	assert.NotPanics(t, func() {
		svc.NotifySessionCompleted(context.Background(), SessionCompletedInput{SessionID: "sess-1", Status: "failed"})
	})
}
