// Package api is the Session API / Stream (C7, §4.7): three HTTP
// endpoints plus cancellation — create a session from an uploaded menu
// photo, read its current snapshot, and tail its event log as
// server-sent events.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/config"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// maxUploadBytes bounds the multipart request body a session creation
// call accepts, rejecting oversized uploads at the HTTP read level (§6:
// 413 too large) before any decoding happens.
const maxUploadBytes = 12 * 1024 * 1024

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg      *config.Config
	dbClient *database.Client
	store    *store.Store
	listener *events.Listener
	orch     *orchestrator.Orchestrator
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg *config.Config, dbClient *database.Client, st *store.Store, listener *events.Listener, orch *orchestrator.Orchestrator) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), securityHeaders())

	s := &Server{
		engine:   e,
		cfg:      cfg,
		dbClient: dbClient,
		store:    st,
		listener: listener,
		orch:     orch,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/v1")
	v1.Use(bodyLimit(maxUploadBytes))
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.GET("/sessions/:id/events", s.streamEventsHandler)
	v1.DELETE("/sessions/:id", s.cancelSessionHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, for
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
}
