package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// createSessionHandler handles POST /v1/sessions (multipart: image).
func (s *Server) createSessionHandler(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field \"image\""})
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	imageBytes, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read image"})
		return
	}
	if len(imageBytes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}
	if contentType := http.DetectContentType(imageBytes); !isImageContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a recognized image format"})
		return
	}

	sessionID := uuid.NewString()
	ctx := c.Request.Context()

	if _, err := s.store.CreateSession(ctx, sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := s.orch.StartSession(ctx, sessionID, imageBytes); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "at capacity, try again shortly"})
		return
	}

	c.JSON(http.StatusAccepted, CreateSessionResponse{SessionID: sessionID})
}

// getSessionHandler handles GET /v1/sessions/{id}.
func (s *Server) getSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	items, err := s.store.ListItems(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, sessionSnapshot(sess, items))
}

// cancelSessionHandler handles DELETE /v1/sessions/{id}.
func (s *Server) cancelSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		writeStoreError(c, err)
		return
	}

	if err := s.orch.Cancel(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusAccepted, CancelSessionResponse{SessionID: sessionID})
}

func isImageContentType(ct string) bool {
	switch ct {
	case "image/jpeg", "image/png", "image/webp", "image/gif", "image/bmp", "image/tiff":
		return true
	default:
		return false
	}
}
