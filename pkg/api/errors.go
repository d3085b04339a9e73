package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// writeStoreError maps a store-layer error to the matching HTTP response.
// Every handler that loads a session by id funnels its store error through
// this so 404 mapping stays consistent across endpoints.
func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
