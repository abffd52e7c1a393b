package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler answers the liveness probe; it carries no dependencies
// because it asserts nothing beyond "the process is accepting
// connections" (DB and engine health are exercised indirectly by every
// other route).
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
