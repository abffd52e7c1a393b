package server

import (
	"github.com/gin-gonic/gin"

	"github.com/nixbuild/typhon/internal/handlers"
	"github.com/nixbuild/typhon/internal/middleware"
)

// RouterConfig names every handler the router wires up. The core engine
// itself has no HTTP surface of its own (spec scopes the API server out
// entirely); this exists only so the health check and the two
// LiveLogCache/EventBus streaming proxies are reachable at all.
type RouterConfig struct {
	Health  *handlers.HealthHandler
	LiveLog *handlers.LiveLogHandler
	Event   *handlers.EventHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.CORS())

	r.GET("/healthcheck", cfg.Health.HealthCheck)

	api := r.Group("/api")
	{
		api.GET("/jobs/:id/log/:phase", cfg.LiveLog.Stream)
		api.GET("/events/stream", cfg.Event.Stream)
	}

	return r
}
